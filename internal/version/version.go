// Package version provides build version information for the daemon.
package version

// Version is the build version string, set by ldflags during build.
var Version = "dev"

// BuildTime is the build timestamp, set by ldflags during build.
var BuildTime = "unknown"
