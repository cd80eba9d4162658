// Package config loads pipeline configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/seedrelay/seedrelay/internal/constants"
)

// Config holds every recognized setting. Values not present in the
// environment fall back to the documented defaults.
type Config struct {
	// DownloadBasePath is the base directory under which per-job download
	// folders are created. Must exist at startup.
	DownloadBasePath string

	// RedisAddr is the address of the coordination Redis instance.
	RedisAddr string

	// RedisPassword is optional.
	RedisPassword string

	// DatabasePath is the SQLite database file.
	DatabasePath string

	// HealthCheckInterval is the period of the health monitor loop.
	HealthCheckInterval time.Duration

	// HealthStaleThreshold is the heartbeat age beyond which an active job is
	// considered orphaned.
	HealthStaleThreshold time.Duration

	// UploadTorrentFiles controls whether .torrent files found inside the
	// downloaded payload are uploaded alongside user content.
	UploadTorrentFiles bool

	// MaxConcurrentJobs bounds the background executor pool per process.
	MaxConcurrentJobs int

	// Backblaze FUSE mount settings. When the key triple is configured the
	// upload envelope requires the mount directory to exist.
	BackblazeKeyID  string
	BackblazeAppKey string
	BackblazeBucket string
	BackblazeMount  string
}

// DefaultBackblazeMount is where the external FUSE mount is expected when
// Backblaze credentials are configured.
const DefaultBackblazeMount = "/mnt/backblaze"

// Load reads the environment and validates the result.
func Load() (*Config, error) {
	cfg := &Config{
		DownloadBasePath:     envOr("TORRENT_DOWNLOAD_PATH", "/app/downloads"),
		RedisAddr:            envOr("REDIS_CONNECTION_STRING", "localhost:6379"),
		RedisPassword:        os.Getenv("REDIS_PASSWORD"),
		DatabasePath:         envOr("DATABASE_PATH", "seedrelay.db"),
		HealthCheckInterval:  envDuration("JOB_HEALTH_CHECK_INTERVAL", constants.HealthCheckInterval),
		HealthStaleThreshold: envDuration("JOB_HEALTH_STALE_THRESHOLD", constants.HealthStaleThreshold),
		UploadTorrentFiles:   envBool("UPLOAD_TORRENT_FILES", true),
		MaxConcurrentJobs:    envInt("MAX_CONCURRENT_JOBS", 50),
		BackblazeKeyID:       os.Getenv("BACKBLAZE_KEY_ID"),
		BackblazeAppKey:      os.Getenv("BACKBLAZE_APP_KEY"),
		BackblazeBucket:      os.Getenv("BACKBLAZE_BUCKET"),
		BackblazeMount:       envOr("BACKBLAZE_MOUNT_PATH", DefaultBackblazeMount),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks invariants that must hold before any worker starts.
func (c *Config) Validate() error {
	info, err := os.Stat(c.DownloadBasePath)
	if err != nil {
		return fmt.Errorf("download base path %q: %w", c.DownloadBasePath, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("download base path %q is not a directory", c.DownloadBasePath)
	}
	if c.MaxConcurrentJobs <= 0 {
		return fmt.Errorf("MAX_CONCURRENT_JOBS must be positive, got %d", c.MaxConcurrentJobs)
	}
	return nil
}

// BackblazeConfigured reports whether the full Backblaze key triple is set.
func (c *Config) BackblazeConfigured() bool {
	return c.BackblazeKeyID != "" && c.BackblazeAppKey != "" && c.BackblazeBucket != ""
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
