package constants

import (
	"time"
)

// Transfer sizing
const (
	// ChunkSize - size of each Google Drive resumable chunk and S3 part (10 MiB).
	// Drive requires chunk sizes to be a multiple of 256 KiB; 10 MiB satisfies that.
	ChunkSize = 10 * 1024 * 1024

	// DriveChunkAlignment - Google Drive resumable uploads require chunks in
	// multiples of this size (except the final chunk).
	DriveChunkAlignment = 256 * 1024

	// MinPartSize - S3 minimum part size (5 MiB, except last part)
	MinPartSize = 5 * 1024 * 1024
)

// Redis key TTLs (normative per the coordination fabric contract)
const (
	// ResumeURITTL - lifetime of cached Drive resumable-session URIs.
	// Aligned with Google's 7-day resumable session expiry.
	ResumeURITTL = 7 * 24 * time.Hour

	// CompletedFileTTL - lifetime of completed-file and root-folder markers.
	CompletedFileTTL = 30 * 24 * time.Hour

	// LockTTL - initial lease duration for per-job provider locks.
	// Refreshed on every heartbeat, so the long TTL only matters after a crash.
	LockTTL = 2 * time.Hour
)

// Worker cadence
const (
	// HeartbeatInterval - period of the executor heartbeat loop (DB heartbeat
	// plus lock-lease refresh).
	HeartbeatInterval = 15 * time.Second

	// DownloadPollInterval - period of the torrent monitor loop.
	DownloadPollInterval = 2 * time.Second

	// DownloadDBUpdateInterval - minimum gap between persisted progress writes
	// during a download.
	DownloadDBUpdateInterval = 5 * time.Second

	// EngineStateSaveInterval - how often fast-resume state is flushed to disk.
	EngineStateSaveInterval = 30 * time.Second

	// SettleTimeout - how long to wait for a freshly added torrent to reach a
	// decisive engine state before declaring failure.
	SettleTimeout = 10 * time.Second

	// SettlePollInterval - poll period inside the settle wait.
	SettlePollInterval = 250 * time.Millisecond
)

// Stream consumption
const (
	// StreamBatchSize - max entries claimed per XREADGROUP call.
	StreamBatchSize = 10

	// StreamBlockTimeout - bounded wait inside a blocking stream read.
	StreamBlockTimeout = 5 * time.Second

	// StreamIdleSleep - sleep after an empty batch.
	StreamIdleSleep = 1 * time.Second

	// StreamErrorBackoff - backoff after a transport error on the stream.
	StreamErrorBackoff = 5 * time.Second

	// StreamReclaimIdle - minimum idle time before a pending entry may be
	// claimed away from a dead consumer.
	StreamReclaimIdle = 30 * time.Second
)

// Stream and consumer-group names
const (
	GDriveStreamKey   = "uploads:googledrive:stream"
	GDriveGroupName   = "googledrive-workers"
	S3StreamKey       = "uploads:awss3:stream"
	S3GroupName       = "s3-workers"
)

// Health monitoring defaults
const (
	// HealthCheckInterval - default period of the health monitor loop.
	HealthCheckInterval = 2 * time.Minute

	// HealthStaleThreshold - default heartbeat age beyond which an active job
	// is considered orphaned.
	HealthStaleThreshold = 5 * time.Minute
)

// Progress reporting
const (
	// ProgressDBPercentStep - minimum percent delta between persisted upload
	// progress writes.
	ProgressDBPercentStep = 5.0

	// ProgressLogInterval - minimum gap between progress log lines.
	ProgressLogInterval = 30 * time.Second

	// ProgressLogByteStep - byte delta that forces a download progress log line.
	ProgressLogByteStep = 100 * 1024 * 1024
)

// Torrent engine
const (
	// MaxTorrentConnections - per-torrent connection cap.
	MaxTorrentConnections = 80

	// FastResumeSuffix - extension of fast-resume snapshots written next to
	// the downloaded payload.
	FastResumeSuffix = ".fresume"
)
