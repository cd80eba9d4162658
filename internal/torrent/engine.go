// Package torrent wraps the anacrolix torrent client behind the small engine
// surface the download worker drives: add, start, stop, save-state, progress,
// file priorities, state.
package torrent

import (
	"context"
	"fmt"
	"time"
)

// State is the coarse engine state the monitor loop reacts to.
type State string

const (
	StateValidating  State = "Validating"
	StateDownloading State = "Downloading"
	StateSeeding     State = "Seeding"
	StateStopped     State = "Stopped"
	StateError       State = "Error"
)

// FileEntry describes one file inside a torrent. Path is relative to the
// torrent root with forward-slash separators.
type FileEntry struct {
	Path   string
	Length int64
}

// Handle is one torrent session owned by the engine.
type Handle interface {
	// Files lists the torrent's files. Valid once Add has returned.
	Files() []FileEntry
	// SetFileDownload marks one file wanted or unwanted by its relative path.
	SetFileDownload(path string, download bool)
	// Start begins downloading the wanted files.
	Start()
	// Stop halts the session without removing on-disk data.
	Stop()
	// BytesCompleted returns completed bytes across wanted files.
	BytesCompleted() int64
	// WantedBytes returns the total size of wanted files.
	WantedBytes() int64
	// State returns the coarse session state.
	State() State
	// Err returns the error behind StateError, if any.
	Err() error
}

// Engine owns the torrent client for a single job directory.
type Engine interface {
	// Add materializes the torrent described by the metainfo file and waits
	// (bounded by ctx) for its metadata.
	Add(ctx context.Context, metainfoPath string) (Handle, error)
	// SaveState flushes fast-resume snapshots for all sessions so a re-run
	// can skip re-hashing completed pieces.
	SaveState() error
	// Close stops all sessions and releases the client.
	Close() error
}

// Config configures a job-scoped engine.
type Config struct {
	// DataDir is the job's download directory. Fast-resume snapshots are
	// persisted alongside the payload.
	DataDir string
	// MaxConnections caps peer connections per torrent.
	MaxConnections int
	// SettleTimeout bounds how long Add waits for metadata.
	SettleTimeout time.Duration
}

func (c Config) validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("torrent engine requires a data directory")
	}
	return nil
}
