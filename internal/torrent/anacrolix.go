package torrent

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	anacrolix "github.com/anacrolix/torrent"
	"github.com/anacrolix/torrent/metainfo"
	"github.com/anacrolix/torrent/storage"

	"github.com/seedrelay/seedrelay/internal/constants"
	"github.com/seedrelay/seedrelay/internal/logging"
)

// AnacrolixEngine implements Engine on the anacrolix torrent client with
// piece completion persisted into the job directory, so a crashed run
// resumes without re-hashing.
type AnacrolixEngine struct {
	client  *anacrolix.Client
	dataDir string
	logger  *logging.Logger

	mu       sync.Mutex
	sessions []*anacrolixHandle
}

// NewAnacrolixEngine constructs an engine rooted at cfg.DataDir.
func NewAnacrolixEngine(cfg Config, logger *logging.Logger) (*AnacrolixEngine, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	clientConfig := anacrolix.NewDefaultClientConfig()
	clientConfig.DataDir = cfg.DataDir
	clientConfig.Seed = false
	if cfg.MaxConnections > 0 {
		clientConfig.EstablishedConnsPerTorrent = cfg.MaxConnections
	} else {
		clientConfig.EstablishedConnsPerTorrent = constants.MaxTorrentConnections
	}

	// Piece completion lives next to the payload; this is what makes a
	// re-run skip verified pieces.
	completion, err := storage.NewBoltPieceCompletion(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open piece completion store: %w", err)
	}
	clientConfig.DefaultStorage = storage.NewFileWithCompletion(cfg.DataDir, completion)

	client, err := anacrolix.NewClient(clientConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to start torrent client: %w", err)
	}

	return &AnacrolixEngine{
		client:  client,
		dataDir: cfg.DataDir,
		logger:  logger.Sub("torrent"),
	}, nil
}

func (e *AnacrolixEngine) Add(ctx context.Context, metainfoPath string) (Handle, error) {
	mi, err := metainfo.LoadFromFile(metainfoPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load metainfo %s: %w", metainfoPath, err)
	}

	t, err := e.client.AddTorrent(mi)
	if err != nil {
		return nil, fmt.Errorf("failed to add torrent: %w", err)
	}

	select {
	case <-t.GotInfo():
	case <-ctx.Done():
		t.Drop()
		return nil, fmt.Errorf("timed out waiting for torrent metadata: %w", ctx.Err())
	}

	h := &anacrolixHandle{torrent: t, dataDir: e.dataDir}
	e.mu.Lock()
	e.sessions = append(e.sessions, h)
	e.mu.Unlock()

	e.logger.Info().
		Str("name", t.Name()).
		Int("files", len(t.Files())).
		Msg("Torrent added")
	return h, nil
}

// SaveState writes a fast-resume snapshot per session. Piece completion is
// already durable in the bolt store; the snapshot records the high-water
// marks a recovering run logs against.
func (e *AnacrolixEngine) SaveState() error {
	e.mu.Lock()
	sessions := make([]*anacrolixHandle, len(e.sessions))
	copy(sessions, e.sessions)
	e.mu.Unlock()

	for _, h := range sessions {
		if err := h.saveSnapshot(); err != nil {
			return err
		}
	}
	return nil
}

func (e *AnacrolixEngine) Close() error {
	if err := e.SaveState(); err != nil {
		e.logger.Warn().Err(err).Msg("Failed to save engine state during close")
	}
	e.client.Close()
	<-e.client.Closed()
	return nil
}

type anacrolixHandle struct {
	torrent *anacrolix.Torrent
	dataDir string

	mu      sync.Mutex
	started bool
	stopped bool
	wanted  map[string]bool
}

func (h *anacrolixHandle) Files() []FileEntry {
	files := h.torrent.Files()
	entries := make([]FileEntry, 0, len(files))
	for _, f := range files {
		entries = append(entries, FileEntry{
			Path:   strings.ReplaceAll(f.Path(), `\`, "/"),
			Length: f.Length(),
		})
	}
	return entries
}

func (h *anacrolixHandle) SetFileDownload(path string, download bool) {
	h.mu.Lock()
	if h.wanted == nil {
		h.wanted = make(map[string]bool)
	}
	h.wanted[path] = download
	h.mu.Unlock()

	for _, f := range h.torrent.Files() {
		if strings.ReplaceAll(f.Path(), `\`, "/") != path {
			continue
		}
		if download {
			f.SetPriority(anacrolix.PiecePriorityNormal)
		} else {
			f.SetPriority(anacrolix.PiecePriorityNone)
		}
		return
	}
}

func (h *anacrolixHandle) Start() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.started = true
	h.stopped = false

	for _, f := range h.torrent.Files() {
		path := strings.ReplaceAll(f.Path(), `\`, "/")
		want, tracked := h.wanted[path]
		if !tracked || want {
			f.SetPriority(anacrolix.PiecePriorityNormal)
		}
	}
}

func (h *anacrolixHandle) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopped = true
	for _, f := range h.torrent.Files() {
		f.SetPriority(anacrolix.PiecePriorityNone)
	}
}

func (h *anacrolixHandle) wantedFiles() []*anacrolix.File {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []*anacrolix.File
	for _, f := range h.torrent.Files() {
		path := strings.ReplaceAll(f.Path(), `\`, "/")
		want, tracked := h.wanted[path]
		if !tracked || want {
			out = append(out, f)
		}
	}
	return out
}

func (h *anacrolixHandle) BytesCompleted() int64 {
	var total int64
	for _, f := range h.wantedFiles() {
		total += f.BytesCompleted()
	}
	return total
}

func (h *anacrolixHandle) WantedBytes() int64 {
	var total int64
	for _, f := range h.wantedFiles() {
		total += f.Length()
	}
	return total
}

func (h *anacrolixHandle) State() State {
	h.mu.Lock()
	stopped := h.stopped
	started := h.started
	h.mu.Unlock()

	if stopped {
		return StateStopped
	}
	if h.WantedBytes() > 0 && h.BytesCompleted() >= h.WantedBytes() {
		return StateSeeding
	}
	if !started {
		// The client verifies existing data lazily before any download.
		return StateValidating
	}
	return StateDownloading
}

func (h *anacrolixHandle) Err() error {
	return nil
}

// fastResumeSnapshot is the JSON payload of a .fresume file.
type fastResumeSnapshot struct {
	InfoHash       string    `json:"info_hash"`
	Name           string    `json:"name"`
	BytesCompleted int64     `json:"bytes_completed"`
	WantedBytes    int64     `json:"wanted_bytes"`
	SavedAt        time.Time `json:"saved_at"`
}

func (h *anacrolixHandle) saveSnapshot() error {
	snap := fastResumeSnapshot{
		InfoHash:       h.torrent.InfoHash().HexString(),
		Name:           h.torrent.Name(),
		BytesCompleted: h.BytesCompleted(),
		WantedBytes:    h.WantedBytes(),
		SavedAt:        time.Now().UTC(),
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal fast-resume snapshot: %w", err)
	}

	path := filepath.Join(h.dataDir, h.torrent.InfoHash().HexString()+constants.FastResumeSuffix)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write fast-resume snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to finalize fast-resume snapshot: %w", err)
	}
	return nil
}
