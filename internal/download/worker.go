package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/seedrelay/seedrelay/internal/config"
	"github.com/seedrelay/seedrelay/internal/constants"
	"github.com/seedrelay/seedrelay/internal/fabric"
	"github.com/seedrelay/seedrelay/internal/jobs"
	"github.com/seedrelay/seedrelay/internal/logging"
	"github.com/seedrelay/seedrelay/internal/models"
	"github.com/seedrelay/seedrelay/internal/store"
	"github.com/seedrelay/seedrelay/internal/torrent"
)

// TargetExecuteDownload is the background-engine target name for the
// download phase.
const TargetExecuteDownload = "download:execute"

// ErrEngineStopped is surfaced when the torrent engine halts before the
// download completes.
var ErrEngineStopped = errors.New("torrent engine stopped before completion")

// Publisher is the slice of the coordination fabric the worker needs for the
// upload hand-off.
type Publisher interface {
	Publish(ctx context.Context, streamKey string, msg fabric.UploadMessage) (string, error)
}

// EngineFactory builds a job-scoped torrent engine. Swapped for a fake in
// tests.
type EngineFactory func(cfg torrent.Config, logger *logging.Logger) (torrent.Engine, error)

// Worker executes the download phase of a job.
type Worker struct {
	store       *store.Store
	transitions *jobs.Service
	publisher   Publisher
	cfg         *config.Config
	logger      *logging.Logger
	newEngine   EngineFactory
	httpClient  *retryablehttp.Client
}

// NewWorker creates a download worker.
func NewWorker(st *store.Store, transitions *jobs.Service, publisher Publisher, cfg *config.Config, logger *logging.Logger) *Worker {
	httpClient := retryablehttp.NewClient()
	httpClient.RetryMax = 3
	httpClient.HTTPClient.Timeout = time.Minute
	httpClient.Logger = nil

	return &Worker{
		store:       st,
		transitions: transitions,
		publisher:   publisher,
		cfg:         cfg,
		logger:      logger.Sub("download"),
		httpClient:  httpClient,
		newEngine: func(ec torrent.Config, log *logging.Logger) (torrent.Engine, error) {
			return torrent.NewAnacrolixEngine(ec, log)
		},
	}
}

// SetEngineFactory overrides engine construction. Used in tests.
func (w *Worker) SetEngineFactory(f EngineFactory) {
	w.newEngine = f
}

// Handler adapts ExecuteDownload to the background queue signature.
func (w *Worker) Handler(ctx context.Context, args map[string]string) error {
	id, err := strconv.ParseUint(args["jobId"], 10, 64)
	if err != nil {
		return fmt.Errorf("download handler: bad jobId %q: %w", args["jobId"], err)
	}
	return w.ExecuteDownload(ctx, uint(id))
}

// ExecuteDownload runs the full download phase for one job.
func (w *Worker) ExecuteDownload(ctx context.Context, jobID uint) error {
	log := w.logger.With().Uint("job_id", jobID).Logger()

	job, err := w.store.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("failed to load job %d: %w", jobID, err)
	}
	if job.Status.IsTerminal() {
		log.Info().Str("status", string(job.Status)).Msg("Job already terminal, skipping download")
		return nil
	}
	if job.RequestFile == nil {
		return w.failJob(ctx, jobID, false, "job has no request file")
	}

	downloadPath, err := w.resolveDownloadPath(job)
	if err != nil {
		return w.failJob(ctx, jobID, true, err.Error())
	}

	metainfoPath, err := w.materializeDescriptor(ctx, job)
	if err != nil {
		return w.failJob(ctx, jobID, true, fmt.Sprintf("failed to materialize torrent descriptor: %v", err))
	}

	engine, err := w.newEngine(torrent.Config{
		DataDir:        downloadPath,
		MaxConnections: constants.MaxTorrentConnections,
		SettleTimeout:  constants.SettleTimeout,
	}, w.logger)
	if err != nil {
		return w.failJob(ctx, jobID, true, fmt.Sprintf("failed to start torrent engine: %v", err))
	}
	defer engine.Close()

	addCtx, cancel := context.WithTimeout(ctx, constants.SettleTimeout)
	handle, err := engine.Add(addCtx, metainfoPath)
	cancel()
	if err != nil {
		return w.failJob(ctx, jobID, true, fmt.Sprintf("failed to add torrent: %v", err))
	}

	selection := job.Selection()
	totalBytes := w.applySelection(handle, selection)
	if totalBytes == 0 {
		return w.failJob(ctx, jobID, false, "selection matches no files in torrent")
	}

	if job.Status == models.StatusQueued || job.Status == models.StatusTorrentDownloadRetry {
		err = w.transitions.Transition(ctx, jobID, models.StatusDownloading, models.SourceWorker,
			jobs.WithStartedAt(time.Now().UTC()),
			jobs.WithTotalBytes(totalBytes),
			jobs.WithDownloadPath(downloadPath),
			jobs.WithCurrentState("Starting download"),
		)
		if err != nil {
			if errors.Is(err, jobs.ErrTerminalState) {
				return nil
			}
			return fmt.Errorf("failed to transition job %d to DOWNLOADING: %w", jobID, err)
		}
	}

	handle.Start()

	if err := w.waitForSettle(ctx, handle); err != nil {
		engine.SaveState()
		return w.failJob(ctx, jobID, true, err.Error())
	}

	if err := w.monitor(ctx, jobID, handle, engine, totalBytes); err != nil {
		// Persist engine state before surfacing so a re-run benefits from
		// fast-resume.
		engine.SaveState()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return w.failJob(ctx, jobID, true, err.Error())
	}

	if err := engine.SaveState(); err != nil {
		log.Warn().Err(err).Msg("Failed to save final engine state")
	}

	return w.emitUploadTrigger(ctx, jobID)
}

// resolveDownloadPath reuses the job's existing on-disk path on recovery,
// otherwise derives ${baseDir}/${jobId}.
func (w *Worker) resolveDownloadPath(job *models.UserJob) (string, error) {
	if job.DownloadPath != "" {
		if info, err := os.Stat(job.DownloadPath); err == nil && info.IsDir() {
			return job.DownloadPath, nil
		}
	}
	path := filepath.Join(w.cfg.DownloadBasePath, strconv.FormatUint(uint64(job.ID), 10))
	if err := os.MkdirAll(path, 0755); err != nil {
		return "", fmt.Errorf("failed to create download directory %s: %w", path, err)
	}
	return path, nil
}

// materializeDescriptor ensures the torrent metainfo file exists locally,
// fetching it over HTTP when the request file points at a URL. The fetched
// copy lives beside the per-job payload directories, never inside one: the
// payload directory holds only files of the torrent, and the upload walk
// takes everything in it.
func (w *Worker) materializeDescriptor(ctx context.Context, job *models.UserJob) (string, error) {
	src := job.RequestFile.DirectURL
	if _, err := os.Stat(src); err == nil {
		return src, nil
	}

	dest := filepath.Join(w.cfg.DownloadBasePath, fmt.Sprintf("job-%d.torrent", job.ID))
	if _, err := os.Stat(dest); err == nil {
		return dest, nil
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, "GET", src, nil)
	if err != nil {
		return "", fmt.Errorf("bad descriptor URL %q: %w", src, err)
	}
	resp, err := w.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to fetch descriptor: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		return "", fmt.Errorf("descriptor fetch returned status %d", resp.StatusCode)
	}

	out, err := os.Create(dest)
	if err != nil {
		return "", fmt.Errorf("failed to create descriptor file: %w", err)
	}
	defer out.Close()
	if _, err := io.Copy(out, resp.Body); err != nil {
		os.Remove(dest)
		return "", fmt.Errorf("failed to write descriptor file: %w", err)
	}
	return dest, nil
}

// applySelection sets per-file priorities and returns the downloadable size.
func (w *Worker) applySelection(handle torrent.Handle, selection []string) int64 {
	var total int64
	for _, f := range handle.Files() {
		if MatchesSelection(f.Path, selection) {
			handle.SetFileDownload(f.Path, true)
			total += f.Length
		} else {
			handle.SetFileDownload(f.Path, false)
		}
	}
	return total
}

// waitForSettle polls until the torrent reaches a decisive state.
func (w *Worker) waitForSettle(ctx context.Context, handle torrent.Handle) error {
	deadline := time.Now().Add(constants.SettleTimeout)
	for {
		switch handle.State() {
		case torrent.StateDownloading, torrent.StateSeeding:
			return nil
		case torrent.StateError:
			return fmt.Errorf("torrent engine error during settle: %v", handle.Err())
		case torrent.StateStopped:
			return ErrEngineStopped
		}
		if time.Now().After(deadline) {
			// Still validating; treat as settled and let the monitor decide.
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(constants.SettlePollInterval):
		}
	}
}

// monitor polls engine progress, persisting heartbeat and state until the
// download completes or fails.
func (w *Worker) monitor(ctx context.Context, jobID uint, handle torrent.Handle, engine torrent.Engine, totalBytes int64) error {
	log := w.logger.With().Uint("job_id", jobID).Logger()

	var (
		lastLoggedBytes int64 = -constants.ProgressLogByteStep
		lastDBWrite     time.Time
		lastSave        = time.Now()
		lastBytes       int64
		lastTick        = time.Now()
		speed           float64
	)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(constants.DownloadPollInterval):
		}

		state := handle.State()
		completed := handle.BytesCompleted()
		progress := float64(0)
		if totalBytes > 0 {
			progress = float64(completed) / float64(totalBytes)
		}

		// EMA-smoothed transfer rate.
		now := time.Now()
		if elapsed := now.Sub(lastTick).Seconds(); elapsed > 0.1 && completed > lastBytes {
			instant := float64(completed-lastBytes) / elapsed
			const alpha = 0.25
			if speed > 0 {
				speed = alpha*instant + (1-alpha)*speed
			} else {
				speed = instant
			}
			lastBytes = completed
			lastTick = now
		}

		if completed-lastLoggedBytes >= constants.ProgressLogByteStep {
			log.Info().
				Int64("bytes", completed).
				Int64("total", totalBytes).
				Float64("percent", progress*100).
				Float64("speed_bps", speed).
				Msg("Download progress")
			lastLoggedBytes = completed
		}

		if now.Sub(lastDBWrite) >= constants.DownloadDBUpdateInterval {
			stateLine := stateText(state, progress, speed)
			if err := w.store.UpdateJobFields(ctx, jobID, map[string]any{
				"bytes_downloaded": completed,
				"last_heartbeat":   now.UTC(),
				"current_state":    stateLine,
			}); err != nil {
				log.Warn().Err(err).Msg("Failed to persist download progress")
			}
			lastDBWrite = now

			// Pick up user cancellation on the persisted read path.
			job, err := w.store.GetJob(ctx, jobID)
			if err == nil && job.Status.IsTerminal() {
				return fmt.Errorf("job reached %s during download", job.Status)
			}
		}

		if now.Sub(lastSave) >= constants.EngineStateSaveInterval {
			if err := engine.SaveState(); err != nil {
				log.Warn().Err(err).Msg("Failed to save engine state")
			}
			lastSave = now
		}

		switch {
		case state == torrent.StateError:
			return fmt.Errorf("torrent engine error: %v", handle.Err())
		case state == torrent.StateStopped:
			return ErrEngineStopped
		case progress >= 1.0 || state == torrent.StateSeeding:
			log.Info().
				Int64("bytes", completed).
				Float64("speed_bps", speed).
				Msg("Download complete")
			if err := w.store.UpdateJobFields(ctx, jobID, map[string]any{
				"bytes_downloaded": totalBytes,
				"last_heartbeat":   time.Now().UTC(),
				"current_state":    "Download complete",
			}); err != nil {
				log.Warn().Err(err).Msg("Failed to persist final download progress")
			}
			return nil
		}
	}
}

func stateText(state torrent.State, progress, speed float64) string {
	percent := progress * 100
	switch state {
	case torrent.StateValidating:
		return fmt.Sprintf("Validating files: %.1f%%", percent)
	case torrent.StateSeeding:
		return "Download complete"
	default:
		if speed > 0 {
			return fmt.Sprintf("Downloading: %.1f%% (%.1f MB/s)", percent, speed/(1024*1024))
		}
		return fmt.Sprintf("Downloading: %.1f%%", percent)
	}
}

// emitUploadTrigger moves the job to PENDING_UPLOAD and publishes the
// hand-off record on the provider's stream. A run that already recorded the
// transition but crashed before the publish (or whose publish failed) lands
// here in PENDING_UPLOAD again; the transition is skipped and the entry is
// re-emitted, relying on the dispatcher's hand-off guard to absorb
// duplicates.
func (w *Worker) emitUploadTrigger(ctx context.Context, jobID uint) error {
	job, err := w.store.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("failed to reload job %d: %w", jobID, err)
	}
	if job.Status.IsTerminal() {
		return nil
	}

	if job.Status != models.StatusPendingUpload {
		if err := w.transitions.Transition(ctx, jobID, models.StatusPendingUpload, models.SourceWorker,
			jobs.WithCurrentState("Waiting for upload"),
		); err != nil {
			if errors.Is(err, jobs.ErrTerminalState) {
				return nil
			}
			return fmt.Errorf("failed to transition job %d to PENDING_UPLOAD: %w", jobID, err)
		}
	}

	streamKey := constants.GDriveStreamKey
	if job.StorageProfile != nil && job.StorageProfile.ProviderType == models.ProviderS3 {
		streamKey = constants.S3StreamKey
	}

	entryID, err := w.publisher.Publish(ctx, streamKey, fabric.UploadMessage{
		JobID:            job.ID,
		DownloadPath:     job.DownloadPath,
		StorageProfileID: job.StorageProfileID,
		UserID:           job.UserID,
		CreatedAt:        time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to publish upload trigger for job %d: %w", jobID, err)
	}

	w.logger.Info().
		Uint("job_id", jobID).
		Str("stream", streamKey).
		Str("entry_id", entryID).
		Msg("Upload trigger published")
	return nil
}

func (w *Worker) failJob(ctx context.Context, jobID uint, hasRetries bool, msg string) error {
	if err := w.transitions.MarkFailed(ctx, jobID, hasRetries, models.SourceWorker, msg); err != nil {
		if errors.Is(err, jobs.ErrTerminalState) {
			return nil
		}
		return err
	}
	return fmt.Errorf("download failed for job %d: %s", jobID, msg)
}
