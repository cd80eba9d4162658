package upload

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/seedrelay/seedrelay/internal/config"
	"github.com/seedrelay/seedrelay/internal/constants"
	"github.com/seedrelay/seedrelay/internal/download"
	"github.com/seedrelay/seedrelay/internal/fabric"
	"github.com/seedrelay/seedrelay/internal/jobs"
	"github.com/seedrelay/seedrelay/internal/logging"
	"github.com/seedrelay/seedrelay/internal/models"
	"github.com/seedrelay/seedrelay/internal/store"
)

// fatalError marks a failure that must not be retried (wrong provider,
// unusable profile, missing download path).
type fatalError struct {
	err error
}

func (e *fatalError) Error() string { return e.err.Error() }
func (e *fatalError) Unwrap() error { return e.err }

// Fatal wraps err as non-retryable.
func Fatal(err error) error { return &fatalError{err: err} }

// IsFatal reports whether err carries the non-retryable marker.
func IsFatal(err error) bool {
	var fe *fatalError
	return errors.As(err, &fe)
}

// LocalFile is one eligible file under the job's download directory.
type LocalFile struct {
	AbsPath string
	RelPath string // relative to downloadPath, forward slashes
	Size    int64
}

// ProviderExecutor is the provider-specific half of an upload run.
type ProviderExecutor interface {
	// Provider returns the profile type this executor serves.
	Provider() models.ProviderType
	// LockName returns the short provider name used in lock keys.
	LockName() string
	// Upload transfers the eligible files. It must honor ctx cancellation
	// promptly; per-file resume state is its responsibility.
	Upload(ctx context.Context, job *models.UserJob, files []LocalFile, reporter *Reporter) error
	// Cleanup runs after a failed Upload, before the failure transition.
	// Best effort; errors are logged, not surfaced.
	Cleanup(ctx context.Context, job *models.UserJob)
}

// Executor runs the shared upload envelope around a ProviderExecutor.
type Executor struct {
	store       *store.Store
	transitions *jobs.Service
	locker      fabric.Locker
	cfg         *config.Config
	logger      *logging.Logger
	provider    ProviderExecutor
}

// NewExecutor assembles the envelope for one provider.
func NewExecutor(st *store.Store, transitions *jobs.Service, locker fabric.Locker, cfg *config.Config, provider ProviderExecutor, logger *logging.Logger) *Executor {
	return &Executor{
		store:       st,
		transitions: transitions,
		locker:      locker,
		cfg:         cfg,
		logger:      logger.Sub("upload-" + provider.LockName()),
		provider:    provider,
	}
}

// Handler adapts Execute to the background queue signature.
func (e *Executor) Handler(ctx context.Context, args map[string]string) error {
	id, err := strconv.ParseUint(args["jobId"], 10, 64)
	if err != nil {
		return fmt.Errorf("upload handler: bad jobId %q: %w", args["jobId"], err)
	}
	return e.Execute(ctx, uint(id))
}

// Execute runs the full upload phase for one job.
func (e *Executor) Execute(ctx context.Context, jobID uint) error {
	log := e.logger.With().Uint("job_id", jobID).Logger()

	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("failed to load job %d: %w", jobID, err)
	}
	if job.Status.IsTerminal() {
		log.Info().Str("status", string(job.Status)).Msg("Job already terminal, skipping upload")
		return nil
	}

	lockKey := fabric.LockKey(e.provider.LockName(), jobID)
	lease, err := e.locker.AcquireLock(ctx, lockKey, constants.LockTTL)
	if err != nil {
		return fmt.Errorf("failed to acquire lock %s: %w", lockKey, err)
	}
	if lease == nil {
		log.Info().Str("lock", lockKey).Msg("Lock held elsewhere, exiting quietly")
		return nil
	}
	defer lease.Release(context.Background())

	files, total, err := e.validate(job)
	if err != nil {
		return e.fail(ctx, job, err)
	}

	switch job.Status {
	case models.StatusPendingUpload, models.StatusUploadRetry:
		err = e.transitions.Transition(ctx, jobID, models.StatusUploading, models.SourceWorker,
			jobs.WithStartedAt(time.Now().UTC()),
			jobs.WithCurrentState("Starting upload"),
		)
		if err != nil {
			if errors.Is(err, jobs.ErrTerminalState) {
				return nil
			}
			return fmt.Errorf("failed to transition job %d to UPLOADING: %w", jobID, err)
		}
	case models.StatusUploading:
		// Recovery run: no entry transition, but startedAt must be set.
		if job.StartedAt == nil {
			now := time.Now().UTC()
			if err := e.store.UpdateJobFields(ctx, jobID, map[string]any{"started_at": now}); err != nil {
				return fmt.Errorf("failed to set startedAt on recovery: %w", err)
			}
		}
	default:
		return e.fail(ctx, job, Fatal(fmt.Errorf("job %d in unexpected status %s for upload", jobID, job.Status)))
	}

	// Lock loss or a cancellation landing on the persisted row must stop the
	// transfer within one heartbeat period.
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	watch := e.startHeartbeat(runCtx, cancel, jobID, lease)
	defer watch.stop()

	reporter := NewReporter(e.store, jobID, total, e.logger)
	if err := e.provider.Upload(runCtx, job, files, reporter); err != nil {
		switch {
		case watch.lockLost.Load():
			// Another holder owns the job and its resume state now; leave
			// both untouched and exit without transitioning status.
			log.Warn().Msg("Upload cancelled after lock loss, exiting without status change")
			return nil
		case watch.terminal.Load():
			// The job was cancelled out from under the run; abort whatever
			// the provider holds server-side.
			e.provider.Cleanup(context.Background(), job)
			log.Info().Msg("Upload aborted, job reached a terminal status")
			return nil
		case ctx.Err() != nil:
			// Process shutdown: keep resume state for the recovery run.
			return ctx.Err()
		default:
			e.provider.Cleanup(context.Background(), job)
			return e.fail(ctx, job, err)
		}
	}

	now := time.Now().UTC()
	if err := e.transitions.Transition(ctx, jobID, models.StatusCompleted, models.SourceWorker,
		jobs.WithCompletedAt(now),
		jobs.WithCurrentState("Upload complete"),
		jobs.WithClearedError(),
	); err != nil {
		if errors.Is(err, jobs.ErrTerminalState) {
			return nil
		}
		return fmt.Errorf("failed to transition job %d to COMPLETED: %w", jobID, err)
	}
	if err := e.store.UpdateJobFields(ctx, jobID, map[string]any{"bytes_uploaded": total}); err != nil {
		log.Warn().Err(err).Msg("Failed to persist final uploaded bytes")
	}

	log.Info().Int64("bytes", total).Int("files", len(files)).Msg("Upload completed")
	return nil
}

// validate checks profile and path preconditions and enumerates the eligible
// file set.
func (e *Executor) validate(job *models.UserJob) ([]LocalFile, int64, error) {
	profile := job.StorageProfile
	if profile == nil {
		return nil, 0, Fatal(fmt.Errorf("job %d has no storage profile", job.ID))
	}
	if profile.ProviderType != e.provider.Provider() {
		return nil, 0, Fatal(fmt.Errorf("storage profile %d is %s, executor serves %s",
			profile.ID, profile.ProviderType, e.provider.Provider()))
	}
	if !profile.Usable() {
		return nil, 0, Fatal(fmt.Errorf("storage profile %d is inactive or needs re-auth", profile.ID))
	}

	if e.cfg.BackblazeConfigured() {
		if info, err := os.Stat(e.cfg.BackblazeMount); err != nil || !info.IsDir() {
			return nil, 0, Fatal(fmt.Errorf("backblaze mount %s is not available", e.cfg.BackblazeMount))
		}
	}

	if job.DownloadPath == "" {
		return nil, 0, Fatal(fmt.Errorf("job %d has no download path", job.ID))
	}
	info, err := os.Stat(job.DownloadPath)
	if err != nil || !info.IsDir() {
		return nil, 0, Fatal(fmt.Errorf("download path %s does not exist", job.DownloadPath))
	}

	files, total, err := e.enumerateFiles(job)
	if err != nil {
		return nil, 0, err
	}
	if len(files) == 0 {
		return nil, 0, Fatal(fmt.Errorf("download path %s holds no eligible files", job.DownloadPath))
	}
	return files, total, nil
}

// enumerateFiles walks downloadPath depth-first, excluding engine metadata
// and files outside the job's selection.
func (e *Executor) enumerateFiles(job *models.UserJob) ([]LocalFile, int64, error) {
	selection := job.Selection()
	var files []LocalFile
	var total int64

	err := filepath.WalkDir(job.DownloadPath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(job.DownloadPath, path)
		if err != nil {
			return err
		}
		rel = strings.ReplaceAll(rel, string(os.PathSeparator), "/")

		if download.IsEngineMetadata(rel, e.cfg.UploadTorrentFiles) {
			return nil
		}
		if !download.MatchesSelection(rel, selection) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		files = append(files, LocalFile{AbsPath: path, RelPath: rel, Size: info.Size()})
		total += info.Size()
		return nil
	})
	if err != nil {
		return nil, 0, fmt.Errorf("failed to enumerate %s: %w", job.DownloadPath, err)
	}

	sort.Slice(files, func(i, j int) bool { return files[i].RelPath < files[j].RelPath })
	return files, total, nil
}

// heartbeatInterval is the executor heartbeat period. Package var so tests
// can tighten it.
var heartbeatInterval = constants.HeartbeatInterval

// runWatch records why the heartbeat cancelled the run context.
type runWatch struct {
	stop     func()
	lockLost atomic.Bool
	terminal atomic.Bool
}

// startHeartbeat refreshes the DB heartbeat and the lock lease on a distinct
// store session. The run context is cancelled when the lease refresh reports
// loss or the persisted job reaches a terminal status (user cancellation).
func (e *Executor) startHeartbeat(ctx context.Context, cancel context.CancelFunc, jobID uint, lease fabric.Lease) *runWatch {
	watch := &runWatch{}
	done := make(chan struct{})
	hbStore := e.store.Session()

	go func() {
		defer close(done)
		ticker := time.NewTicker(heartbeatInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			if err := hbStore.TouchHeartbeat(ctx, jobID, time.Now().UTC()); err != nil && ctx.Err() == nil {
				e.logger.Warn().Uint("job_id", jobID).Err(err).Msg("Heartbeat write failed")
			}

			if job, err := hbStore.GetJob(ctx, jobID); err == nil && job.Status.IsTerminal() {
				e.logger.Info().Uint("job_id", jobID).Str("status", string(job.Status)).Msg("Job reached terminal status, cancelling upload")
				watch.terminal.Store(true)
				cancel()
				return
			}

			owned, err := lease.Refresh(ctx)
			if err != nil && ctx.Err() == nil {
				e.logger.Warn().Uint("job_id", jobID).Err(err).Msg("Lock refresh error")
				continue
			}
			if !owned || !lease.IsOwned() {
				e.logger.Error().Uint("job_id", jobID).Str("lock", lease.Key()).Msg("Lock lease lost, cancelling upload")
				watch.lockLost.Store(true)
				cancel()
				return
			}
		}
	}()

	watch.stop = func() {
		cancel()
		<-done
	}
	return watch
}

// fail records the failure through the base transition, choosing retryability
// from the error kind.
func (e *Executor) fail(ctx context.Context, job *models.UserJob, cause error) error {
	hasRetries := !IsFatal(cause)
	if err := e.transitions.MarkFailed(ctx, job.ID, hasRetries, models.SourceWorker, cause.Error()); err != nil {
		if errors.Is(err, jobs.ErrTerminalState) {
			return nil
		}
		return fmt.Errorf("failed to record failure for job %d: %w (original: %v)", job.ID, err, cause)
	}
	return fmt.Errorf("upload failed for job %d: %w", job.ID, cause)
}
