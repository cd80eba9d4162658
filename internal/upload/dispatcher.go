package upload

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/seedrelay/seedrelay/internal/background"
	"github.com/seedrelay/seedrelay/internal/fabric"
	"github.com/seedrelay/seedrelay/internal/logging"
	"github.com/seedrelay/seedrelay/internal/models"
	"github.com/seedrelay/seedrelay/internal/store"
)

// Background-engine target names for the upload phase.
const (
	TargetExecuteGDriveUpload = "upload:gdrive"
	TargetExecuteS3Upload     = "upload:s3"
)

// Dispatcher turns acknowledged stream entries into background executor jobs,
// exactly once per job. It implements Processor.
type Dispatcher struct {
	store    *store.Store
	engine   background.Engine
	target   string
	provider models.ProviderType
	logger   *logging.Logger
}

// NewDispatcher creates a dispatcher for one provider's stream.
func NewDispatcher(st *store.Store, engine background.Engine, provider models.ProviderType, logger *logging.Logger) *Dispatcher {
	target := TargetExecuteGDriveUpload
	if provider == models.ProviderS3 {
		target = TargetExecuteS3Upload
	}
	return &Dispatcher{
		store:    st,
		engine:   engine,
		target:   target,
		provider: provider,
		logger:   logger.Sub("dispatcher"),
	}
}

// ProcessEntry hands one stream entry to the executor queue. Entries with
// missing or garbled job ids are drained (acknowledged) to prevent poison
// loops. Delivery is at-least-once, so the hangfireUploadJobId guard makes
// the hand-off idempotent.
func (d *Dispatcher) ProcessEntry(ctx context.Context, entryID string, values map[string]any) (bool, error) {
	jobID, ok := fabric.ParseJobID(values)
	if !ok {
		d.logger.Warn().Str("entry_id", entryID).Msg("Draining entry with missing or garbled jobId")
		return true, nil
	}

	job, err := d.store.GetJob(ctx, jobID)
	if errors.Is(err, store.ErrNotFound) {
		d.logger.Warn().Uint("job_id", jobID).Str("entry_id", entryID).Msg("Draining entry for unknown job")
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to load job %d: %w", jobID, err)
	}

	if job.Status.IsTerminal() {
		d.logger.Info().Uint("job_id", jobID).Str("status", string(job.Status)).Msg("Draining entry for terminal job")
		return true, nil
	}

	if job.HangfireUploadJobID != "" {
		d.logger.Info().
			Uint("job_id", jobID).
			Str("handle", job.HangfireUploadJobID).
			Msg("Upload already enqueued, acknowledging duplicate delivery")
		return true, nil
	}

	handle, err := d.engine.Enqueue(d.target, map[string]string{
		"jobId": strconv.FormatUint(uint64(jobID), 10),
	})
	if err != nil {
		return false, fmt.Errorf("failed to enqueue upload executor for job %d: %w", jobID, err)
	}

	if err := d.store.UpdateJobFields(ctx, jobID, map[string]any{
		"hangfire_upload_job_id": handle,
	}); err != nil {
		// The stream entry will be retried; take the orphaned background job
		// with us so the retry can enqueue cleanly.
		if delErr := d.engine.Delete(handle); delErr != nil {
			d.logger.Error().Str("handle", handle).Err(delErr).Msg("Failed to delete orphaned background job")
		}
		return false, fmt.Errorf("failed to persist upload job handle for job %d: %w", jobID, err)
	}

	d.logger.Info().
		Uint("job_id", jobID).
		Str("handle", handle).
		Str("provider", string(d.provider)).
		Msg("Upload executor enqueued")
	return true, nil
}
