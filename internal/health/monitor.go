// Package health implements the orphaned-job monitor: a periodic sweep that
// finds active jobs whose heartbeat went quiet and re-enqueues the correct
// phase executor for them.
package health

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/seedrelay/seedrelay/internal/background"
	"github.com/seedrelay/seedrelay/internal/download"
	"github.com/seedrelay/seedrelay/internal/logging"
	"github.com/seedrelay/seedrelay/internal/models"
	"github.com/seedrelay/seedrelay/internal/store"
	"github.com/seedrelay/seedrelay/internal/upload"
)

// Monitor periodically recovers jobs abandoned by a crashed or wedged worker.
type Monitor struct {
	store          *store.Store
	engine         background.Engine
	interval       time.Duration
	staleThreshold time.Duration
	logger         *logging.Logger

	now func() time.Time
}

// NewMonitor creates a monitor sweeping at the given interval. Jobs whose
// heartbeat (or start, if no heartbeat was ever written) is older than
// staleThreshold are candidates for recovery.
func NewMonitor(st *store.Store, engine background.Engine, interval, staleThreshold time.Duration, logger *logging.Logger) *Monitor {
	return &Monitor{
		store:          st,
		engine:         engine,
		interval:       interval,
		staleThreshold: staleThreshold,
		logger:         logger.Sub("health"),
		now:            func() time.Time { return time.Now().UTC() },
	}
}

// Run sweeps immediately, then on every tick until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	m.logger.Info().
		Dur("interval", m.interval).
		Dur("stale_threshold", m.staleThreshold).
		Msg("Health monitor started")

	m.Sweep(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Sweep runs one pass over the active statuses. Exported so tests can drive
// the monitor without the timer.
func (m *Monitor) Sweep(ctx context.Context) {
	cutoff := m.now().Add(-m.staleThreshold)
	stale, err := m.store.ListStaleJobs(ctx, []models.JobStatus{
		models.StatusDownloading,
		models.StatusUploading,
	}, cutoff)
	if err != nil {
		m.logger.Error().Err(err).Msg("Failed to list stale jobs")
		return
	}

	for i := range stale {
		if ctx.Err() != nil {
			return
		}
		m.inspect(ctx, stale[i].ID)
	}
}

// inspect reloads one stale job (the sweep query result may be minutes old by
// now) and decides whether it needs recovery.
func (m *Monitor) inspect(ctx context.Context, jobID uint) {
	job, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		m.logger.Error().Uint("job_id", jobID).Err(err).Msg("Failed to reload stale job")
		return
	}
	if !job.Status.IsActive() {
		return
	}

	log := m.logger.With().Uint("job_id", job.ID).Str("status", string(job.Status)).Logger()

	handle := m.phaseHandle(job)
	if handle == "" {
		log.Warn().Msg("Active job has no background handle, recovering")
		m.recover(ctx, job, "no background job handle recorded")
		return
	}

	desc, err := m.engine.Describe(handle)
	if errors.Is(err, background.ErrUnknownHandle) {
		// The engine restarted and lost the queue; the handle points nowhere.
		log.Warn().Str("handle", handle).Msg("Background handle unknown to engine, recovering")
		m.recover(ctx, job, "background job handle not found")
		return
	}
	if err != nil {
		log.Error().Str("handle", handle).Err(err).Msg("Failed to describe background job")
		return
	}

	switch desc.State {
	case background.StateEnqueued, background.StateScheduled:
		// A retry is already on its way; leave it alone.
		log.Debug().Str("handle", handle).Str("state", string(desc.State)).Msg("Background job pending, skipping")
	case background.StateProcessing:
		// The engine thinks it is running, but the heartbeat disagrees. The
		// worker is wedged or its process died without the engine noticing.
		log.Warn().Str("handle", handle).Msg("Background job claims processing but heartbeat is stale, recovering")
		if err := m.engine.Delete(handle); err != nil && !errors.Is(err, background.ErrUnknownHandle) {
			log.Warn().Str("handle", handle).Err(err).Msg("Failed to delete wedged background job")
		}
		m.recover(ctx, job, "worker heartbeat stale while background job processing")
	case background.StateSucceeded:
		// The executor finished but the status write never landed.
		log.Warn().Str("handle", handle).Msg("Background job succeeded but job is still active, recovering")
		m.recover(ctx, job, "background job succeeded without a status transition")
	case background.StateFailed, background.StateDeleted:
		log.Warn().Str("handle", handle).Str("state", string(desc.State)).Msg("Background job dead, recovering")
		m.recover(ctx, job, "background job in state "+string(desc.State))
	}
}

// phaseHandle returns the background handle matching the job's current phase.
func (m *Monitor) phaseHandle(job *models.UserJob) string {
	if job.Status == models.StatusUploading {
		return job.HangfireUploadJobID
	}
	return job.HangfireJobID
}

// recover re-enqueues the phase executor, stores the new handle, clears the
// error, bumps the heartbeat so the next sweep does not double-recover, and
// records an audit row. The phase executors are idempotent (fast-resume,
// resumable sessions, multipart checkpoints), so re-running them is safe.
func (m *Monitor) recover(ctx context.Context, job *models.UserJob, reason string) {
	target := download.TargetExecuteDownload
	handleField := "hangfire_job_id"
	if job.Status == models.StatusUploading {
		handleField = "hangfire_upload_job_id"
		target = upload.TargetExecuteGDriveUpload
		if job.StorageProfile != nil && job.StorageProfile.ProviderType == models.ProviderS3 {
			target = upload.TargetExecuteS3Upload
		}
	}

	handle, err := m.engine.Enqueue(target, map[string]string{
		"jobId": strconv.FormatUint(uint64(job.ID), 10),
	})
	if err != nil {
		m.logger.Error().Uint("job_id", job.ID).Str("target", target).Err(err).Msg("Failed to re-enqueue executor")
		return
	}

	now := m.now()
	err = m.store.Transaction(ctx, func(tx *store.Store) error {
		if err := tx.UpdateJobFields(ctx, job.ID, map[string]any{
			handleField:      handle,
			"error_message":  "",
			"last_heartbeat": now,
		}); err != nil {
			return err
		}
		return tx.AppendHistory(ctx, &models.JobStatusHistory{
			JobID:        job.ID,
			FromStatus:   job.Status,
			ToStatus:     job.Status,
			Source:       models.SourceHealthMonitor,
			ErrorMessage: reason,
		})
	})
	if err != nil {
		m.logger.Error().Uint("job_id", job.ID).Err(err).Msg("Failed to record recovery")
		return
	}

	m.logger.Info().
		Uint("job_id", job.ID).
		Str("status", string(job.Status)).
		Str("target", target).
		Str("handle", handle).
		Str("reason", reason).
		Msg("Recovered orphaned job")
}
