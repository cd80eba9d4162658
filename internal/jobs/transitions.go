// Package jobs implements the pipeline state machine. All status writes go
// through Service so every transition is validated against the legal edges
// and recorded in the audit trail within the same transaction.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/seedrelay/seedrelay/internal/logging"
	"github.com/seedrelay/seedrelay/internal/models"
	"github.com/seedrelay/seedrelay/internal/store"
)

var (
	// ErrTerminalState is returned when a transition is attempted out of a
	// terminal status. Terminal statuses are monotone.
	ErrTerminalState = errors.New("job is in a terminal state")

	// ErrInvalidTransition is returned when the current status is not in the
	// allowed source set for the requested transition.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// RetryDelayHint is the conservative nextRetryAt estimate written on retry
// transitions; the background engine's actual schedule governs.
const RetryDelayHint = time.Minute

// legal maps each status to the set of statuses it may move to. CANCELLED is
// reachable from any non-terminal status and is handled separately.
var legal = map[models.JobStatus][]models.JobStatus{
	models.StatusQueued:               {models.StatusDownloading, models.StatusTorrentDownloadRetry, models.StatusTorrentFailed},
	models.StatusDownloading:          {models.StatusPendingUpload, models.StatusTorrentDownloadRetry, models.StatusTorrentFailed},
	models.StatusTorrentDownloadRetry: {models.StatusDownloading, models.StatusTorrentFailed},
	models.StatusPendingUpload:        {models.StatusUploading, models.StatusUploadRetry, models.StatusUploadFailed},
	models.StatusUploading:            {models.StatusCompleted, models.StatusUploadRetry, models.StatusUploadFailed},
	models.StatusUploadRetry:          {models.StatusUploading, models.StatusUploadFailed},
}

// CanTransition reports whether from → to is a legal edge.
func CanTransition(from, to models.JobStatus) bool {
	if from.IsTerminal() {
		return false
	}
	if to == models.StatusCancelled {
		return true
	}
	for _, allowed := range legal[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Service performs validated, audited status transitions.
type Service struct {
	store  *store.Store
	logger *logging.Logger
}

// NewService creates a transition service.
func NewService(st *store.Store, logger *logging.Logger) *Service {
	return &Service{store: st, logger: logger.Sub("jobs")}
}

// Option mutates the job row inside the transition transaction, after the
// status has been applied.
type Option func(job *models.UserJob)

// WithStartedAt sets startedAt if it is not already set.
func WithStartedAt(t time.Time) Option {
	return func(job *models.UserJob) {
		if job.StartedAt == nil {
			job.StartedAt = &t
		}
	}
}

// WithCurrentState sets the human-readable state line.
func WithCurrentState(state string) Option {
	return func(job *models.UserJob) { job.CurrentState = state }
}

// WithTotalBytes sets the computed downloadable size.
func WithTotalBytes(n int64) Option {
	return func(job *models.UserJob) { job.TotalBytes = n }
}

// WithDownloadPath sets the job's download sink directory.
func WithDownloadPath(path string) Option {
	return func(job *models.UserJob) { job.DownloadPath = path }
}

// WithCompletedAt sets the completion timestamp and clears the retry hint.
func WithCompletedAt(t time.Time) Option {
	return func(job *models.UserJob) {
		job.CompletedAt = &t
		job.NextRetryAt = nil
	}
}

// WithClearedError clears the error message.
func WithClearedError() Option {
	return func(job *models.UserJob) { job.ErrorMessage = "" }
}

// Transition moves a job to the given status if the edge is legal, applying
// opts and appending the audit row in the same transaction.
func (s *Service) Transition(ctx context.Context, jobID uint, to models.JobStatus, source models.TransitionSource, opts ...Option) error {
	return s.store.Transaction(ctx, func(tx *store.Store) error {
		job, err := tx.GetJob(ctx, jobID)
		if err != nil {
			return err
		}

		from := job.Status
		if from.IsTerminal() {
			return fmt.Errorf("%w: %s", ErrTerminalState, from)
		}
		if !CanTransition(from, to) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
		}

		job.Status = to
		for _, opt := range opts {
			opt(job)
		}
		if err := tx.SaveJob(ctx, job); err != nil {
			return err
		}

		if err := tx.AppendHistory(ctx, &models.JobStatusHistory{
			JobID:        jobID,
			FromStatus:   from,
			ToStatus:     to,
			Source:       source,
			ErrorMessage: job.ErrorMessage,
		}); err != nil {
			return err
		}

		s.logger.Info().
			Uint("job_id", jobID).
			Str("from", string(from)).
			Str("to", string(to)).
			Str("source", string(source)).
			Msg("Job status transition")
		return nil
	})
}

// MarkFailed records a failure. With retries remaining the job moves to the
// retry status matching its current phase; otherwise to the matching terminal
// failure. The selection rule:
//
//	DOWNLOADING|QUEUED → TORRENT_DOWNLOAD_RETRY / TORRENT_FAILED
//	UPLOADING|PENDING_UPLOAD → UPLOAD_RETRY / UPLOAD_FAILED
//	anything else → FAILED
func (s *Service) MarkFailed(ctx context.Context, jobID uint, hasRetries bool, source models.TransitionSource, errMsg string) error {
	return s.store.Transaction(ctx, func(tx *store.Store) error {
		job, err := tx.GetJob(ctx, jobID)
		if err != nil {
			return err
		}

		from := job.Status
		if from.IsTerminal() {
			return fmt.Errorf("%w: %s", ErrTerminalState, from)
		}

		to := failureStatus(from, hasRetries)
		now := time.Now().UTC()

		job.Status = to
		job.ErrorMessage = errMsg
		if to.IsTerminal() {
			job.CompletedAt = &now
			job.NextRetryAt = nil
		} else {
			retryAt := now.Add(RetryDelayHint)
			job.NextRetryAt = &retryAt
		}
		if err := tx.SaveJob(ctx, job); err != nil {
			return err
		}

		if err := tx.AppendHistory(ctx, &models.JobStatusHistory{
			JobID:        jobID,
			FromStatus:   from,
			ToStatus:     to,
			Source:       source,
			ErrorMessage: errMsg,
		}); err != nil {
			return err
		}

		s.logger.Warn().
			Uint("job_id", jobID).
			Str("from", string(from)).
			Str("to", string(to)).
			Bool("has_retries", hasRetries).
			Str("error", errMsg).
			Msg("Job marked failed")
		return nil
	})
}

func failureStatus(from models.JobStatus, hasRetries bool) models.JobStatus {
	switch from {
	case models.StatusDownloading, models.StatusQueued, models.StatusTorrentDownloadRetry:
		if hasRetries {
			return models.StatusTorrentDownloadRetry
		}
		return models.StatusTorrentFailed
	case models.StatusUploading, models.StatusPendingUpload, models.StatusUploadRetry:
		if hasRetries {
			return models.StatusUploadRetry
		}
		return models.StatusUploadFailed
	default:
		return models.StatusFailed
	}
}

// Cancel moves a job to CANCELLED from any non-terminal status. Active
// workers observe the new status on their next persisted read.
func (s *Service) Cancel(ctx context.Context, jobID uint, source models.TransitionSource) error {
	now := time.Now().UTC()
	return s.Transition(ctx, jobID, models.StatusCancelled, source, WithCompletedAt(now))
}
