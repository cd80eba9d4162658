package upload

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/seedrelay/seedrelay/internal/constants"
	"github.com/seedrelay/seedrelay/internal/logging"
	"github.com/seedrelay/seedrelay/internal/store"
)

// ProgressSink receives transfer progress from the provider executors.
type ProgressSink interface {
	// FileProgress reports bytes uploaded so far for the file currently in
	// flight, on top of all previously completed files.
	FileProgress(ctx context.Context, inFlightBytes int64)
	// FileCompleted folds a finished file into the completed total.
	FileCompleted(ctx context.Context, fileBytes int64)
}

// Reporter is a throttled ProgressSink persisting into the job row: the DB is
// written only when percent moves by at least 5 points or a file completes
// with a percent increase; log lines are rate limited separately.
type Reporter struct {
	store  *store.Store
	jobID  uint
	total  int64
	logger *logging.Logger

	mu             sync.Mutex
	completedBytes int64
	lastDBPercent  float64
	lastLog        time.Time
}

// NewReporter creates a reporter for one job run. total is the byte size of
// the eligible file set.
func NewReporter(st *store.Store, jobID uint, total int64, logger *logging.Logger) *Reporter {
	return &Reporter{
		store:  st,
		jobID:  jobID,
		total:  total,
		logger: logger.Sub("progress"),
		lastDBPercent: -constants.ProgressDBPercentStep,
	}
}

func (r *Reporter) FileProgress(ctx context.Context, inFlightBytes int64) {
	r.mu.Lock()
	current := r.completedBytes + inFlightBytes
	r.report(ctx, current, false)
	r.mu.Unlock()
}

func (r *Reporter) FileCompleted(ctx context.Context, fileBytes int64) {
	r.mu.Lock()
	r.completedBytes += fileBytes
	r.report(ctx, r.completedBytes, true)
	r.mu.Unlock()
}

// CompletedBytes returns the total across finished files.
func (r *Reporter) CompletedBytes() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.completedBytes
}

// report must be called with r.mu held.
func (r *Reporter) report(ctx context.Context, currentBytes int64, fileDone bool) {
	if r.total <= 0 {
		return
	}
	percent := float64(currentBytes) / float64(r.total) * 100

	shouldWrite := percent-r.lastDBPercent >= constants.ProgressDBPercentStep ||
		(fileDone && percent > r.lastDBPercent)
	if shouldWrite {
		if err := r.store.UpdateJobFields(ctx, r.jobID, map[string]any{
			"bytes_uploaded": currentBytes,
			"current_state":  uploadStateText(percent),
		}); err != nil {
			r.logger.Warn().Uint("job_id", r.jobID).Err(err).Msg("Failed to persist upload progress")
		} else {
			r.lastDBPercent = percent
		}
	}

	if time.Since(r.lastLog) >= constants.ProgressLogInterval {
		r.logger.Info().
			Uint("job_id", r.jobID).
			Int64("bytes", currentBytes).
			Int64("total", r.total).
			Float64("percent", percent).
			Msg("Upload progress")
		r.lastLog = time.Now()
	}
}

func uploadStateText(percent float64) string {
	if percent >= 100 {
		return "Upload complete"
	}
	return fmt.Sprintf("Uploading: %.1f%%", percent)
}
