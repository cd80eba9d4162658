package upload

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/seedrelay/seedrelay/internal/logging"
	"github.com/seedrelay/seedrelay/internal/models"
	"github.com/seedrelay/seedrelay/internal/store"
)

func newProgressFixture(t *testing.T, total int64) (*Reporter, *store.Store, uint) {
	t.Helper()
	st, err := store.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	job := &models.UserJob{UserID: 1, Status: models.StatusUploading}
	require.NoError(t, st.CreateJob(context.Background(), job))

	return NewReporter(st, job.ID, total, logging.Nop()), st, job.ID
}

func bytesUploaded(t *testing.T, st *store.Store, jobID uint) int64 {
	t.Helper()
	job, err := st.GetJob(context.Background(), jobID)
	require.NoError(t, err)
	return job.BytesUploaded
}

func TestReporterThrottlesSmallDeltas(t *testing.T) {
	r, st, jobID := newProgressFixture(t, 1000)
	ctx := context.Background()

	// First report always lands (crosses the initial step).
	r.FileProgress(ctx, 0)
	require.Equal(t, int64(0), bytesUploaded(t, st, jobID))

	// 4% moved: below the 5-point step, not persisted.
	r.FileProgress(ctx, 40)
	require.Equal(t, int64(0), bytesUploaded(t, st, jobID))

	// 6% moved: persisted.
	r.FileProgress(ctx, 60)
	require.Equal(t, int64(60), bytesUploaded(t, st, jobID))

	// Small follow-up suppressed again.
	r.FileProgress(ctx, 70)
	require.Equal(t, int64(60), bytesUploaded(t, st, jobID))
}

func TestReporterFileCompletionForcesWrite(t *testing.T) {
	r, st, jobID := newProgressFixture(t, 1000)
	ctx := context.Background()

	r.FileProgress(ctx, 0)

	// 1% is under the step, but a finished file with any increase persists.
	r.FileCompleted(ctx, 10)
	require.Equal(t, int64(10), bytesUploaded(t, st, jobID))
	require.Equal(t, int64(10), r.CompletedBytes())

	// Completion totals accumulate across files.
	r.FileCompleted(ctx, 990)
	require.Equal(t, int64(1000), bytesUploaded(t, st, jobID))
	require.Equal(t, int64(1000), r.CompletedBytes())

	job, err := st.GetJob(ctx, jobID)
	require.NoError(t, err)
	require.Equal(t, "Upload complete", job.CurrentState)
}

func TestReporterInFlightOnTopOfCompleted(t *testing.T) {
	r, st, jobID := newProgressFixture(t, 1000)
	ctx := context.Background()

	r.FileCompleted(ctx, 500)
	require.Equal(t, int64(500), bytesUploaded(t, st, jobID))

	// In-flight bytes stack on the completed total.
	r.FileProgress(ctx, 200)
	require.Equal(t, int64(700), bytesUploaded(t, st, jobID))
}

func TestReporterZeroTotalIsSilent(t *testing.T) {
	r, st, jobID := newProgressFixture(t, 0)
	ctx := context.Background()

	r.FileProgress(ctx, 100)
	r.FileCompleted(ctx, 100)
	require.Equal(t, int64(0), bytesUploaded(t, st, jobID))
}

func TestUploadStateText(t *testing.T) {
	if got := uploadStateText(42.3); got != "Uploading: 42.3%" {
		t.Errorf("uploadStateText(42.3) = %q", got)
	}
	if got := uploadStateText(100); got != "Upload complete" {
		t.Errorf("uploadStateText(100) = %q", got)
	}
}
