package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/seedrelay/seedrelay/internal/logging"
	"github.com/seedrelay/seedrelay/internal/models"
	"github.com/seedrelay/seedrelay/internal/store"
)

func newTestService(t *testing.T) (*Service, *store.Store) {
	t.Helper()
	st, err := store.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return NewService(st, logging.Nop()), st
}

func seedJob(t *testing.T, st *store.Store, status models.JobStatus) *models.UserJob {
	t.Helper()
	job := &models.UserJob{
		UserID: 1,
		Status: status,
		Type:   models.JobTypeTorrent,
	}
	require.NoError(t, st.CreateJob(context.Background(), job))
	return job
}

func TestTransitionLegalEdge(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()
	job := seedJob(t, st, models.StatusQueued)

	start := time.Now().UTC()
	err := svc.Transition(ctx, job.ID, models.StatusDownloading, models.SourceWorker,
		WithStartedAt(start),
		WithTotalBytes(1000),
		WithDownloadPath("/data/1"),
		WithCurrentState("Starting download"),
	)
	require.NoError(t, err)

	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusDownloading, got.Status)
	require.NotNil(t, got.StartedAt)
	require.Equal(t, int64(1000), got.TotalBytes)
	require.Equal(t, "/data/1", got.DownloadPath)
	require.Equal(t, "Starting download", got.CurrentState)

	history, err := st.HistoryForJob(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.Equal(t, models.StatusQueued, history[0].FromStatus)
	require.Equal(t, models.StatusDownloading, history[0].ToStatus)
	require.Equal(t, models.SourceWorker, history[0].Source)
}

func TestTransitionIllegalEdge(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()
	job := seedJob(t, st, models.StatusQueued)

	err := svc.Transition(ctx, job.ID, models.StatusUploading, models.SourceWorker)
	require.ErrorIs(t, err, ErrInvalidTransition)

	// Failed transitions leave no trace.
	history, err := st.HistoryForJob(ctx, job.ID)
	require.NoError(t, err)
	require.Empty(t, history)

	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusQueued, got.Status)
}

func TestTerminalStatesAreMonotone(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	for _, terminal := range []models.JobStatus{
		models.StatusCompleted,
		models.StatusCancelled,
		models.StatusTorrentFailed,
		models.StatusUploadFailed,
		models.StatusFailed,
	} {
		job := seedJob(t, st, terminal)
		err := svc.Transition(ctx, job.ID, models.StatusDownloading, models.SourceWorker)
		require.ErrorIs(t, err, ErrTerminalState, "from %s", terminal)

		err = svc.Cancel(ctx, job.ID, models.SourceUser)
		require.ErrorIs(t, err, ErrTerminalState, "cancel from %s", terminal)
	}
}

func TestCancelFromAnyActiveState(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	for _, status := range []models.JobStatus{
		models.StatusQueued,
		models.StatusDownloading,
		models.StatusTorrentDownloadRetry,
		models.StatusPendingUpload,
		models.StatusUploading,
		models.StatusUploadRetry,
	} {
		job := seedJob(t, st, status)
		require.NoError(t, svc.Cancel(ctx, job.ID, models.SourceUser), "from %s", status)

		got, err := st.GetJob(ctx, job.ID)
		require.NoError(t, err)
		require.Equal(t, models.StatusCancelled, got.Status)
		require.NotNil(t, got.CompletedAt)
	}
}

func TestMarkFailedDownloadPhase(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	job := seedJob(t, st, models.StatusDownloading)
	require.NoError(t, svc.MarkFailed(ctx, job.ID, true, models.SourceWorker, "tracker unreachable"))

	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusTorrentDownloadRetry, got.Status)
	require.Equal(t, "tracker unreachable", got.ErrorMessage)
	require.NotNil(t, got.NextRetryAt)
	require.Nil(t, got.CompletedAt)

	// Exhausted retries end in the terminal failure for the phase.
	require.NoError(t, svc.MarkFailed(ctx, job.ID, false, models.SourceWorker, "gave up"))
	got, err = st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusTorrentFailed, got.Status)
	require.NotNil(t, got.CompletedAt)
	require.Nil(t, got.NextRetryAt)
}

func TestMarkFailedUploadPhase(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	job := seedJob(t, st, models.StatusUploading)
	require.NoError(t, svc.MarkFailed(ctx, job.ID, true, models.SourceWorker, "session expired"))

	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusUploadRetry, got.Status)

	require.NoError(t, svc.MarkFailed(ctx, job.ID, false, models.SourceWorker, "credentials rejected"))
	got, err = st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusUploadFailed, got.Status)
}

func TestMarkFailedTerminalJob(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	job := seedJob(t, st, models.StatusCompleted)
	err := svc.MarkFailed(ctx, job.ID, true, models.SourceWorker, "late failure")
	require.True(t, errors.Is(err, ErrTerminalState))
}

func TestCanTransitionTable(t *testing.T) {
	tests := []struct {
		from, to models.JobStatus
		expected bool
	}{
		{models.StatusQueued, models.StatusDownloading, true},
		{models.StatusDownloading, models.StatusPendingUpload, true},
		{models.StatusTorrentDownloadRetry, models.StatusDownloading, true},
		{models.StatusPendingUpload, models.StatusUploading, true},
		{models.StatusUploading, models.StatusCompleted, true},
		{models.StatusUploadRetry, models.StatusUploading, true},
		{models.StatusQueued, models.StatusCompleted, false},
		{models.StatusDownloading, models.StatusUploading, false},
		{models.StatusPendingUpload, models.StatusDownloading, false},
		{models.StatusCompleted, models.StatusUploading, false},
		{models.StatusQueued, models.StatusCancelled, true},
		{models.StatusUploading, models.StatusCancelled, true},
		{models.StatusCancelled, models.StatusCancelled, false},
	}

	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.expected {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.expected)
		}
	}
}
