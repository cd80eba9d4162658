package upload

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/seedrelay/seedrelay/internal/background"
	"github.com/seedrelay/seedrelay/internal/logging"
	"github.com/seedrelay/seedrelay/internal/models"
	"github.com/seedrelay/seedrelay/internal/store"
)

// fakeEngine records Enqueue/Delete calls without running anything.
type fakeEngine struct {
	enqueued   []string // targets, in order
	deleted    []string
	nextHandle int
	enqueueErr error
}

func (f *fakeEngine) Enqueue(target string, args map[string]string) (string, error) {
	if f.enqueueErr != nil {
		return "", f.enqueueErr
	}
	f.nextHandle++
	f.enqueued = append(f.enqueued, target)
	return fmt.Sprintf("handle-%d", f.nextHandle), nil
}

func (f *fakeEngine) Delete(handle string) error {
	f.deleted = append(f.deleted, handle)
	return nil
}

func (f *fakeEngine) Describe(handle string) (*background.Description, error) {
	return nil, background.ErrUnknownHandle
}

func newDispatcherFixture(t *testing.T, provider models.ProviderType) (*Dispatcher, *fakeEngine, *store.Store) {
	t.Helper()
	st, err := store.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	engine := &fakeEngine{}
	return NewDispatcher(st, engine, provider, logging.Nop()), engine, st
}

func TestProcessEntryEnqueuesExecutor(t *testing.T) {
	d, engine, st := newDispatcherFixture(t, models.ProviderGoogleDrive)
	ctx := context.Background()

	job := &models.UserJob{UserID: 1, Status: models.StatusPendingUpload}
	require.NoError(t, st.CreateJob(ctx, job))

	ack, err := d.ProcessEntry(ctx, "1-1", map[string]any{"jobId": fmt.Sprint(job.ID)})
	require.NoError(t, err)
	require.True(t, ack)
	require.Equal(t, []string{TargetExecuteGDriveUpload}, engine.enqueued)

	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, "handle-1", got.HangfireUploadJobID)
}

func TestProcessEntryS3Target(t *testing.T) {
	d, engine, st := newDispatcherFixture(t, models.ProviderS3)
	ctx := context.Background()

	job := &models.UserJob{UserID: 1, Status: models.StatusPendingUpload}
	require.NoError(t, st.CreateJob(ctx, job))

	ack, err := d.ProcessEntry(ctx, "1-1", map[string]any{"jobId": fmt.Sprint(job.ID)})
	require.NoError(t, err)
	require.True(t, ack)
	require.Equal(t, []string{TargetExecuteS3Upload}, engine.enqueued)
}

func TestProcessEntryIdempotent(t *testing.T) {
	d, engine, st := newDispatcherFixture(t, models.ProviderGoogleDrive)
	ctx := context.Background()

	job := &models.UserJob{UserID: 1, Status: models.StatusPendingUpload}
	require.NoError(t, st.CreateJob(ctx, job))

	entry := map[string]any{"jobId": fmt.Sprint(job.ID)}
	ack, err := d.ProcessEntry(ctx, "1-1", entry)
	require.NoError(t, err)
	require.True(t, ack)

	// Duplicate delivery: acknowledged without a second enqueue.
	ack, err = d.ProcessEntry(ctx, "1-2", entry)
	require.NoError(t, err)
	require.True(t, ack)
	require.Len(t, engine.enqueued, 1)
}

func TestProcessEntryDrainsPoison(t *testing.T) {
	d, engine, _ := newDispatcherFixture(t, models.ProviderGoogleDrive)
	ctx := context.Background()

	tests := []struct {
		name   string
		values map[string]any
	}{
		{name: "missing jobId", values: map[string]any{"downloadPath": "/x"}},
		{name: "garbled jobId", values: map[string]any{"jobId": "banana"}},
		{name: "unknown job", values: map[string]any{"jobId": "424242"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ack, err := d.ProcessEntry(ctx, "1-1", tt.values)
			require.NoError(t, err)
			require.True(t, ack, "poison entries must be drained, not retried")
		})
	}
	require.Empty(t, engine.enqueued)
}

func TestProcessEntryDrainsTerminalJob(t *testing.T) {
	d, engine, st := newDispatcherFixture(t, models.ProviderGoogleDrive)
	ctx := context.Background()

	job := &models.UserJob{UserID: 1, Status: models.StatusCancelled}
	require.NoError(t, st.CreateJob(ctx, job))

	ack, err := d.ProcessEntry(ctx, "1-1", map[string]any{"jobId": fmt.Sprint(job.ID)})
	require.NoError(t, err)
	require.True(t, ack)
	require.Empty(t, engine.enqueued)
}

func TestProcessEntryEnqueueFailureLeavesPending(t *testing.T) {
	d, engine, st := newDispatcherFixture(t, models.ProviderGoogleDrive)
	ctx := context.Background()
	engine.enqueueErr = errors.New("queue full")

	job := &models.UserJob{UserID: 1, Status: models.StatusPendingUpload}
	require.NoError(t, st.CreateJob(ctx, job))

	ack, err := d.ProcessEntry(ctx, "1-1", map[string]any{"jobId": fmt.Sprint(job.ID)})
	require.Error(t, err)
	require.False(t, ack)

	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Empty(t, got.HangfireUploadJobID)
}
