package dispatcher

import (
	"context"
	"fmt"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gitnasr/torreclou/pkg/config"
	"github.com/gitnasr/torreclou/pkg/eventlog"
	"github.com/gitnasr/torreclou/pkg/statusengine"
	"github.com/gitnasr/torreclou/pkg/store"
	"github.com/gitnasr/torreclou/pkg/taskqueue"
	"github.com/gitnasr/torreclou/pkg/types"
)

func newTestDispatcher(t *testing.T, opts Options) (*Dispatcher, store.Store) {
	t.Helper()

	s, err := store.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	events := eventlog.New(rdb)
	engine := statusengine.New(s)
	tasksClient := taskqueue.NewClient(mr.Addr(), 0)
	t.Cleanup(func() { _ = tasksClient.Close() })

	d, err := New(context.Background(), opts, events, s, engine, tasksClient, config.Default())
	require.NoError(t, err)
	return d, s
}

// These cases exercise only the idempotency-gate skip paths: the
// dispatcher must never reach tasks.Enqueue (and thus never touch the
// live asynq client) once a row already carries a backgroundTaskId or
// has gone terminal.

func TestHandle_SkipsJobAlreadyDispatched(t *testing.T) {
	ctx := context.Background()
	d, s := newTestDispatcher(t, Options{Stream: eventlog.JobsStream, Group: "g", TaskType: taskqueue.TypeDownload, Queue: "torrents"})

	job := &types.Job{UserID: 1, Status: types.JobQueued, BackgroundTaskID: "download:1"}
	require.NoError(t, s.CreateJob(ctx, job))

	err := d.handle(ctx, eventlog.Message{ID: "1-1", Fields: map[string]interface{}{"jobId": fmt.Sprintf("%d", job.ID)}})
	require.NoError(t, err)

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "download:1", got.BackgroundTaskID)
}

func TestHandle_SkipsTerminalJob(t *testing.T) {
	ctx := context.Background()
	d, s := newTestDispatcher(t, Options{Stream: eventlog.JobsStream, Group: "g", TaskType: taskqueue.TypeDownload, Queue: "torrents"})

	job := &types.Job{UserID: 1, Status: types.JobCancelled}
	require.NoError(t, s.CreateJob(ctx, job))

	err := d.handle(ctx, eventlog.Message{ID: "1-1", Fields: map[string]interface{}{"jobId": fmt.Sprintf("%d", job.ID)}})
	require.NoError(t, err)

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Empty(t, got.BackgroundTaskID)
}

// TestHandleSync_GatesOnSyncNotJob is the regression test for this
// session's dispatcher fix: a sync:stream message must gate on the
// Sync row's own backgroundTaskId, not the Job's, even though the Job
// already carries an upload task's backgroundTaskId and may be
// non-terminal UPLOADING at this point.
func TestHandleSync_GatesOnSyncNotJob(t *testing.T) {
	ctx := context.Background()
	d, s := newTestDispatcher(t, Options{Stream: eventlog.SyncStream, Group: "g", TaskType: taskqueue.TypeSync, Queue: "sync"})

	job := &types.Job{UserID: 1, Status: types.JobUploading, BackgroundTaskID: "upload:s3:1"}
	require.NoError(t, s.CreateJob(ctx, job))

	sync := &types.Sync{JobID: job.ID, Status: types.SyncPending, BackgroundTaskID: "sync:run:1"}
	require.NoError(t, s.CreateSync(ctx, sync))

	err := d.handle(ctx, eventlog.Message{ID: "1-1", Fields: map[string]interface{}{
		"jobId":  fmt.Sprintf("%d", job.ID),
		"syncId": fmt.Sprintf("%d", sync.ID),
	}})
	require.NoError(t, err)

	gotSync, err := s.GetSync(ctx, sync.ID)
	require.NoError(t, err)
	assert.Equal(t, "sync:run:1", gotSync.BackgroundTaskID)

	gotJob, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "upload:s3:1", gotJob.BackgroundTaskID)
}

func TestHandleSync_SkipsTerminalSync(t *testing.T) {
	ctx := context.Background()
	d, s := newTestDispatcher(t, Options{Stream: eventlog.SyncStream, Group: "g", TaskType: taskqueue.TypeSync, Queue: "sync"})

	job := &types.Job{UserID: 1, Status: types.JobUploading}
	require.NoError(t, s.CreateJob(ctx, job))

	sync := &types.Sync{JobID: job.ID, Status: types.SyncCompleted}
	require.NoError(t, s.CreateSync(ctx, sync))

	err := d.handle(ctx, eventlog.Message{ID: "1-1", Fields: map[string]interface{}{
		"jobId":  fmt.Sprintf("%d", job.ID),
		"syncId": fmt.Sprintf("%d", sync.ID),
	}})
	require.NoError(t, err)

	got, err := s.GetSync(ctx, sync.ID)
	require.NoError(t, err)
	assert.Empty(t, got.BackgroundTaskID)
}
