package syncstage

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gitnasr/torreclou/pkg/config"
	"github.com/gitnasr/torreclou/pkg/eventlog"
	"github.com/gitnasr/torreclou/pkg/profile"
	"github.com/gitnasr/torreclou/pkg/statusengine"
	"github.com/gitnasr/torreclou/pkg/store"
	"github.com/gitnasr/torreclou/pkg/torreerr"
	"github.com/gitnasr/torreclou/pkg/types"
	"github.com/gitnasr/torreclou/pkg/upload"
)

func newTestStage(t *testing.T) (*Stage, store.Store, *statusengine.Engine) {
	t.Helper()

	s, err := store.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	engine := statusengine.New(s)
	events := eventlog.New(rdb)
	profiles := profile.NewInMemoryReader()
	s3 := upload.NewS3Provider(s, engine, events)

	return NewStage(s, engine, profiles, s3, config.Default()), s, engine
}

func TestRun_SkipsWhenPreconditionNotMet(t *testing.T) {
	ctx := context.Background()
	st, s, _ := newTestStage(t)

	sync := &types.Sync{JobID: 1, Status: types.SyncCompleted}
	require.NoError(t, s.CreateSync(ctx, sync))

	require.NoError(t, st.Run(ctx, sync.ID))

	got, err := s.GetSync(ctx, sync.ID)
	require.NoError(t, err)
	assert.Equal(t, types.SyncCompleted, got.Status)
	assert.Zero(t, got.RetryCount)
}

func TestRetry_SchedulesBackoffAndTransitionsToRetry(t *testing.T) {
	ctx := context.Background()
	st, s, engine := newTestStage(t)

	job := &types.Job{UserID: 1, Status: types.JobUploading}
	require.NoError(t, s.CreateJob(ctx, job))
	sync := &types.Sync{JobID: job.ID, Status: types.SyncPending}
	require.NoError(t, s.CreateSync(ctx, sync))
	require.NoError(t, engine.ApplySync(ctx, sync.ID, types.SyncSyncing, types.SourceWorker, "", nil))
	sync.Status = types.SyncSyncing

	before := time.Now()
	require.NoError(t, st.retry(ctx, sync, torreerr.New(torreerr.ReadError, "transfer failed")))

	got, err := s.GetSync(ctx, sync.ID)
	require.NoError(t, err)
	assert.Equal(t, types.SyncRetry, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	require.NotNil(t, got.NextRetryAt)
	assert.True(t, got.NextRetryAt.After(before.Add(4*time.Minute)))
}
