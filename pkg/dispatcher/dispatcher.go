// Package dispatcher implements spec.md §4.5: one long-running
// consumer per stream that loads the referenced Job, applies the
// idempotency gate, enqueues the corresponding background task, and
// acknowledges only after the new backgroundTaskId has been
// persisted. Shaped like the teacher's scheduler/reconciler run loop
// (a goroutine with a stop channel) but driven by blocking stream
// reads instead of a ticker.
package dispatcher

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gitnasr/torreclou/pkg/config"
	"github.com/gitnasr/torreclou/pkg/eventlog"
	"github.com/gitnasr/torreclou/pkg/log"
	"github.com/gitnasr/torreclou/pkg/statusengine"
	"github.com/gitnasr/torreclou/pkg/store"
	"github.com/gitnasr/torreclou/pkg/taskqueue"
)

// Dispatcher consumes one stream and turns its messages into enqueued
// background tasks.
type Dispatcher struct {
	stream      string
	group       string
	taskType    string
	queue       string
	consumerID  string
	batchSize   int64
	blockPeriod time.Duration

	consumer *eventlog.Consumer
	store    store.Store
	engine   *statusengine.Engine
	tasks    *taskqueue.Client
	cfg      config.Config

	logger zerolog.Logger
	stopCh chan struct{}
}

// Options configures one Dispatcher instance.
type Options struct {
	Stream    string
	Group     string
	TaskType  string
	Queue     string
	BatchSize int64
}

// New builds a Dispatcher bound to one Redis Streams consumer group.
func New(ctx context.Context, opts Options, l *eventlog.Log, s store.Store, engine *statusengine.Engine, tasks *taskqueue.Client, cfg config.Config) (*Dispatcher, error) {
	consumerID := uuid.New().String()
	consumer, err := l.NewConsumer(ctx, opts.Stream, opts.Group, consumerID)
	if err != nil {
		return nil, fmt.Errorf("new consumer for %s: %w", opts.Stream, err)
	}
	batch := opts.BatchSize
	if batch == 0 {
		batch = 10
	}
	return &Dispatcher{
		stream:      opts.Stream,
		group:       opts.Group,
		taskType:    opts.TaskType,
		queue:       opts.Queue,
		consumerID:  consumerID,
		batchSize:   batch,
		blockPeriod: 5 * time.Second,
		consumer:    consumer,
		store:       s,
		engine:      engine,
		tasks:       tasks,
		cfg:         cfg,
		logger:      log.WithComponent("dispatcher").With().Str("stream", opts.Stream).Logger(),
		stopCh:      make(chan struct{}),
	}, nil
}

// Start begins the dispatch loop.
func (d *Dispatcher) Start() {
	go d.run()
}

// Stop stops the dispatch loop.
func (d *Dispatcher) Stop() {
	close(d.stopCh)
}

func (d *Dispatcher) run() {
	d.logger.Info().Msg("dispatcher started")
	for {
		select {
		case <-d.stopCh:
			d.logger.Info().Msg("dispatcher stopped")
			return
		default:
		}

		ctx := context.Background()
		msgs, err := d.consumer.Read(ctx, d.batchSize, d.blockPeriod)
		if err != nil {
			d.logger.Error().Err(err).Msg("stream read failed")
			continue
		}
		for _, m := range msgs {
			if err := d.handle(ctx, m); err != nil {
				// Do not ack; the stream redelivers (spec.md §4.5).
				d.logger.Error().Err(err).Str("message_id", m.ID).Msg("dispatch failed, leaving unacknowledged")
				continue
			}
			if err := d.consumer.Ack(ctx, m.ID); err != nil {
				d.logger.Error().Err(err).Str("message_id", m.ID).Msg("ack failed")
			}
		}
	}
}

func (d *Dispatcher) handle(ctx context.Context, m eventlog.Message) error {
	jobID, err := jobIDOf(m)
	if err != nil {
		return err
	}

	// sync:stream tracks dispatch on the Sync row, not the Job: by the
	// time an S3 upload hands off to sync, the Job already carries the
	// upload task's backgroundTaskId and may itself be non-terminal
	// (SPEC_FULL.md §11), so gating on the Job here would either skip
	// dispatch forever or never gate at all. The Sync entity has its
	// own backgroundTaskId for exactly this reason.
	if d.stream == eventlog.SyncStream {
		return d.handleSync(ctx, m, jobID)
	}

	job, err := d.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}

	// Idempotency gate (spec.md §4.5 step d): already dispatched or
	// terminal, ack and drop without doing anything further.
	if job.BackgroundTaskID != "" || job.Status.Terminal() {
		d.logger.Debug().Int64("job_id", jobID).Msg("idempotency gate: already dispatched or terminal")
		return nil
	}

	taskID := fmt.Sprintf("%s:%d", d.taskType, jobID)
	payload := taskqueue.Payload{JobID: jobID}
	backgroundTaskID, err := d.tasks.Enqueue(ctx, d.taskType, taskID, payload, d.queue, d.cfg)
	if err != nil {
		return err
	}

	job.BackgroundTaskID = backgroundTaskID
	if err := d.store.UpdateJob(ctx, job); err != nil {
		return err
	}

	// Only the jobs:stream dispatch carries an initial transition;
	// other streams leave the status alone, the worker transitions on
	// first execution (spec.md §4.5 step f).
	if d.stream == eventlog.JobsStream {
		history, err := d.store.ListJobHistory(ctx, jobID)
		if err != nil {
			return err
		}
		if len(history) == 0 {
			if err := d.engine.RecordInitialJob(ctx, jobID); err != nil {
				return err
			}
		}
	}

	return nil
}

// handleSync is the sync:stream variant of handle: it gates and
// records dispatch on the Sync row rather than the Job, since the Job
// may already be mid-upload (non-terminal, own backgroundTaskId) when
// a sync is spawned.
func (d *Dispatcher) handleSync(ctx context.Context, m eventlog.Message, jobID int64) error {
	syncID, err := int64Of(m, "syncId")
	if err != nil {
		return err
	}

	sync, err := d.store.GetSync(ctx, syncID)
	if err != nil {
		return err
	}

	if sync.BackgroundTaskID != "" || sync.Status.Terminal() {
		d.logger.Debug().Int64("sync_id", syncID).Msg("idempotency gate: already dispatched or terminal")
		return nil
	}

	taskID := fmt.Sprintf("%s:%d", d.taskType, syncID)
	payload := taskqueue.Payload{JobID: jobID, SyncID: syncID}
	backgroundTaskID, err := d.tasks.Enqueue(ctx, d.taskType, taskID, payload, d.queue, d.cfg)
	if err != nil {
		return err
	}

	sync.BackgroundTaskID = backgroundTaskID
	return d.store.UpdateSync(ctx, sync)
}

func jobIDOf(m eventlog.Message) (int64, error) {
	return int64Of(m, "jobId")
}

func int64Of(m eventlog.Message, field string) (int64, error) {
	v, ok := m.Fields[field]
	if !ok {
		return 0, fmt.Errorf("message %s missing field %s", m.ID, field)
	}
	switch t := v.(type) {
	case string:
		var n int64
		if _, err := fmt.Sscanf(t, "%d", &n); err != nil {
			return 0, fmt.Errorf("field %s not an integer: %q", field, t)
		}
		return n, nil
	case int64:
		return t, nil
	default:
		return 0, fmt.Errorf("field %s has unexpected type %T", field, v)
	}
}
