// Package taskqueue implements the Background Task Runtime of
// spec.md §4.6 over hibiken/asynq: named queues, configurable attempt
// counts and per-attempt delay schedules, per-task cancellation, and a
// state-election hook that fires when a task is terminally failed.
package taskqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/gitnasr/torreclou/pkg/config"
	"github.com/gitnasr/torreclou/pkg/log"
	"github.com/gitnasr/torreclou/pkg/statusengine"
	"github.com/gitnasr/torreclou/pkg/types"
)

// Task type names, matching the stages of spec.md §2.
const (
	TypeDownload      = "download:run"
	TypeUploadDrive    = "upload:googledrive"
	TypeUploadS3       = "upload:s3"
	TypeSync           = "sync:run"
)

// Payload is the task argument shape shared by every task type; a
// task only ever needs the job (and, for sync, the sync row) id.
type Payload struct {
	JobID  int64 `json:"jobId"`
	SyncID int64 `json:"syncId,omitempty"`
}

// Client enqueues tasks, using asynq.TaskID to make a duplicate
// enqueue of an already-queued job a no-op (spec.md §4.6 testable
// property 5, idempotent dispatch).
type Client struct {
	client *asynq.Client
}

func NewClient(redisAddr string, db int) *Client {
	return &Client{client: asynq.NewClient(asynq.RedisClientOpt{Addr: redisAddr, DB: db})}
}

func (c *Client) Close() error { return c.client.Close() }

// Enqueue submits a task. taskID must be stable per (jobId, stage)
// pair; when asynq returns ErrTaskIDConflict because the same id is
// already queued, Enqueue returns taskID with a nil error.
func (c *Client) Enqueue(ctx context.Context, taskType string, taskID string, payload Payload, queue string, cfg config.Config) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	t := asynq.NewTask(taskType, data)

	opts := []asynq.Option{
		asynq.TaskID(taskID),
		asynq.Queue(queue),
		asynq.MaxRetry(cfg.AttemptLimit),
	}
	info, err := c.client.EnqueueContext(ctx, t, opts...)
	if err != nil {
		if err == asynq.ErrTaskIDConflict {
			return taskID, nil
		}
		return "", fmt.Errorf("enqueue %s: %w", taskType, err)
	}
	return info.ID, nil
}

// RetryDelay implements the default per-attempt backoff schedule of
// spec.md §4.6: 60s, 300s, 900s, then the last delay again for any
// further retry. n is the number of retries already made, from 0.
func RetryDelay(delays []time.Duration) asynq.RetryDelayFunc {
	return func(n int, _ error, _ *asynq.Task) time.Duration {
		if n >= 0 && n < len(delays) {
			return delays[n]
		}
		return delays[len(delays)-1]
	}
}

// OnTaskFailed builds the state-election hook (spec.md §4.6): on
// terminal failure it marks the Job FAILED with the runtime's error
// message, unless the Job is already terminal.
func OnTaskFailed(engine *statusengine.Engine) asynq.ErrorHandlerFunc {
	return func(ctx context.Context, task *asynq.Task, err error) {
		var p Payload
		if uerr := json.Unmarshal(task.Payload(), &p); uerr != nil {
			log.Error("task failure hook: cannot parse payload")
			return
		}
		if p.JobID == 0 {
			return
		}
		retried, _ := asynq.GetRetryCount(ctx)
		maxRetry, _ := asynq.GetMaxRetry(ctx)
		if retried < maxRetry {
			return
		}
		applyErr := engine.ApplyJob(ctx, p.JobID, types.JobFailed, types.SourceRecovery, err.Error(), nil)
		if applyErr != nil {
			// Already terminal, or a legitimate races with a worker's own
			// transition; either way there is nothing further to do here.
			log.WithComponent("taskqueue").Debug().Int64("job_id", p.JobID).Err(applyErr).Msg("state-election hook: job not transitioned")
		}
	}
}

// Descriptor is the explicit task-registration record passed to
// Server.Register: task type, queue and handler. It carries no retry
// policy; the attempt limit is set per task by Enqueue and the delay
// schedule server-wide by NewServer.
type Descriptor struct {
	TypeName string
	Queue    string
	Handler  func(ctx context.Context, task *asynq.Task) error
}

// Server runs a pool of workers over a fixed set of named queues.
type Server struct {
	srv *asynq.Server
	mux *asynq.ServeMux
}

func NewServer(redisAddr string, db int, queues []string, concurrency int, delays []time.Duration, errHandler asynq.ErrorHandler) *Server {
	queueWeights := make(map[string]int, len(queues))
	for _, q := range queues {
		queueWeights[q] = 1
	}
	srv := asynq.NewServer(
		asynq.RedisClientOpt{Addr: redisAddr, DB: db},
		asynq.Config{
			Concurrency:    concurrency,
			Queues:         queueWeights,
			RetryDelayFunc: RetryDelay(delays),
			ErrorHandler:   errHandler,
		},
	)
	return &Server{srv: srv, mux: asynq.NewServeMux()}
}

func (s *Server) Register(d Descriptor) {
	s.mux.HandleFunc(d.TypeName, d.Handler)
}

func (s *Server) Run() error {
	return s.srv.Run(s.mux)
}

func (s *Server) Shutdown() {
	s.srv.Shutdown()
}

// Inspector exposes the runtime's monitoring view for the Recovery
// Supervisor's reconciliation (spec.md §4.10).
type Inspector struct {
	insp *asynq.Inspector
}

func NewInspector(redisAddr string, db int) *Inspector {
	return &Inspector{insp: asynq.NewInspector(asynq.RedisClientOpt{Addr: redisAddr, DB: db})}
}

// TaskState classifies what the Supervisor needs to know about a
// background task id: whether to skip, recover, or treat as unknown.
type TaskState string

const (
	TaskEnqueued   TaskState = "enqueued"
	TaskScheduled  TaskState = "scheduled"
	TaskProcessing TaskState = "processing"
	TaskFailed     TaskState = "failed"
	TaskSucceeded  TaskState = "succeeded"
	TaskUnknown    TaskState = "unknown"
)

// State looks up a task's runtime-level state in the given queue.
func (i *Inspector) State(queue, taskID string) TaskState {
	info, err := i.insp.GetTaskInfo(queue, taskID)
	if err != nil {
		return TaskUnknown
	}
	switch info.State {
	case asynq.TaskStatePending:
		return TaskEnqueued
	case asynq.TaskStateScheduled, asynq.TaskStateRetry:
		return TaskScheduled
	case asynq.TaskStateActive:
		return TaskProcessing
	case asynq.TaskStateArchived:
		return TaskFailed
	case asynq.TaskStateCompleted:
		return TaskSucceeded
	default:
		return TaskUnknown
	}
}
