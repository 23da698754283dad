// Package queue adapts the asynq task queue to the pipeline's dispatch and
// introspection contract: named work queues with at-least-once delivery,
// countdown scheduling, and task-state lookup.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/oklog/ulid/v2"

	"github.com/deepinstinct/dsx-connect/internal/domain"
)

// Task states exposed to callers.
const (
	StatePending  = "PENDING"
	StateReceived = "RECEIVED"
	StateStarted  = "STARTED"
	StateRetry    = "RETRY"
	StateSuccess  = "SUCCESS"
	StateFailure  = "FAILURE"
	StateRevoked  = "REVOKED"
)

// resultRetention keeps completed task results queryable for a day.
const resultRetention = 24 * time.Hour

// TaskStatus is the introspection result for a task id.
type TaskStatus struct {
	State  string
	Result []byte
}

// Queue is the asynq-backed dispatcher. Retries are disabled at the
// framework level; the worker kernel reschedules explicitly so that the
// envelope's retry count and root id stay authoritative.
type Queue struct {
	client    *asynq.Client
	inspector *asynq.Inspector
}

// New connects to the broker at redisURL.
func New(redisURL string) (*Queue, error) {
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("op=queue.New: %w", err)
	}
	return &Queue{
		client:    asynq.NewClient(opt),
		inspector: asynq.NewInspector(opt),
	}, nil
}

// Close releases the client connections.
func (q *Queue) Close() error {
	if err := q.client.Close(); err != nil {
		return err
	}
	return q.inspector.Close()
}

// SendTask enqueues env onto queue under a fresh ULID task id, optionally
// delayed by countdown. The envelope's scan_request_task_id rides along
// unchanged so the root id survives reschedules.
func (q *Queue) SendTask(ctx context.Context, name, queueName string, env domain.TaskEnvelope, countdown time.Duration) (string, error) {
	b, err := json.Marshal(env)
	if err != nil {
		return "", domain.NewTaskError(domain.CategoryQueueDispatch, err, "marshal task %s", name)
	}
	opts := []asynq.Option{
		asynq.Queue(queueName),
		asynq.TaskID(ulid.Make().String()),
		asynq.MaxRetry(0),
		asynq.Retention(resultRetention),
	}
	if countdown > 0 {
		opts = append(opts, asynq.ProcessIn(countdown))
	}
	info, err := q.client.EnqueueContext(ctx, asynq.NewTask(name, b), opts...)
	if err != nil {
		return "", domain.NewTaskError(domain.CategoryQueueDispatch, err, "enqueue task %s to %s", name, queueName)
	}
	return info.ID, nil
}

// AsyncResult looks up the state and stored result of a task id on a queue.
func (q *Queue) AsyncResult(_ context.Context, queueName, id string) (TaskStatus, error) {
	info, err := q.inspector.GetTaskInfo(queueName, id)
	if err != nil {
		return TaskStatus{}, fmt.Errorf("op=queue.AsyncResult: %w", err)
	}
	return TaskStatus{State: mapState(info.State), Result: info.Result}, nil
}

func mapState(s asynq.TaskState) string {
	switch s {
	case asynq.TaskStatePending:
		return StatePending
	case asynq.TaskStateScheduled, asynq.TaskStateAggregating:
		return StateReceived
	case asynq.TaskStateActive:
		return StateStarted
	case asynq.TaskStateRetry:
		return StateRetry
	case asynq.TaskStateCompleted:
		return StateSuccess
	case asynq.TaskStateArchived:
		return StateFailure
	default:
		return StatePending
	}
}
