// Package worker implements the task workers of the scan pipeline and the
// kernel that wraps them: error classification, explicit rescheduling with
// exponential backoff, and dead-letter routing on terminal failure.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/deepinstinct/dsx-connect/internal/config"
	"github.com/deepinstinct/dsx-connect/internal/domain"
	"github.com/deepinstinct/dsx-connect/internal/observability"
)

// TaskContext is the per-delivery identity a handler executes under.
// ScanRequestTaskID is the root correlation id: the first delivery's task id,
// carried unchanged through retries and downstream enqueues.
type TaskContext struct {
	TaskID            string
	UpstreamTaskID    string
	ScanRequestTaskID string
	RetryCount        int
	Log               *slog.Logger
}

// Handler is one task worker. Execute returns a short status string stored
// as the task result, or a categorized error the kernel routes through the
// retry table.
type Handler interface {
	Name() string
	Queue() string
	RetryGroups() domain.RetryGroups
	MaxRetries() int
	Execute(ctx context.Context, tc TaskContext, args json.RawMessage) (string, error)
	// DLQSnapshot extracts the payload fragment worth keeping in a
	// dead-letter record. Returning nil omits the snapshot.
	DLQSnapshot(args json.RawMessage) json.RawMessage
}

// DLQSink records terminal failures per worker family.
type DLQSink interface {
	Enqueue(ctx context.Context, family string, rec domain.DLQRecord) error
}

// Kernel drives handlers: on failure it classifies the error, consults the
// handler's retry groups and the per-category config toggles, and either
// re-enqueues with backoff or dead-letters the task.
type Kernel struct {
	Queue   domain.Dispatcher
	DLQ     DLQSink
	Workers config.WorkersConfig
	Log     *slog.Logger
}

// Process runs one delivery of env through h.
func (k *Kernel) Process(ctx context.Context, h Handler, taskID string, env domain.TaskEnvelope) (string, error) {
	rootID := env.ScanRequestTaskID
	if rootID == "" {
		rootID = taskID
	}
	log := k.logger().With(
		slog.String("task", h.Name()),
		slog.String("task_id", taskID),
		slog.String("scan_request_task_id", rootID),
		slog.Int("retry_count", env.RetryCount),
	)
	tc := TaskContext{
		TaskID:            taskID,
		UpstreamTaskID:    env.UpstreamTaskID,
		ScanRequestTaskID: rootID,
		RetryCount:        env.RetryCount,
		Log:               log,
	}

	res, err := h.Execute(ctx, tc, env.Args)
	if err == nil {
		return res, nil
	}

	cat := domain.Classify(err)
	if k.shouldRetry(h, cat, env.RetryCount) {
		countdown := k.backoff(cat, env.RetryCount)
		retryEnv := domain.TaskEnvelope{
			ScanRequestTaskID: rootID,
			UpstreamTaskID:    taskID,
			RetryCount:        env.RetryCount + 1,
			Args:              env.Args,
		}
		newID, qerr := k.Queue.SendTask(ctx, h.Name(), h.Queue(), retryEnv, countdown)
		if qerr == nil {
			log.Warn("task rescheduled",
				slog.String("category", string(cat)),
				slog.Duration("countdown", countdown),
				slog.String("retry_task_id", newID),
				slog.Any("error", err))
			observability.RecordReschedule(h.Name(), string(cat))
			return fmt.Sprintf("RESCHEDULED:%s", newID), nil
		}
		log.Error("retry enqueue failed, dead-lettering instead", slog.Any("error", qerr))
	}

	rec := domain.DLQRecord{
		Reason:            string(cat),
		ErrorClass:        domain.ErrorClass(err),
		ErrorMessage:      err.Error(),
		ScanRequestTaskID: rootID,
		CurrentTaskID:     taskID,
		UpstreamTaskID:    env.UpstreamTaskID,
		RetryCount:        env.RetryCount,
		PayloadSnapshot:   h.DLQSnapshot(env.Args),
		CreatedAt:         time.Now().UTC(),
	}
	if derr := k.DLQ.Enqueue(ctx, h.Name(), rec); derr != nil {
		log.Error("dead-letter write failed", slog.Any("error", derr))
	} else {
		observability.RecordDLQ(h.Name(), string(cat))
	}
	log.Error("task failed terminally",
		slog.String("category", string(cat)),
		slog.Any("error", err))
	return "", err
}

func (k *Kernel) shouldRetry(h Handler, cat domain.ErrorCategory, retryCount int) bool {
	switch cat {
	case domain.CategoryMalformed, domain.CategoryDsxaAuth, domain.CategoryUnclassified:
		return false
	}
	if !h.RetryGroups()[cat] {
		return false
	}
	if !k.categoryEnabled(cat) {
		return false
	}
	return retryCount < h.MaxRetries()
}

func (k *Kernel) categoryEnabled(cat domain.ErrorCategory) bool {
	w := k.Workers
	switch cat {
	case domain.CategoryConnectorConnection:
		return w.RetryConnectorConnectionErrors
	case domain.CategoryConnectorServer:
		return w.RetryConnectorServerErrors
	case domain.CategoryConnectorClient:
		return w.RetryConnectorClientErrors
	case domain.CategoryDsxaTimeout:
		return w.RetryDsxaTimeoutErrors
	case domain.CategoryDsxaServer:
		return w.RetryDsxaServerErrors
	case domain.CategoryDsxaClient:
		return w.RetryDsxaClientErrors
	case domain.CategoryQueueDispatch:
		return w.RetryQueueDispatchErrors
	default:
		return false
	}
}

// backoff computes base * 2^retryCount seconds with the family-specific base.
func (k *Kernel) backoff(cat domain.ErrorCategory, retryCount int) time.Duration {
	w := k.Workers
	base := w.ServerErrorRetryBackoffBase
	switch cat {
	case domain.CategoryConnectorConnection, domain.CategoryConnectorServer, domain.CategoryConnectorClient:
		base = w.ConnectorRetryBackoffBase
	case domain.CategoryDsxaTimeout, domain.CategoryDsxaClient:
		base = w.DsxaRetryBackoffBase
	case domain.CategoryDsxaServer, domain.CategoryQueueDispatch:
		base = w.ServerErrorRetryBackoffBase
	}
	if base <= 0 {
		base = 1
	}
	if retryCount > 16 {
		retryCount = 16
	}
	return time.Duration(base) * time.Second << uint(retryCount)
}

func (k *Kernel) logger() *slog.Logger {
	if k.Log != nil {
		return k.Log
	}
	return slog.Default()
}
