package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/deepinstinct/dsx-connect/internal/config"
	"github.com/deepinstinct/dsx-connect/internal/domain"
	"github.com/deepinstinct/dsx-connect/internal/names"
	"github.com/deepinstinct/dsx-connect/internal/observability"
)

// BatchWorker validates a list of scan requests and fans them out to the
// single-item request queue in windows. Validation is all or nothing: one
// bad item fails the whole batch before anything is enqueued.
type BatchWorker struct {
	Cfg      config.Config
	Queues   names.Queues
	Dispatch domain.Dispatcher
}

// NewBatchWorker wires the batch dispatcher.
func NewBatchWorker(cfg config.Config, q domain.Dispatcher) *BatchWorker {
	return &BatchWorker{Cfg: cfg, Queues: names.QueuesFor(cfg.AppEnv), Dispatch: q}
}

func (w *BatchWorker) Name() string                    { return names.TaskScanRequestBatch }
func (w *BatchWorker) Queue() string                   { return w.Queues.RequestBatch }
func (w *BatchWorker) RetryGroups() domain.RetryGroups { return domain.RetryGroupsNone() }
func (w *BatchWorker) MaxRetries() int                 { return 0 }

// DLQSnapshot keeps a summary rather than the whole batch: the item count
// and the first item for troubleshooting.
func (w *BatchWorker) DLQSnapshot(args json.RawMessage) json.RawMessage {
	var batch domain.BatchTaskArgs
	if err := json.Unmarshal(args, &batch); err != nil {
		return nil
	}
	summary := map[string]any{"batch_count": len(batch.ScanRequests)}
	if len(batch.ScanRequests) > 0 {
		summary["first_item"] = batch.ScanRequests[0]
	}
	b, err := json.Marshal(summary)
	if err != nil {
		return nil
	}
	return b
}

// Execute fans the batch out. Returns "ENQUEUED:<n>".
func (w *BatchWorker) Execute(ctx context.Context, tc TaskContext, args json.RawMessage) (string, error) {
	var batch domain.BatchTaskArgs
	if err := json.Unmarshal(args, &batch); err != nil {
		return "", domain.NewTaskError(domain.CategoryMalformed, err, "invalid batch payload")
	}
	if len(batch.ScanRequests) == 0 {
		return "", domain.NewTaskError(domain.CategoryMalformed, nil, "scan_requests must be a non-empty list")
	}

	for i, raw := range batch.ScanRequests {
		var req domain.ScanRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			return "", domain.NewTaskError(domain.CategoryMalformed, err, "invalid scan request at index %d", i)
		}
		if err := validate.Struct(req); err != nil {
			return "", domain.NewTaskError(domain.CategoryMalformed, err, "invalid scan request at index %d", i)
		}
	}

	window := w.resolveBatchSize(batch.BatchSize)
	total := len(batch.ScanRequests)
	enqueued := 0
	for start := 0; start < total; start += window {
		end := start + window
		if end > total {
			end = total
		}
		for _, raw := range batch.ScanRequests[start:end] {
			env := domain.TaskEnvelope{
				ScanRequestTaskID: tc.ScanRequestTaskID,
				UpstreamTaskID:    tc.TaskID,
				Args:              raw,
			}
			if _, err := w.Dispatch.SendTask(ctx, names.TaskScanRequest, w.Queues.Request, env, 0); err != nil {
				return "", err
			}
			enqueued++
		}
		tc.Log.Info("batch window enqueued",
			slog.Int("window", start/window+1),
			slog.Int("window_size", end-start),
			slog.Int("enqueued", enqueued),
			slog.Int("total", total))
	}
	observability.BatchFanoutTotal.Add(float64(enqueued))
	return fmt.Sprintf("ENQUEUED:%d", enqueued), nil
}

// resolveBatchSize prefers the per-task size, then the configured default,
// capped at the configured maximum.
func (w *BatchWorker) resolveBatchSize(requested int) int {
	size := requested
	if size <= 0 {
		size = w.Cfg.ScanRequestBatchSize
	}
	if size <= 0 {
		size = 10
	}
	if max := w.Cfg.ScanRequestBatchMaxSize; max > 0 && size > max {
		size = max
	}
	return size
}
