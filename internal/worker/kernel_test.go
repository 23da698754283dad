package worker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deepinstinct/dsx-connect/internal/config"
	"github.com/deepinstinct/dsx-connect/internal/domain"
)

type sentTask struct {
	name      string
	queue     string
	env       domain.TaskEnvelope
	countdown time.Duration
}

type fakeDispatcher struct {
	sent []sentTask
	err  error
}

func (f *fakeDispatcher) SendTask(_ context.Context, name, queue string, env domain.TaskEnvelope, countdown time.Duration) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.sent = append(f.sent, sentTask{name: name, queue: queue, env: env, countdown: countdown})
	return "new-task-id", nil
}

type dlqEntry struct {
	family string
	rec    domain.DLQRecord
}

type fakeDLQ struct {
	entries []dlqEntry
	err     error
}

func (f *fakeDLQ) Enqueue(_ context.Context, family string, rec domain.DLQRecord) error {
	if f.err != nil {
		return f.err
	}
	f.entries = append(f.entries, dlqEntry{family: family, rec: rec})
	return nil
}

type stubHandler struct {
	name   string
	queue  string
	groups domain.RetryGroups
	max    int
	exec   func(ctx context.Context, tc TaskContext, args json.RawMessage) (string, error)
}

func (h *stubHandler) Name() string                    { return h.name }
func (h *stubHandler) Queue() string                   { return h.queue }
func (h *stubHandler) RetryGroups() domain.RetryGroups { return h.groups }
func (h *stubHandler) MaxRetries() int                 { return h.max }
func (h *stubHandler) Execute(ctx context.Context, tc TaskContext, args json.RawMessage) (string, error) {
	return h.exec(ctx, tc, args)
}
func (h *stubHandler) DLQSnapshot(args json.RawMessage) json.RawMessage { return args }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func defaultWorkers() config.WorkersConfig {
	return config.WorkersConfig{
		ScanRequestMaxRetries:          1,
		ConnectorRetryBackoffBase:      5,
		DsxaRetryBackoffBase:           3,
		ServerErrorRetryBackoffBase:    5,
		RetryConnectorConnectionErrors: true,
		RetryConnectorServerErrors:     true,
		RetryConnectorClientErrors:     true,
		RetryDsxaTimeoutErrors:         true,
		RetryDsxaServerErrors:          true,
		RetryDsxaClientErrors:          true,
	}
}

func newTestKernel(q *fakeDispatcher, d *fakeDLQ) *Kernel {
	return &Kernel{Queue: q, DLQ: d, Workers: defaultWorkers(), Log: testLogger()}
}

func TestProcessSuccessPassesResultThrough(t *testing.T) {
	q := &fakeDispatcher{}
	d := &fakeDLQ{}
	k := newTestKernel(q, d)
	h := &stubHandler{
		name:   "t.ok",
		queue:  "q",
		groups: domain.RetryGroupsConnectorAndDsxa(),
		max:    1,
		exec: func(_ context.Context, tc TaskContext, _ json.RawMessage) (string, error) {
			assert.Equal(t, "task-1", tc.ScanRequestTaskID)
			return "SUCCESS", nil
		},
	}

	res, err := k.Process(context.Background(), h, "task-1", domain.TaskEnvelope{})
	require.NoError(t, err)
	assert.Equal(t, "SUCCESS", res)
	assert.Empty(t, q.sent)
	assert.Empty(t, d.entries)
}

func TestProcessRetryableErrorReschedules(t *testing.T) {
	q := &fakeDispatcher{}
	d := &fakeDLQ{}
	k := newTestKernel(q, d)
	h := &stubHandler{
		name:   "t.retry",
		queue:  "q.retry",
		groups: domain.RetryGroupsConnectorAndDsxa(),
		max:    2,
		exec: func(context.Context, TaskContext, json.RawMessage) (string, error) {
			return "", domain.NewTaskError(domain.CategoryConnectorConnection, nil, "connector down")
		},
	}
	args := json.RawMessage(`{"location":"/f"}`)

	res, err := k.Process(context.Background(), h, "task-1", domain.TaskEnvelope{
		ScanRequestTaskID: "root-1",
		RetryCount:        1,
		Args:              args,
	})
	require.NoError(t, err)
	assert.Equal(t, "RESCHEDULED:new-task-id", res)
	require.Len(t, q.sent, 1)
	sent := q.sent[0]
	assert.Equal(t, "t.retry", sent.name)
	assert.Equal(t, "q.retry", sent.queue)
	assert.Equal(t, "root-1", sent.env.ScanRequestTaskID)
	assert.Equal(t, "task-1", sent.env.UpstreamTaskID)
	assert.Equal(t, 2, sent.env.RetryCount)
	assert.Equal(t, args, sent.env.Args)
	// connector base 5s doubled once for retry_count=1.
	assert.Equal(t, 10*time.Second, sent.countdown)
	assert.Empty(t, d.entries)
}

func TestProcessBackoffBases(t *testing.T) {
	k := newTestKernel(&fakeDispatcher{}, &fakeDLQ{})
	assert.Equal(t, 5*time.Second, k.backoff(domain.CategoryConnectorServer, 0))
	assert.Equal(t, 3*time.Second, k.backoff(domain.CategoryDsxaTimeout, 0))
	assert.Equal(t, 6*time.Second, k.backoff(domain.CategoryDsxaClient, 1))
	assert.Equal(t, 5*time.Second, k.backoff(domain.CategoryDsxaServer, 0))
	assert.Equal(t, 20*time.Second, k.backoff(domain.CategoryQueueDispatch, 2))
}

func TestProcessExhaustedBudgetDeadLetters(t *testing.T) {
	q := &fakeDispatcher{}
	d := &fakeDLQ{}
	k := newTestKernel(q, d)
	h := &stubHandler{
		name:   "t.exhausted",
		queue:  "q",
		groups: domain.RetryGroupsConnectorAndDsxa(),
		max:    1,
		exec: func(context.Context, TaskContext, json.RawMessage) (string, error) {
			return "", domain.NewTaskError(domain.CategoryDsxaServer, nil, "scanner down")
		},
	}

	_, err := k.Process(context.Background(), h, "task-2", domain.TaskEnvelope{
		ScanRequestTaskID: "root-2",
		UpstreamTaskID:    "task-1",
		RetryCount:        1,
		Args:              json.RawMessage(`{}`),
	})
	require.Error(t, err)
	assert.Empty(t, q.sent)
	require.Len(t, d.entries, 1)
	e := d.entries[0]
	assert.Equal(t, "t.exhausted", e.family)
	assert.Equal(t, "dsxa_server", e.rec.Reason)
	assert.Equal(t, "DsxaServerError", e.rec.ErrorClass)
	assert.Equal(t, "root-2", e.rec.ScanRequestTaskID)
	assert.Equal(t, "task-2", e.rec.CurrentTaskID)
	assert.Equal(t, "task-1", e.rec.UpstreamTaskID)
	assert.Equal(t, 1, e.rec.RetryCount)
	assert.False(t, e.rec.CreatedAt.IsZero())
}

func TestProcessNonRetryableGoesStraightToDLQ(t *testing.T) {
	for _, cat := range []domain.ErrorCategory{
		domain.CategoryMalformed,
		domain.CategoryDsxaAuth,
	} {
		q := &fakeDispatcher{}
		d := &fakeDLQ{}
		k := newTestKernel(q, d)
		h := &stubHandler{
			name:   "t.fatal",
			queue:  "q",
			groups: domain.RetryGroupsConnectorAndDsxa(),
			max:    5,
			exec: func(context.Context, TaskContext, json.RawMessage) (string, error) {
				return "", domain.NewTaskError(cat, nil, "bad")
			},
		}
		_, err := k.Process(context.Background(), h, "t", domain.TaskEnvelope{})
		require.Error(t, err)
		assert.Empty(t, q.sent, "category %s", cat)
		require.Len(t, d.entries, 1, "category %s", cat)
		assert.Equal(t, string(cat), d.entries[0].rec.Reason)
	}
}

func TestProcessUnclassifiedErrorNotRetried(t *testing.T) {
	q := &fakeDispatcher{}
	d := &fakeDLQ{}
	k := newTestKernel(q, d)
	h := &stubHandler{
		name:   "t.panic",
		queue:  "q",
		groups: domain.RetryGroupsConnectorAndDsxa(),
		max:    5,
		exec: func(context.Context, TaskContext, json.RawMessage) (string, error) {
			return "", errors.New("nil pointer somewhere")
		},
	}
	_, err := k.Process(context.Background(), h, "t", domain.TaskEnvelope{})
	require.Error(t, err)
	assert.Empty(t, q.sent)
	require.Len(t, d.entries, 1)
	assert.Equal(t, "unclassified", d.entries[0].rec.Reason)
}

func TestProcessConfigToggleDisablesRetry(t *testing.T) {
	q := &fakeDispatcher{}
	d := &fakeDLQ{}
	k := newTestKernel(q, d)
	k.Workers.RetryDsxaServerErrors = false
	h := &stubHandler{
		name:   "t.toggled",
		queue:  "q",
		groups: domain.RetryGroupsConnectorAndDsxa(),
		max:    5,
		exec: func(context.Context, TaskContext, json.RawMessage) (string, error) {
			return "", domain.NewTaskError(domain.CategoryDsxaServer, nil, "down")
		},
	}
	_, err := k.Process(context.Background(), h, "t", domain.TaskEnvelope{})
	require.Error(t, err)
	assert.Empty(t, q.sent)
	assert.Len(t, d.entries, 1)
}

func TestProcessGroupMembershipRequired(t *testing.T) {
	q := &fakeDispatcher{}
	d := &fakeDLQ{}
	k := newTestKernel(q, d)
	h := &stubHandler{
		name:   "t.nogroup",
		queue:  "q",
		groups: domain.RetryGroupsNone(),
		max:    5,
		exec: func(context.Context, TaskContext, json.RawMessage) (string, error) {
			return "", domain.NewTaskError(domain.CategoryConnectorConnection, nil, "down")
		},
	}
	_, err := k.Process(context.Background(), h, "t", domain.TaskEnvelope{})
	require.Error(t, err)
	assert.Empty(t, q.sent)
	assert.Len(t, d.entries, 1)
}

func TestProcessRetryEnqueueFailureFallsBackToDLQ(t *testing.T) {
	q := &fakeDispatcher{err: errors.New("broker gone")}
	d := &fakeDLQ{}
	k := newTestKernel(q, d)
	h := &stubHandler{
		name:   "t.fallback",
		queue:  "q",
		groups: domain.RetryGroupsConnectorAndDsxa(),
		max:    5,
		exec: func(context.Context, TaskContext, json.RawMessage) (string, error) {
			return "", domain.NewTaskError(domain.CategoryConnectorServer, nil, "503")
		},
	}
	_, err := k.Process(context.Background(), h, "t", domain.TaskEnvelope{})
	require.Error(t, err)
	require.Len(t, d.entries, 1)
	assert.Equal(t, "connector_server", d.entries[0].rec.Reason)
}

func TestProcessRootIDDefaultsToFirstTaskID(t *testing.T) {
	d := &fakeDLQ{}
	k := newTestKernel(&fakeDispatcher{}, d)
	h := &stubHandler{
		name:   "t.root",
		queue:  "q",
		groups: domain.RetryGroupsNone(),
		max:    0,
		exec: func(_ context.Context, tc TaskContext, _ json.RawMessage) (string, error) {
			assert.Equal(t, tc.TaskID, tc.ScanRequestTaskID)
			return "", domain.NewTaskError(domain.CategoryMalformed, nil, "bad")
		},
	}
	_, err := k.Process(context.Background(), h, "first-id", domain.TaskEnvelope{})
	require.Error(t, err)
	require.Len(t, d.entries, 1)
	assert.Equal(t, "first-id", d.entries[0].rec.ScanRequestTaskID)
}
