package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/deepinstinct/dsx-connect/internal/adapter/state"
	"github.com/deepinstinct/dsx-connect/internal/config"
	"github.com/deepinstinct/dsx-connect/internal/domain"
	"github.com/deepinstinct/dsx-connect/internal/names"
	"github.com/deepinstinct/dsx-connect/internal/observability"
)

// FileReader streams file content from a connector.
type FileReader interface {
	StreamFile(ctx context.Context, req domain.ScanRequest) (io.ReadCloser, int64, error)
}

// BinaryScanner submits a file stream for a verdict.
type BinaryScanner interface {
	ScanStream(ctx context.Context, body io.Reader, metadata string) (*domain.ScannerResponse, error)
}

// dsxaAuthFailed latches once the scanner rejects credentials. Until the
// process restarts with a fixed token, every scan short-circuits to the DLQ
// instead of hammering the scanner.
var (
	dsxaAuthFailed     atomic.Bool
	dsxaAuthLogEmitted atomic.Bool
)

func resetAuthLatch() {
	dsxaAuthFailed.Store(false)
	dsxaAuthLogEmitted.Store(false)
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterStructValidation(func(sl validator.StructLevel) {
		r := sl.Current().Interface().(domain.ScanRequest)
		if r.Target() == "" {
			sl.ReportError(r.ConnectorURL, "connector_url", "ConnectorURL", "connector_or_url", "")
		}
	}, domain.ScanRequest{})
	return v
}

// ScanRequestWorker processes single scan requests: read the file from its
// connector, stream it to the scanner under backpressure, and fan the
// verdict out.
type ScanRequestWorker struct {
	Cfg       config.Config
	Queues    names.Queues
	Dispatch  domain.Dispatcher
	State     *state.Store
	Malicious *state.MaliciousIndex
	Connector FileReader
	Scanner   BinaryScanner

	jitter func(n int) int
}

// NewScanRequestWorker wires the worker with its collaborators.
func NewScanRequestWorker(cfg config.Config, q domain.Dispatcher, st *state.Store, mi *state.MaliciousIndex, fr FileReader, sc BinaryScanner) *ScanRequestWorker {
	return &ScanRequestWorker{
		Cfg:       cfg,
		Queues:    names.QueuesFor(cfg.AppEnv),
		Dispatch:  q,
		State:     st,
		Malicious: mi,
		Connector: fr,
		Scanner:   sc,
		jitter:    rand.IntN,
	}
}

func (w *ScanRequestWorker) Name() string                    { return names.TaskScanRequest }
func (w *ScanRequestWorker) Queue() string                   { return w.Queues.Request }
func (w *ScanRequestWorker) RetryGroups() domain.RetryGroups { return domain.RetryGroupsConnectorAndDsxa() }
func (w *ScanRequestWorker) MaxRetries() int                 { return w.Cfg.Workers.ScanRequestMaxRetries }

func (w *ScanRequestWorker) DLQSnapshot(args json.RawMessage) json.RawMessage { return args }

// Execute runs one scan request. The returned status string is one of
// SUCCESS, CANCELLED, PAUSED, BACKPRESSURE, SKIPPED_FILE_TOO_LARGE.
func (w *ScanRequestWorker) Execute(ctx context.Context, tc TaskContext, args json.RawMessage) (string, error) {
	var req domain.ScanRequest
	if err := json.Unmarshal(args, &req); err != nil {
		return "", domain.NewTaskError(domain.CategoryMalformed, err, "invalid scan request")
	}
	if err := validate.Struct(req); err != nil {
		return "", domain.NewTaskError(domain.CategoryMalformed, err, "invalid scan request")
	}

	if dsxaAuthFailed.Load() {
		if dsxaAuthLogEmitted.CompareAndSwap(false, true) {
			tc.Log.Error("scanner auth is failing; AUTH_TOKEN is missing or incorrect. " +
				"Tasks go to the DLQ until DSXCONNECT_SCANNER__AUTH_TOKEN is fixed and workers restarted.")
		}
		return "", domain.NewTaskError(domain.CategoryDsxaAuth, nil,
			"scanner auth failure: incorrect or missing AUTH_TOKEN/DSXCONNECT_SCANNER__AUTH_TOKEN")
	}

	// Per-job scan timestamps, best effort.
	if req.ScanJobID != "" {
		if err := w.State.TouchJob(ctx, req.ScanJobID, time.Now()); err != nil {
			tc.Log.Debug("job touch skipped", slog.Any("error", err))
		}
	}

	tc.Log.Info("scan request started", slog.String("location", req.Location))

	// Operator pause/cancel, best effort; a broker error reads as neither.
	if req.ScanJobID != "" {
		jc, err := w.State.JobControl(ctx, req.ScanJobID)
		if err != nil {
			tc.Log.Warn("job control check skipped", slog.Any("error", err))
		} else if jc.Cancelled {
			tc.Log.Info("job cancelled, dropping task", slog.String("scan_job_id", req.ScanJobID))
			observability.RecordScan("cancelled", "", 0)
			return "CANCELLED", nil
		} else if jc.Paused {
			return w.reschedulePaused(ctx, tc, req.ScanJobID, args)
		}
	}

	start := time.Now()
	maxSize := int64(w.Cfg.Scanner.MaxFileSizeBytes)

	// Preflight skip on the size hint, before any connector IO.
	if maxSize > 0 && req.SizeInBytes != nil && *req.SizeInBytes > maxSize {
		tc.Log.Warn("skipping oversized file",
			slog.String("location", req.Location),
			slog.Int64("size_hint", *req.SizeInBytes),
			slog.Int64("max", maxSize))
		w.emitNotScannedVerdict(ctx, tc, req, *req.SizeInBytes, "File Size Too Large", elapsedMS(start))
		observability.RecordScan("skipped_too_large", "", 0)
		return "SKIPPED_FILE_TOO_LARGE", nil
	}

	acquired, status, err := w.acquireScannerSlot(ctx, tc, args)
	if err != nil || !acquired {
		return status, err
	}
	defer w.releaseScannerSlot(ctx, tc)

	body, size, err := w.Connector.StreamFile(ctx, req)
	if err != nil {
		return "", err
	}
	defer body.Close()
	if size < 0 && req.SizeInBytes != nil {
		size = *req.SizeInBytes
	}

	if maxSize > 0 && size > maxSize {
		tc.Log.Warn("skipping oversized file",
			slog.String("location", req.Location),
			slog.Int64("size", size),
			slog.Int64("max", maxSize))
		w.emitNotScannedVerdict(ctx, tc, req, size, "File Size Too Large", elapsedMS(start))
		observability.RecordScan("skipped_too_large", "", 0)
		return "SKIPPED_FILE_TOO_LARGE", nil
	}

	verdict, err := w.scan(ctx, tc, body, req)
	if err != nil {
		return "", err
	}
	verdict.RequestElapsedMS = elapsedMS(start)
	tc.Log.Debug("verdict received", slog.String("verdict", string(verdict.Verdict)))

	if err := w.dispatchVerdict(ctx, tc, req, verdict); err != nil {
		return "", err
	}

	if verdict.Verdict == domain.VerdictMalicious {
		w.recordMalicious(ctx, tc, req)
	}

	observability.RecordScan("scanned", string(verdict.Verdict), time.Since(start).Seconds())
	return "SUCCESS", nil
}

// reschedulePaused re-enqueues the identical request with jitter so a resumed
// job does not stampede. The retry count is not consumed by a pause cycle.
func (w *ScanRequestWorker) reschedulePaused(ctx context.Context, tc TaskContext, jobID string, args json.RawMessage) (string, error) {
	countdown := time.Duration(5+w.jitter(6)) * time.Second
	env := domain.TaskEnvelope{
		ScanRequestTaskID: tc.ScanRequestTaskID,
		UpstreamTaskID:    tc.TaskID,
		RetryCount:        tc.RetryCount,
		Args:              args,
	}
	id, err := w.Dispatch.SendTask(ctx, names.TaskScanRequest, w.Queues.Request, env, countdown)
	if err != nil {
		tc.Log.Warn("pause re-enqueue failed, backing off 5s", slog.Any("error", err))
		env.RetryCount = tc.RetryCount + 1
		id, err = w.Dispatch.SendTask(ctx, names.TaskScanRequest, w.Queues.Request, env, 5*time.Second)
		if err != nil {
			return "", err
		}
	}
	tc.Log.Info("job paused, rescheduled",
		slog.String("scan_job_id", jobID),
		slog.String("rescheduled_task_id", id),
		slog.Duration("countdown", countdown))
	return "PAUSED", nil
}

// acquireScannerSlot enforces the inflight cap. When the scanner is at
// capacity the request is re-enqueued with jitter and BACKPRESSURE returned.
// A broker error skips the check rather than blocking scans.
func (w *ScanRequestWorker) acquireScannerSlot(ctx context.Context, tc TaskContext, args json.RawMessage) (bool, string, error) {
	maxInflight := w.Cfg.Scanner.MaxInflight
	if maxInflight <= 0 {
		return true, "", nil
	}
	acquired, observed, err := w.State.AcquireScannerSlot(ctx, names.ScannerInflightKey(), maxInflight, state.InflightTTL)
	if err != nil {
		tc.Log.Warn("backpressure check skipped", slog.Any("error", err))
		return true, "", nil
	}
	if acquired {
		observability.ScannerInflight.Inc()
		return true, "", nil
	}
	countdown := time.Duration(3+w.jitter(4)) * time.Second
	env := domain.TaskEnvelope{
		ScanRequestTaskID: tc.ScanRequestTaskID,
		UpstreamTaskID:    tc.TaskID,
		RetryCount:        tc.RetryCount,
		Args:              args,
	}
	id, serr := w.Dispatch.SendTask(ctx, names.TaskScanRequest, w.Queues.Request, env, countdown)
	if serr != nil {
		return false, "", serr
	}
	tc.Log.Warn("scanner at capacity, rescheduled",
		slog.Int64("inflight", observed),
		slog.Int64("max_inflight", maxInflight),
		slog.String("rescheduled_task_id", id),
		slog.Duration("countdown", countdown))
	return false, "BACKPRESSURE", nil
}

func (w *ScanRequestWorker) releaseScannerSlot(ctx context.Context, tc TaskContext) {
	if w.Cfg.Scanner.MaxInflight <= 0 {
		return
	}
	if err := w.State.ReleaseScannerSlot(ctx, names.ScannerInflightKey()); err != nil {
		tc.Log.Warn("scanner slot release failed", slog.Any("error", err))
		return
	}
	observability.ScannerInflight.Dec()
}

func (w *ScanRequestWorker) scan(ctx context.Context, tc TaskContext, body io.Reader, req domain.ScanRequest) (domain.Verdict, error) {
	metadata := BuildScanMetadata(req, tc.TaskID)
	resp, err := w.Scanner.ScanStream(ctx, body, metadata)
	if err != nil {
		if domain.Classify(err) == domain.CategoryDsxaAuth {
			dsxaAuthFailed.Store(true)
			if dsxaAuthLogEmitted.CompareAndSwap(false, true) {
				tc.Log.Error("scanner auth failed (401/403). Verify AUTH_TOKEN on the scanner and " +
					"DSXCONNECT_SCANNER__AUTH_TOKEN in dsx-connect. Tasks go to the DLQ until fixed.")
			}
		}
		return domain.Verdict{}, err
	}
	verdict := domain.TranslateScannerResponse(resp)
	if verdict.Verdict == domain.VerdictNotScanned &&
		strings.Contains(strings.ToLower(verdict.VerdictDetails.Reason), "initializing") {
		return domain.Verdict{}, domain.NewTaskError(domain.CategoryDsxaServer, nil, "scanner is initializing")
	}
	return verdict, nil
}

func (w *ScanRequestWorker) dispatchVerdict(ctx context.Context, tc TaskContext, req domain.ScanRequest, verdict domain.Verdict) error {
	args, err := json.Marshal(domain.VerdictTaskArgs{ScanRequest: req, Verdict: verdict})
	if err != nil {
		return domain.NewTaskError(domain.CategoryQueueDispatch, err, "marshal verdict args")
	}
	env := domain.TaskEnvelope{
		ScanRequestTaskID: tc.ScanRequestTaskID,
		UpstreamTaskID:    tc.TaskID,
		Args:              args,
	}
	id, err := w.Dispatch.SendTask(ctx, names.TaskScanVerdict, w.Queues.Verdict, env, 0)
	if err != nil {
		return err
	}
	tc.Log.Info("verdict dispatched", slog.String("verdict_task_id", id))
	return nil
}

// recordMalicious writes the SIEM escalation index entry and, when deep
// analysis is enabled for malicious verdicts, enqueues an ANALYZE task. Both
// are best effort.
func (w *ScanRequestWorker) recordMalicious(ctx context.Context, tc TaskContext, req domain.ScanRequest) {
	ev := domain.MaliciousEvent{
		ConnectorURL: req.Target(),
		Location:     req.Location,
		Metainfo:     req.Metainfo,
	}
	if req.Connector != nil {
		ev.ConnectorUUID = req.Connector.UUID
	}
	if w.Malicious != nil {
		if err := w.Malicious.Put(ctx, tc.ScanRequestTaskID, ev); err != nil {
			tc.Log.Warn("malicious index write failed", slog.Any("error", err))
		}
	}
	if !w.Cfg.Dianna.Enabled || !w.Cfg.Dianna.AutoOnMalicious {
		return
	}
	args, err := json.Marshal(domain.AnalyzeTaskArgs{ScanRequest: req})
	if err != nil {
		tc.Log.Warn("analyze enqueue skipped", slog.Any("error", err))
		return
	}
	env := domain.TaskEnvelope{
		ScanRequestTaskID: tc.ScanRequestTaskID,
		UpstreamTaskID:    tc.TaskID,
		Args:              args,
	}
	id, err := w.Dispatch.SendTask(ctx, names.TaskDiannaAnalyze, w.Queues.Analyze, env, 0)
	if err != nil {
		tc.Log.Warn("analyze enqueue failed", slog.Any("error", err))
		return
	}
	tc.Log.Info("deep analysis enqueued", slog.String("analyze_task_id", id))
}

// emitNotScannedVerdict dispatches a synthetic Non-Compliant verdict so
// downstream logging and UI can act on skipped files.
func (w *ScanRequestWorker) emitNotScannedVerdict(ctx context.Context, tc TaskContext, req domain.ScanRequest, size int64, reason string, requestElapsedMS float64) {
	// Scanner GUIDs come back without dashes; mimic that.
	guid := strings.ReplaceAll(uuid.NewString(), "-", "")
	verdict := domain.Verdict{
		ScanGUID: guid,
		Verdict:  domain.VerdictNonCompliant,
		VerdictDetails: domain.VerdictDetails{
			EventDescription: "File not scanned",
			Reason:           reason,
		},
		FileInfo: &domain.VerdictFileInfo{
			FileType:        "Unknown",
			FileSizeInBytes: size,
		},
		ScanDurationMicroseconds: 0,
		RequestElapsedMS:         requestElapsedMS,
	}
	if err := w.dispatchVerdict(ctx, tc, req, verdict); err != nil {
		tc.Log.Error("synthetic verdict dispatch failed", slog.Any("error", err))
	}
}

func elapsedMS(start time.Time) float64 {
	return float64(time.Since(start)) / float64(time.Millisecond)
}

// BuildScanMetadata renders the scanner metadata header. ASCII values pass
// through unchanged; anything else is percent-encoded so the header stays
// 7-bit clean and reversible.
func BuildScanMetadata(req domain.ScanRequest, taskID string) string {
	meta := fmt.Sprintf("file-loc:%s,file-meta:%s",
		encodeMetadataValue(req.Location),
		encodeMetadataValue(req.Metainfo))
	if name := req.ConnectorName(); name != "" {
		meta += ",dsx-connect:" + encodeMetadataValue(name)
	}
	if taskID != "" {
		meta += ",scan_request_task_id:" + encodeMetadataValue(taskID)
	}
	return meta
}

func encodeMetadataValue(s string) string {
	ascii := true
	for i := 0; i < len(s); i++ {
		if s[i] > 0x7f {
			ascii = false
			break
		}
	}
	if ascii {
		return s
	}
	return percentEncode(s)
}

// percentEncode escapes every byte outside the unreserved set, spaces
// included as %20, matching strict URL quoting.
func percentEncode(s string) string {
	const hex = "0123456789ABCDEF"
	var b strings.Builder
	b.Grow(len(s) * 3)
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= 'A' && c <= 'Z' || c >= 'a' && c <= 'z' || c >= '0' && c <= '9' ||
			c == '-' || c == '_' || c == '.' || c == '~' {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(hex[c>>4])
		b.WriteByte(hex[c&0x0f])
	}
	return b.String()
}
