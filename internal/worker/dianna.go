package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"time"

	"github.com/deepinstinct/dsx-connect/internal/adapter/dianna"
	"github.com/deepinstinct/dsx-connect/internal/config"
	"github.com/deepinstinct/dsx-connect/internal/domain"
	"github.com/deepinstinct/dsx-connect/internal/names"
	"github.com/deepinstinct/dsx-connect/internal/observability"
)

// Analyzer is the deep-analysis management API surface the worker needs.
type Analyzer interface {
	Upload(ctx context.Context, r io.Reader, totalSize int64, fileName, archivePassword string) (*dianna.UploadResult, error)
	PollUntilTerminal(ctx context.Context, id string, interval, timeout time.Duration) (map[string]any, error)
}

// ResultPublisher pushes UI events onto the scan-results channel.
type ResultPublisher interface {
	PublishScanResult(ctx context.Context, ev any)
}

// EventEmitter delivers records to the syslog collector.
type EventEmitter interface {
	Emit(ev any)
	Enabled() bool
}

// DiannaWorker uploads a file for deep analysis and tracks it to a terminal
// status. Connector failures propagate so the retry policy applies; analysis
// side failures resolve to an ERROR result instead, the task itself
// completing.
type DiannaWorker struct {
	Cfg       config.Config
	Queues    names.Queues
	Connector FileReader
	Analyzer  Analyzer
	Notifier  ResultPublisher
	Syslog    EventEmitter
}

// NewDiannaWorker wires the deep-analysis worker.
func NewDiannaWorker(cfg config.Config, fr FileReader, an Analyzer, n ResultPublisher, sl EventEmitter) *DiannaWorker {
	return &DiannaWorker{
		Cfg:       cfg,
		Queues:    names.QueuesFor(cfg.AppEnv),
		Connector: fr,
		Analyzer:  an,
		Notifier:  n,
		Syslog:    sl,
	}
}

func (w *DiannaWorker) Name() string                    { return names.TaskDiannaAnalyze }
func (w *DiannaWorker) Queue() string                   { return w.Queues.Analyze }
func (w *DiannaWorker) RetryGroups() domain.RetryGroups { return domain.RetryGroupsConnector() }
func (w *DiannaWorker) MaxRetries() int                 { return w.Cfg.Workers.ScanRequestMaxRetries }

func (w *DiannaWorker) DLQSnapshot(args json.RawMessage) json.RawMessage { return args }

// Execute runs one analysis. The result string is the JSON-encoded terminal
// AnalysisResult.
func (w *DiannaWorker) Execute(ctx context.Context, tc TaskContext, args json.RawMessage) (string, error) {
	var task domain.AnalyzeTaskArgs
	if err := json.Unmarshal(args, &task); err != nil {
		return "", domain.NewTaskError(domain.CategoryMalformed, err, "invalid analyze payload")
	}
	req := task.ScanRequest
	if err := validate.Struct(req); err != nil {
		return "", domain.NewTaskError(domain.CategoryMalformed, err, "invalid scan request")
	}

	body, size, err := w.Connector.StreamFile(ctx, req)
	if err != nil {
		return "", err
	}
	defer body.Close()

	var src io.Reader = body
	if size < 0 {
		// No content length; buffer to learn the exact size the chunk
		// offsets need.
		buf, rerr := io.ReadAll(body)
		if rerr != nil {
			return "", domain.NewTaskError(domain.CategoryConnectorConnection, rerr, "read file from connector")
		}
		size = int64(len(buf))
		src = bytes.NewReader(buf)
	}

	fileName := req.Metainfo
	if fileName == "" {
		fileName = req.Location
	}

	up, err := w.Analyzer.Upload(ctx, src, size, fileName, task.ArchivePassword)
	if err != nil {
		// Analysis-side failure: notify and resolve, no retry, no DLQ.
		tc.Log.Warn("analysis upload failed", slog.Any("error", err))
		res := domain.AnalysisResult{Status: "ERROR", Message: err.Error()}
		w.notifyUI(ctx, req, "", "", map[string]any{"error": err.Error()})
		observability.DiannaAnalysesTotal.WithLabelValues("ERROR").Inc()
		return marshalResult(res), nil
	}

	if dianna.FailureStatuses[up.Status] {
		msg := "analysis upload returned terminal status " + up.Status
		tc.Log.Warn(msg,
			slog.String("upload_id", up.UploadID),
			slog.String("analysis_id", up.AnalysisID))
		w.notifyUI(ctx, req, up.Status, up.SHA256, map[string]any{
			"upload_id": up.UploadID,
			"analysis":  up.LastResponse,
			"error":     msg,
		})
		observability.DiannaAnalysesTotal.WithLabelValues(up.Status).Inc()
		return marshalResult(domain.AnalysisResult{
			Status:   "ERROR",
			UploadID: up.UploadID,
			Response: up.LastResponse,
			Message:  msg,
		}), nil
	}

	// Synchronous completion: no async upload handle, analysis id present.
	if up.UploadID == "" && up.AnalysisID != "" {
		return w.resolveSync(ctx, tc, req, up), nil
	}

	// Async path: analysis queued behind an upload id.
	w.notifyUI(ctx, req, orDefault(up.Status, "QUEUED"), up.SHA256, map[string]any{
		"upload_id": up.UploadID,
	})

	var final map[string]any
	if w.Cfg.Dianna.PollResultsEnabled && up.UploadID != "" {
		final, _ = w.Analyzer.PollUntilTerminal(ctx, up.UploadID, w.Cfg.Dianna.PollInterval(), w.Cfg.Dianna.PollTimeout())
	}

	if up.UploadID != "" && final != nil {
		status := orDefault(dianna.StatusOf(final), "SUCCESS")
		w.notifyUI(ctx, req, status, up.SHA256, map[string]any{
			"upload_id":    up.UploadID,
			"analysis":     final,
			"is_malicious": isMalicious(final),
		})
	}

	w.emitSyslog(req, up, final)

	if status := dianna.StatusOf(final); dianna.FailureStatuses[status] {
		tc.Log.Warn("deep analysis failed",
			slog.String("status", status),
			slog.String("upload_id", up.UploadID))
		observability.DiannaAnalysesTotal.WithLabelValues(status).Inc()
		return marshalResult(domain.AnalysisResult{
			Status:   status,
			UploadID: up.UploadID,
			Response: final,
			Message:  "deep analysis returned terminal failure status",
		}), nil
	}
	if final != nil {
		status := orDefault(dianna.StatusOf(final), "SUCCESS")
		tc.Log.Info("deep analysis completed",
			slog.String("status", status),
			slog.String("upload_id", up.UploadID))
		observability.DiannaAnalysesTotal.WithLabelValues(status).Inc()
		return marshalResult(domain.AnalysisResult{
			Status:     status,
			AnalysisID: up.AnalysisID,
			UploadID:   up.UploadID,
			Response:   final,
		}), nil
	}

	tc.Log.Info("deep analysis queued",
		slog.String("upload_id", up.UploadID),
		slog.String("sha256", up.SHA256))
	observability.DiannaAnalysesTotal.WithLabelValues("QUEUED").Inc()
	res := domain.AnalysisResult{
		Status:     "QUEUED",
		AnalysisID: up.AnalysisID,
		UploadID:   up.UploadID,
		Response:   up.LastResponse,
	}
	if up.UploadID == "" && up.AnalysisID == "" {
		res.Message = "no analysis identifier returned; likely no accepted upload"
	}
	return marshalResult(res), nil
}

// resolveSync handles an analysis that completed inline with the upload,
// optionally refreshing the record once through the result endpoint.
func (w *DiannaWorker) resolveSync(ctx context.Context, tc TaskContext, req domain.ScanRequest, up *dianna.UploadResult) string {
	final := up.LastResponse
	if w.Cfg.Dianna.PollResultsEnabled {
		if rec, err := w.Analyzer.PollUntilTerminal(ctx, up.AnalysisID, w.Cfg.Dianna.PollInterval(), w.Cfg.Dianna.PollTimeout()); err == nil && rec != nil {
			final = rec
		} else if err != nil {
			tc.Log.Warn("analysis result lookup failed",
				slog.String("analysis_id", up.AnalysisID),
				slog.Any("error", err))
		}
	}
	status := orDefault(dianna.StatusOf(final), "SUCCESS")
	tc.Log.Info("analysis completed immediately",
		slog.String("location", req.Location),
		slog.String("analysis_id", up.AnalysisID))

	w.notifyUI(ctx, req, status, up.SHA256, map[string]any{
		"upload_id":    up.UploadID,
		"analysis":     final,
		"is_malicious": isMalicious(final),
	})
	if w.Syslog != nil && w.Syslog.Enabled() {
		w.Syslog.Emit(map[string]any{
			"event":         "dianna_analysis",
			"location":      req.Location,
			"connector_url": req.Target(),
			"sha256":        up.SHA256,
			"upload_id":     up.UploadID,
			"phase":         "RESULT",
			"analysis":      final,
		})
	}
	observability.DiannaAnalysesTotal.WithLabelValues(status).Inc()

	res := domain.AnalysisResult{
		Status:     status,
		AnalysisID: up.AnalysisID,
		UploadID:   up.UploadID,
		Response:   final,
	}
	if dianna.FailureStatuses[status] {
		res.Message = "deep analysis returned terminal failure status"
	}
	return marshalResult(res)
}

func (w *DiannaWorker) notifyUI(ctx context.Context, req domain.ScanRequest, status, sha256 string, extra map[string]any) {
	if w.Notifier == nil {
		return
	}
	ev := map[string]any{
		"type":          "dianna_analysis",
		"status":        orDefault(status, "ERROR"),
		"location":      req.Location,
		"connector_url": req.Target(),
	}
	if sha256 != "" {
		ev["sha256"] = sha256
	}
	for k, v := range extra {
		ev[k] = v
	}
	w.Notifier.PublishScanResult(ctx, ev)
}

// emitSyslog records the upload completion and, when available, the terminal
// result.
func (w *DiannaWorker) emitSyslog(req domain.ScanRequest, up *dianna.UploadResult, final map[string]any) {
	if w.Syslog == nil || !w.Syslog.Enabled() {
		return
	}
	base := map[string]any{
		"event":         "dianna_analysis",
		"location":      req.Location,
		"connector_url": req.Target(),
		"sha256":        up.SHA256,
		"upload_id":     up.UploadID,
	}
	queued := map[string]any{"phase": "QUEUED", "response": up.LastResponse}
	for k, v := range base {
		queued[k] = v
	}
	w.Syslog.Emit(queued)
	if final != nil {
		result := map[string]any{"phase": "RESULT", "analysis": final}
		for k, v := range base {
			result[k] = v
		}
		w.Syslog.Emit(result)
	}
}

func marshalResult(res domain.AnalysisResult) string {
	b, err := json.Marshal(res)
	if err != nil {
		return `{"status":"ERROR","message":"unserializable analysis result"}`
	}
	return string(b)
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func isMalicious(rec map[string]any) bool {
	if rec == nil {
		return false
	}
	b, _ := rec["isFileMalicious"].(bool)
	return b
}
