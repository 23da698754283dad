// Package domain defines the shared contracts of the scan pipeline: scan
// requests, verdicts, DLQ records, task envelopes, and the error taxonomy
// workers use to decide retries.
package domain

import (
	"context"
	"encoding/json"
	"strings"
	"time"
)

// ConnectorDescriptor identifies the connector that owns a file, as embedded
// in a scan request by the enqueueing side.
type ConnectorDescriptor struct {
	UUID                   string `json:"uuid,omitempty"`
	URL                    string `json:"url,omitempty"`
	Name                   string `json:"name,omitempty"`
	ItemAction             string `json:"item_action,omitempty"`
	ItemActionMoveMetainfo string `json:"item_action_move_metainfo,omitempty"`
}

// ScanRequest is the unit of work pulled off the REQUEST queue.
// Invariant: at least one of Connector or ConnectorURL is non-empty.
type ScanRequest struct {
	Location     string               `json:"location" validate:"required"`
	Metainfo     string               `json:"metainfo,omitempty"`
	Connector    *ConnectorDescriptor `json:"connector,omitempty"`
	ConnectorURL string               `json:"connector_url,omitempty"`
	SizeInBytes  *int64               `json:"size_in_bytes,omitempty"`
	ScanJobID    string               `json:"scan_job_id,omitempty"`
}

// Target returns the connector base URL the request should be read from.
func (r ScanRequest) Target() string {
	if r.Connector != nil && r.Connector.URL != "" {
		return r.Connector.URL
	}
	return r.ConnectorURL
}

// ConnectorName returns the display name of the owning connector, if known.
func (r ScanRequest) ConnectorName() string {
	if r.Connector != nil {
		return r.Connector.Name
	}
	return ""
}

// VerdictValue is the scanner's judgment about a file.
type VerdictValue string

const (
	VerdictBenign       VerdictValue = "Benign"
	VerdictMalicious    VerdictValue = "Malicious"
	VerdictNotScanned   VerdictValue = "Not Scanned"
	VerdictNonCompliant VerdictValue = "Non-Compliant"
	VerdictUnknown      VerdictValue = "Unknown"
)

// ParseVerdict maps a scanner wire verdict string onto the internal enum.
// Matching is case-insensitive; "scanning" collapses to Not Scanned and any
// unrecognised literal becomes Unknown.
func ParseVerdict(s string) VerdictValue {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "benign":
		return VerdictBenign
	case "malicious":
		return VerdictMalicious
	case "not scanned", "scanning":
		return VerdictNotScanned
	case "non compliant", "non-compliant":
		return VerdictNonCompliant
	default:
		return VerdictUnknown
	}
}

// VerdictDetails carries the scanner's event description and reasoning.
type VerdictDetails struct {
	EventDescription string `json:"event_description"`
	Reason           string `json:"reason,omitempty"`
	ThreatType       string `json:"threat_type,omitempty"`
}

// VerdictFileInfo describes the scanned file as seen by the scanner.
type VerdictFileInfo struct {
	FileType        string `json:"file_type"`
	FileSizeInBytes int64  `json:"file_size_in_bytes"`
	FileHash        string `json:"file_hash,omitempty"`
	ContainerHash   string `json:"container_hash,omitempty"`
}

// Verdict is the outcome of a single scan, either produced by the scanner or
// synthesized for skips. Exactly one verdict is dispatched per accepted
// request.
type Verdict struct {
	ScanGUID                 string           `json:"scan_guid,omitempty"`
	Verdict                  VerdictValue     `json:"verdict"`
	VerdictDetails           VerdictDetails   `json:"verdict_details"`
	FileInfo                 *VerdictFileInfo `json:"file_info,omitempty"`
	ScanDurationMicroseconds int64            `json:"scan_duration_in_microseconds"`
	RequestElapsedMS         float64          `json:"dsxconnect_request_elapsed_ms,omitempty"`
}

// ScannerResponse is the wire shape returned by the scanner's binary
// streaming endpoint.
type ScannerResponse struct {
	ScanGUID                 string          `json:"scan_guid"`
	Verdict                  string          `json:"verdict"`
	VerdictDetails           VerdictDetails  `json:"verdict_details"`
	FileInfo                 VerdictFileInfo `json:"file_info"`
	ScanDurationMicroseconds int64           `json:"scan_duration_in_microseconds"`
}

// TranslateScannerResponse converts a scanner wire response into an internal
// Verdict, applying the enum mapping.
func TranslateScannerResponse(resp *ScannerResponse) Verdict {
	dur := resp.ScanDurationMicroseconds
	if dur == 0 {
		dur = -1
	}
	fi := resp.FileInfo
	return Verdict{
		ScanGUID:                 resp.ScanGUID,
		Verdict:                  ParseVerdict(resp.Verdict),
		VerdictDetails:           resp.VerdictDetails,
		FileInfo:                 &fi,
		ScanDurationMicroseconds: dur,
	}
}

// VerdictTaskArgs is the payload fanned out to the VERDICT queue.
type VerdictTaskArgs struct {
	ScanRequest ScanRequest `json:"scan_request"`
	Verdict     Verdict     `json:"verdict"`
}

// BatchTaskArgs is the payload of a REQUEST_BATCH task.
type BatchTaskArgs struct {
	ScanRequests []json.RawMessage `json:"scan_requests"`
	BatchSize    int               `json:"batch_size,omitempty"`
}

// AnalyzeTaskArgs is the payload of a DIANNA ANALYZE task.
type AnalyzeTaskArgs struct {
	ScanRequest     ScanRequest `json:"scan_request"`
	ArchivePassword string      `json:"archive_password,omitempty"`
}

// AnalysisResult is the terminal payload returned by the DIANNA worker.
// Status is always one of the uppercase tokens SUCCESS, QUEUED, ERROR,
// FAILED, CANCELLED, UNSUPPORTED_FILE_TYPE.
type AnalysisResult struct {
	Status     string         `json:"status"`
	AnalysisID string         `json:"analysis_id,omitempty"`
	UploadID   string         `json:"upload_id,omitempty"`
	Response   map[string]any `json:"response,omitempty"`
	Message    string         `json:"message,omitempty"`
}

// MaliciousEvent is the SIEM index entry recorded for malicious verdicts so
// the DIANNA escalation path can resolve a task id back to connector and
// file context.
type MaliciousEvent struct {
	ConnectorUUID string `json:"connector_uuid,omitempty"`
	ConnectorURL  string `json:"connector_url,omitempty"`
	Location      string `json:"location"`
	Metainfo      string `json:"metainfo,omitempty"`
}

// DLQRecord is written terminally when retries are exhausted or the error
// class is not retryable.
type DLQRecord struct {
	Reason            string          `json:"reason"`
	ErrorClass        string          `json:"error_class"`
	ErrorMessage      string          `json:"error_message"`
	ScanRequestTaskID string          `json:"scan_request_task_id"`
	CurrentTaskID     string          `json:"current_task_id"`
	UpstreamTaskID    string          `json:"upstream_task_id,omitempty"`
	RetryCount        int             `json:"retry_count"`
	PayloadSnapshot   json.RawMessage `json:"payload_snapshot,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
}

// TaskEnvelope wraps every queued task payload. ScanRequestTaskID is the
// root correlation key and survives retries, pause/backpressure reschedules,
// and downstream enqueues.
type TaskEnvelope struct {
	ScanRequestTaskID string          `json:"scan_request_task_id,omitempty"`
	UpstreamTaskID    string          `json:"upstream_task_id,omitempty"`
	RetryCount        int             `json:"retry_count"`
	Args              json.RawMessage `json:"args"`
}

// Dispatcher is the task-queue port: named work queues with at-least-once
// delivery and a minimum visibility delay (countdown).
type Dispatcher interface {
	SendTask(ctx context.Context, name, queue string, env TaskEnvelope, countdown time.Duration) (string, error)
}
