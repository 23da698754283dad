package domain

import (
	"errors"
	"fmt"
)

// ErrorCategory keys the retry table. The string value doubles as the DLQ
// record reason.
type ErrorCategory string

const (
	CategoryMalformed           ErrorCategory = "malformed"
	CategoryDsxaAuth            ErrorCategory = "dsxa_auth"
	CategoryDsxaClient          ErrorCategory = "dsxa_client"
	CategoryDsxaServer          ErrorCategory = "dsxa_server"
	CategoryDsxaTimeout         ErrorCategory = "dsxa_timeout"
	CategoryConnectorConnection ErrorCategory = "connector_connection"
	CategoryConnectorClient     ErrorCategory = "connector_client"
	CategoryConnectorServer     ErrorCategory = "connector_server"
	CategoryQueueDispatch       ErrorCategory = "queue_dispatch"
	CategoryUnclassified        ErrorCategory = "unclassified"
)

var classNames = map[ErrorCategory]string{
	CategoryMalformed:           "MalformedScanRequest",
	CategoryDsxaAuth:            "DsxaAuthError",
	CategoryDsxaClient:          "DsxaClientError",
	CategoryDsxaServer:          "DsxaServerError",
	CategoryDsxaTimeout:         "DsxaTimeoutError",
	CategoryConnectorConnection: "ConnectorConnectionError",
	CategoryConnectorClient:     "ConnectorClientError",
	CategoryConnectorServer:     "ConnectorServerError",
	CategoryQueueDispatch:       "QueueDispatchError",
}

// Class returns the stable error class name recorded in DLQ entries.
func (c ErrorCategory) Class() string {
	if n, ok := classNames[c]; ok {
		return n
	}
	return "UnclassifiedError"
}

// TaskError is a categorized pipeline error. Workers raise these; the kernel
// classifies them against the retry table.
type TaskError struct {
	Category ErrorCategory
	Message  string
	Err      error
}

func (e *TaskError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Category.Class(), e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Category.Class(), e.Message)
}

func (e *TaskError) Unwrap() error { return e.Err }

// NewTaskError builds a categorized error wrapping cause (which may be nil).
func NewTaskError(cat ErrorCategory, cause error, format string, a ...any) *TaskError {
	return &TaskError{Category: cat, Message: fmt.Sprintf(format, a...), Err: cause}
}

// Classify resolves the category of err; anything that is not a TaskError is
// Unclassified and never retried.
func Classify(err error) ErrorCategory {
	var te *TaskError
	if errors.As(err, &te) {
		return te.Category
	}
	return CategoryUnclassified
}

// ErrorClass resolves the DLQ error class name of err.
func ErrorClass(err error) string {
	var te *TaskError
	if errors.As(err, &te) {
		return te.Category.Class()
	}
	return fmt.Sprintf("%T", err)
}

// RetryGroups is the set of error families a worker opts into retrying.
// Membership is necessary but not sufficient: the per-category config toggle
// must also be on, and the retry budget unspent.
type RetryGroups map[ErrorCategory]bool

// RetryGroupsConnectorAndDsxa enables every network-facing family. Used by
// the scan-request worker.
func RetryGroupsConnectorAndDsxa() RetryGroups {
	return RetryGroups{
		CategoryConnectorConnection: true,
		CategoryConnectorServer:     true,
		CategoryConnectorClient:     true,
		CategoryDsxaTimeout:         true,
		CategoryDsxaServer:          true,
		CategoryDsxaClient:          true,
		CategoryQueueDispatch:       true,
	}
}

// RetryGroupsConnector enables only the connector family. Deep-analysis
// connectivity is mapped onto it.
func RetryGroupsConnector() RetryGroups {
	return RetryGroups{
		CategoryConnectorConnection: true,
		CategoryConnectorServer:     true,
		CategoryConnectorClient:     true,
	}
}

// RetryGroupsNone disables retries entirely; every failure goes straight to
// the DLQ.
func RetryGroupsNone() RetryGroups { return RetryGroups{} }
