// Package connector reads file bytes from upstream connectors over their
// READ_FILE endpoint as a streaming HTTP response.
package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/deepinstinct/dsx-connect/internal/domain"
)

// ReadFilePath is the connector endpoint accepting a JSON scan-request body
// and returning the file bytes.
const ReadFilePath = "/api/v1/connector/read_file"

// Client posts scan requests to connectors and streams back file content.
type Client struct {
	http *http.Client
}

// New builds a connector client using the process HTTP client defaults.
func New() *Client {
	return &Client{http: &http.Client{}}
}

// StreamFile opens a streaming read of the file named by req against its
// connector. It returns the response body (caller closes), and the size from
// content-length, or -1 when the connector did not advertise one. Errors are
// mapped onto the connector error family.
func (c *Client) StreamFile(ctx context.Context, req domain.ScanRequest) (io.ReadCloser, int64, error) {
	target := strings.TrimRight(req.Target(), "/")
	if target == "" {
		return nil, -1, domain.NewTaskError(domain.CategoryMalformed, nil, "scan request has no connector target")
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, -1, domain.NewTaskError(domain.CategoryMalformed, err, "encode scan request")
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, target+ReadFilePath, bytes.NewReader(body))
	if err != nil {
		return nil, -1, domain.NewTaskError(domain.CategoryConnectorConnection, err, "build read_file request")
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, -1, classifyTransport(err)
	}
	if resp.StatusCode >= 500 {
		resp.Body.Close()
		return nil, -1, domain.NewTaskError(domain.CategoryConnectorServer, nil, "connector server error %d", resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		resp.Body.Close()
		return nil, -1, domain.NewTaskError(domain.CategoryConnectorClient, nil, "connector client error %d", resp.StatusCode)
	}
	return resp.Body, resp.ContentLength, nil
}

func classifyTransport(err error) error {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return domain.NewTaskError(domain.CategoryConnectorConnection, err, "connector unavailable")
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return domain.NewTaskError(domain.CategoryConnectorConnection, err, "connector unavailable")
	}
	return domain.NewTaskError(domain.CategoryConnectorConnection, err, "connector connection failed")
}
