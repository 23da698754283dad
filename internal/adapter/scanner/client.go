// Package scanner streams file content to the DSXA binary scan endpoint and
// maps its HTTP failure modes onto the pipeline error taxonomy.
package scanner

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/deepinstinct/dsx-connect/internal/config"
	"github.com/deepinstinct/dsx-connect/internal/domain"
)

// ScanBinaryPath is the streaming scan endpoint relative to the scanner base
// URL.
const ScanBinaryPath = "/scan/binary/v2"

// MetadataHeader carries the encoded scan metadata alongside the stream.
const MetadataHeader = "X-Custom-Metadata"

// Client talks to a single DSXA scanner instance.
type Client struct {
	base  string
	token string
	http  *http.Client
}

// New builds a scanner client from config. The HTTP timeout covers the whole
// scan round trip including the upload.
func New(cfg config.ScannerConfig) *Client {
	transport := http.DefaultTransport
	if !cfg.VerifyTLS {
		t := http.DefaultTransport.(*http.Transport).Clone()
		t.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
		transport = t
	}
	return &Client{
		base:  strings.TrimRight(cfg.BaseURL, "/"),
		token: cfg.AuthToken,
		http:  &http.Client{Timeout: cfg.Timeout(), Transport: transport},
	}
}

// ScanStream posts the file stream to the scanner with metadata attached and
// decodes the verdict response.
func (c *Client) ScanStream(ctx context.Context, body io.Reader, metadata string) (*domain.ScannerResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+ScanBinaryPath, body)
	if err != nil {
		return nil, domain.NewTaskError(domain.CategoryDsxaServer, err, "build scan request")
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	if metadata != "" {
		req.Header.Set(MetadataHeader, metadata)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if isTimeout(err) {
			return nil, domain.NewTaskError(domain.CategoryDsxaTimeout, err, "scan timed out")
		}
		return nil, domain.NewTaskError(domain.CategoryDsxaServer, err, "scanner unreachable")
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, domain.NewTaskError(domain.CategoryDsxaAuth, nil, "scanner rejected credentials with %d", resp.StatusCode)
	case resp.StatusCode >= 500:
		return nil, domain.NewTaskError(domain.CategoryDsxaServer, nil, "scanner server error %d", resp.StatusCode)
	case resp.StatusCode >= 400:
		return nil, domain.NewTaskError(domain.CategoryDsxaClient, nil, "scanner client error %d", resp.StatusCode)
	}

	var sr domain.ScannerResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return nil, domain.NewTaskError(domain.CategoryDsxaServer, err, "decode scanner response")
	}
	return &sr, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}
