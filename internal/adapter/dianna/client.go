// Package dianna implements the deep-analysis management API client: chunked
// base64 file upload and result polling.
package dianna

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/deepinstinct/dsx-connect/internal/config"
)

// API paths relative to the management URL.
const (
	AnalyzeFilePath    = "/api/v1/dianna/analyzeFile"
	AnalysisResultPath = "/api/v1/dianna/analysisResult/"
)

// TerminalStatuses are the analysis statuses after which polling stops.
var TerminalStatuses = map[string]bool{
	"SUCCESS":               true,
	"FAILED":                true,
	"ERROR":                 true,
	"CANCELLED":             true,
	"UNSUPPORTED_FILE_TYPE": true,
}

// FailureStatuses are the terminal statuses that count as analysis failure.
var FailureStatuses = map[string]bool{
	"FAILED":                true,
	"ERROR":                 true,
	"CANCELLED":             true,
	"UNSUPPORTED_FILE_TYPE": true,
}

// UploadResult summarizes a completed chunked upload.
type UploadResult struct {
	// SHA256 is the hex digest over the raw (pre-encoding) file bytes.
	SHA256 string
	// UploadID is the async handle, empty when the analysis completed
	// inline.
	UploadID string
	// Status is the uppercased status from the last chunk response.
	Status string
	// AnalysisID is set when the analysis completed synchronously.
	AnalysisID string
	// LastResponse is the decoded body of the final chunk response.
	LastResponse map[string]any
}

// Client talks to the DIANNA management API.
type Client struct {
	base      string
	token     string
	chunkSize int64
	http      *http.Client
}

// New builds a client from config. CABundle, when set, replaces the system
// root pool; VerifyTLS=false disables verification entirely.
func New(cfg config.DiannaConfig) (*Client, error) {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	tc := &tls.Config{}
	if cfg.CABundle != "" {
		pem, err := os.ReadFile(cfg.CABundle)
		if err != nil {
			return nil, fmt.Errorf("op=dianna.New: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("op=dianna.New: no certificates in %s", cfg.CABundle)
		}
		tc.RootCAs = pool
	}
	if !cfg.VerifyTLS {
		tc.InsecureSkipVerify = true
	}
	transport.TLSClientConfig = tc

	chunk := int64(cfg.ChunkSize)
	if chunk <= 0 {
		chunk = 4 << 20
	}
	return &Client{
		base:      strings.TrimRight(cfg.ManagementURL, "/"),
		token:     cfg.APIToken,
		chunkSize: chunk,
		http:      &http.Client{Timeout: cfg.Timeout, Transport: transport},
	}, nil
}

type chunkPayload struct {
	StartByte       int64  `json:"start_byte"`
	EndByte         int64  `json:"end_byte"`
	TotalBytes      int64  `json:"total_bytes"`
	UploadID        string `json:"upload_id,omitempty"`
	FileName        string `json:"file_name"`
	FileChunk       string `json:"file_chunk"`
	ArchivePassword string `json:"archive_password,omitempty"`
}

// Upload streams r to the analyzeFile endpoint in base64 chunks, hashing the
// raw bytes along the way. totalSize must be the exact byte count of r.
func (c *Client) Upload(ctx context.Context, r io.Reader, totalSize int64, fileName, archivePassword string) (*UploadResult, error) {
	res := &UploadResult{}
	hasher := sha256.New()
	buf := make([]byte, c.chunkSize)
	var offset int64

	for {
		n, rerr := io.ReadFull(r, buf)
		if n > 0 {
			hasher.Write(buf[:n])
			payload := chunkPayload{
				StartByte:       offset,
				EndByte:         offset + int64(n) - 1,
				TotalBytes:      totalSize,
				UploadID:        res.UploadID,
				FileName:        fileName,
				FileChunk:       base64.StdEncoding.EncodeToString(buf[:n]),
				ArchivePassword: archivePassword,
			}
			body, err := c.postChunk(ctx, payload)
			if err != nil {
				return nil, err
			}
			res.LastResponse = body
			if id, ok := body["upload_id"].(string); ok && id != "" {
				res.UploadID = id
			}
			if s, ok := body["status"].(string); ok && s != "" {
				res.Status = strings.ToUpper(s)
			}
			offset += int64(n)
		}
		if rerr == io.EOF || rerr == io.ErrUnexpectedEOF {
			break
		}
		if rerr != nil {
			return nil, fmt.Errorf("op=dianna.Upload: read source: %w", rerr)
		}
	}

	res.SHA256 = hex.EncodeToString(hasher.Sum(nil))
	res.AnalysisID = analysisID(res.LastResponse)
	return res, nil
}

func (c *Client) postChunk(ctx context.Context, payload chunkPayload) (map[string]any, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("op=dianna.postChunk: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+AnalyzeFilePath, bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("op=dianna.postChunk: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("op=dianna.postChunk: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("op=dianna.postChunk: HTTP %d", resp.StatusCode)
	}
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil && err != io.EOF {
		return nil, fmt.Errorf("op=dianna.postChunk: decode response: %w", err)
	}
	if body == nil {
		body = map[string]any{}
	}
	return body, nil
}

// GetResult fetches the current analysis record for an upload or analysis id.
// A non-200 status returns (nil, nil) so pollers can treat it as transient.
func (c *Client) GetResult(ctx context.Context, id string) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+AnalysisResultPath+id, nil)
	if err != nil {
		return nil, fmt.Errorf("op=dianna.GetResult: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("op=dianna.GetResult: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, nil
	}
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil && err != io.EOF {
		return nil, fmt.Errorf("op=dianna.GetResult: decode response: %w", err)
	}
	if body == nil {
		body = map[string]any{}
	}
	return body, nil
}

// PollUntilTerminal polls the analysis record until it reports a terminal
// status or the timeout elapses. Transport errors and non-200 responses are
// transient; the latest record seen is returned either way, which may be nil
// when nothing was ever fetched.
func (c *Client) PollUntilTerminal(ctx context.Context, id string, interval, timeout time.Duration) (map[string]any, error) {
	if interval < time.Second {
		interval = time.Second
	}
	deadline := time.Now().Add(timeout)
	var last map[string]any
	for time.Now().Before(deadline) {
		rec, err := c.GetResult(ctx, id)
		if err == nil && rec != nil {
			last = rec
			if TerminalStatuses[StatusOf(rec)] {
				return last, nil
			}
		}
		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case <-time.After(interval):
		}
	}
	return last, nil
}

// StatusOf extracts the uppercased status field of an analysis record.
func StatusOf(rec map[string]any) string {
	if rec == nil {
		return ""
	}
	if s, ok := rec["status"].(string); ok {
		return strings.ToUpper(s)
	}
	return ""
}

func analysisID(rec map[string]any) string {
	if rec == nil {
		return ""
	}
	for _, k := range []string{"analysisId", "analysis_id"} {
		switch v := rec[k].(type) {
		case string:
			if strings.TrimSpace(v) != "" {
				return v
			}
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		case json.Number:
			return v.String()
		}
	}
	return ""
}
