package dianna

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deepinstinct/dsx-connect/internal/config"
)

func newTestClient(t *testing.T, baseURL string, chunkSize int64) *Client {
	t.Helper()
	c, err := New(config.DiannaConfig{
		ManagementURL: baseURL,
		APIToken:      "token-1",
		VerifyTLS:     true,
		ChunkSize:     config.ByteSize(chunkSize),
		Timeout:       5 * time.Second,
	})
	require.NoError(t, err)
	return c
}

type receivedChunk struct {
	StartByte       int64  `json:"start_byte"`
	EndByte         int64  `json:"end_byte"`
	TotalBytes      int64  `json:"total_bytes"`
	UploadID        string `json:"upload_id"`
	FileName        string `json:"file_name"`
	FileChunk       string `json:"file_chunk"`
	ArchivePassword string `json:"archive_password"`
}

func TestUploadChunking(t *testing.T) {
	content := "hello world!" // 12 bytes, 3 chunks of 4
	var chunks []receivedChunk
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, AnalyzeFilePath, r.URL.Path)
		require.Equal(t, "token-1", r.Header.Get("Authorization"))
		var c receivedChunk
		require.NoError(t, json.NewDecoder(r.Body).Decode(&c))
		chunks = append(chunks, c)
		_ = json.NewEncoder(w).Encode(map[string]any{"upload_id": "up-42", "status": "QUEUED"})
	}))
	defer srv.Close()

	res, err := newTestClient(t, srv.URL, 4).Upload(context.Background(),
		strings.NewReader(content), int64(len(content)), "f.bin", "pw")
	require.NoError(t, err)

	require.Len(t, chunks, 3)
	var reassembled []byte
	for i, c := range chunks {
		assert.Equal(t, int64(i*4), c.StartByte)
		assert.Equal(t, int64(i*4+3), c.EndByte)
		assert.Equal(t, int64(12), c.TotalBytes)
		assert.Equal(t, "f.bin", c.FileName)
		assert.Equal(t, "pw", c.ArchivePassword)
		raw, err := base64.StdEncoding.DecodeString(c.FileChunk)
		require.NoError(t, err)
		reassembled = append(reassembled, raw...)
	}
	assert.Equal(t, content, string(reassembled))

	// The upload id from the first response rides on subsequent chunks.
	assert.Empty(t, chunks[0].UploadID)
	assert.Equal(t, "up-42", chunks[1].UploadID)
	assert.Equal(t, "up-42", chunks[2].UploadID)

	assert.Equal(t, "up-42", res.UploadID)
	assert.Equal(t, "QUEUED", res.Status)
	want := sha256.Sum256([]byte(content))
	assert.Equal(t, hex.EncodeToString(want[:]), res.SHA256)
}

func TestUploadShortFinalChunk(t *testing.T) {
	content := "abcdefgh-tail" // 13 bytes: 8 + 5 with chunk size 8
	var chunks []receivedChunk
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var c receivedChunk
		require.NoError(t, json.NewDecoder(r.Body).Decode(&c))
		chunks = append(chunks, c)
		_ = json.NewEncoder(w).Encode(map[string]any{"upload_id": "u"})
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv.URL, 8).Upload(context.Background(),
		strings.NewReader(content), int64(len(content)), "f", "")
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	assert.Equal(t, int64(8), chunks[1].StartByte)
	assert.Equal(t, int64(12), chunks[1].EndByte)
}

func TestUploadSyncAnalysisID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "SUCCESS", "analysisId": "9001"})
	}))
	defer srv.Close()

	res, err := newTestClient(t, srv.URL, 64).Upload(context.Background(),
		strings.NewReader("tiny"), 4, "f", "")
	require.NoError(t, err)
	assert.Empty(t, res.UploadID)
	assert.Equal(t, "9001", res.AnalysisID)
	assert.Equal(t, "SUCCESS", res.Status)
}

func TestUploadNumericAnalysisID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"analysisId": 17})
	}))
	defer srv.Close()

	res, err := newTestClient(t, srv.URL, 64).Upload(context.Background(),
		strings.NewReader("x"), 1, "f", "")
	require.NoError(t, err)
	assert.Equal(t, "17", res.AnalysisID)
}

func TestUploadHTTPErrorFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv.URL, 64).Upload(context.Background(),
		strings.NewReader("x"), 1, "f", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 502")
}

func TestPollUntilTerminal(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, AnalysisResultPath+"up-1", r.URL.Path)
		if calls.Add(1) == 1 {
			_ = json.NewEncoder(w).Encode(map[string]any{"status": "PENDING"})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "SUCCESS", "isFileMalicious": true})
	}))
	defer srv.Close()

	rec, err := newTestClient(t, srv.URL, 64).PollUntilTerminal(context.Background(),
		"up-1", time.Second, 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "SUCCESS", StatusOf(rec))
	assert.GreaterOrEqual(t, calls.Load(), int32(2))
}

func TestPollTreatsNon200AsTransient(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "FAILED"})
	}))
	defer srv.Close()

	rec, err := newTestClient(t, srv.URL, 64).PollUntilTerminal(context.Background(),
		"up-2", time.Second, 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "FAILED", StatusOf(rec))
}

func TestGetResultNon200ReturnsNil(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	rec, err := newTestClient(t, srv.URL, 64).GetResult(context.Background(), "x")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestStatusOf(t *testing.T) {
	assert.Empty(t, StatusOf(nil))
	assert.Empty(t, StatusOf(map[string]any{}))
	assert.Equal(t, "SUCCESS", StatusOf(map[string]any{"status": "success"}))
}
