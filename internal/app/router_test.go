package app

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

type stubPinger struct{ err error }

func (s stubPinger) Ping(context.Context) error { return s.err }

func TestHealthz(t *testing.T) {
	srv := httptest.NewServer(NewOpsRouter(stubPinger{}))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	assert.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}

func TestReadyzReady(t *testing.T) {
	srv := httptest.NewServer(NewOpsRouter(stubPinger{}))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/readyz")
	assert.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}

func TestReadyzBrokerDown(t *testing.T) {
	srv := httptest.NewServer(NewOpsRouter(stubPinger{err: errors.New("down")}))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/readyz")
	assert.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	resp.Body.Close()
}

func TestMetricsExposed(t *testing.T) {
	srv := httptest.NewServer(NewOpsRouter(stubPinger{}))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	assert.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}
