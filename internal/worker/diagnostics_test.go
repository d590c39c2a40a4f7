package worker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/l0p7/shellcache/internal/worker/storage"
)

func TestServeHealthReflectsActivation(t *testing.T) {
	network := newStubNetwork()
	network.serveManifest("v1")
	reg := newTestRegistration(t, storage.NewMemory(), network, nil)

	rec := httptest.NewRecorder()
	reg.ServeHealth(rec, httptest.NewRequest(http.MethodGet, "/_shellcache/healthz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	_, err := reg.Register(context.Background(), testConfig("v1"))
	require.NoError(t, err)

	rec = httptest.NewRecorder()
	reg.ServeHealth(rec, httptest.NewRequest(http.MethodGet, "/_shellcache/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var payload map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	require.Equal(t, "ok", payload["status"])
	require.Equal(t, "urban-iq-v1", payload["cache"])
	require.EqualValues(t, len(testManifest), payload["cacheEntries"])
}

func TestServeExplainDescribesWorkers(t *testing.T) {
	ctx := context.Background()
	network := newStubNetwork()
	reg := newTestRegistration(t, storage.NewMemory(), network, nil)

	network.serveManifest("v1")
	_, err := reg.Register(ctx, testConfig("v1"))
	require.NoError(t, err)
	waiting := testConfig("v2")
	waiting.SkipWaiting = false
	network.serveManifest("v2")
	_, err = reg.Register(ctx, waiting)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	reg.ServeExplain(rec, httptest.NewRequest(http.MethodGet, "/_shellcache/explain", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var snap Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	require.Equal(t, "ok", snap.Status)
	require.NotNil(t, snap.Controller)
	require.Equal(t, "urban-iq-v1", snap.Controller.Cache)
	require.Equal(t, StateActivated, snap.Controller.State)
	require.EqualValues(t, len(testManifest), snap.Controller.Entries)
	require.NotNil(t, snap.Waiting)
	require.Equal(t, "urban-iq-v2", snap.Waiting.Cache)
	require.Equal(t, StateInstalled, snap.Waiting.State)
	require.Equal(t, []string{"urban-iq-v1", "urban-iq-v2"}, snap.Generations)
}

func TestServeActivatePromotesWaitingWorker(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	network := newStubNetwork()
	reg := newTestRegistration(t, store, network, nil)

	rec := httptest.NewRecorder()
	reg.ServeActivate(rec, httptest.NewRequest(http.MethodPost, "/_shellcache/activate", nil))
	require.Equal(t, http.StatusConflict, rec.Code)

	cfg := testConfig("v4")
	cfg.SkipWaiting = false
	network.serveManifest("v4")
	_, err := reg.Register(ctx, cfg)
	require.NoError(t, err)

	rec = httptest.NewRecorder()
	reg.ServeActivate(rec, httptest.NewRequest(http.MethodGet, "/_shellcache/activate", nil))
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	require.Nil(t, reg.Controller())

	rec = httptest.NewRecorder()
	reg.ServeActivate(rec, httptest.NewRequest(http.MethodPost, "/_shellcache/activate", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var status WorkerStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	require.Equal(t, "urban-iq-v4", status.Cache)
	require.Equal(t, StateActivated, status.State)
	require.NotNil(t, reg.Controller())
}

func TestWriteError(t *testing.T) {
	reg := NewRegistration(nil, discardLogger(), nil)
	rec := httptest.NewRecorder()
	reg.WriteError(rec, 0, "boom")
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.JSONEq(t, `{"error":"boom"}`, rec.Body.String())
}
