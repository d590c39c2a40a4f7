package worker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"

	"github.com/l0p7/shellcache/internal/worker/storage"
)

var testOrigin = &url.URL{Scheme: "http", Host: "urban.test"}

var testManifest = []string{"/", "/index.html", "/login", "/manifest.json", "/assets/1_rem_bg.png"}

// stubNetwork answers fetches from an in-memory table keyed by request key.
type stubNetwork struct {
	mu        sync.Mutex
	responses map[string]Response
	dynamic   map[string]func(Request) Response
	failing   map[string]bool
	offline   bool
	hits      map[string]int
}

func newStubNetwork() *stubNetwork {
	return &stubNetwork{
		responses: map[string]Response{},
		dynamic:   map[string]func(Request) Response{},
		failing:   map[string]bool{},
		hits:      map[string]int{},
	}
}

func (n *stubNetwork) serve(path string, status int, body string, headers ...string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	header := http.Header{}
	for i := 0; i+1 < len(headers); i += 2 {
		header.Add(headers[i], headers[i+1])
	}
	n.responses[path] = Response{
		URL:    testOrigin.String() + path,
		Status: status,
		Header: header,
		Body:   []byte(body),
		Kind:   KindBasic,
	}
}

func (n *stubNetwork) serveResponse(path string, resp Response) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.responses[path] = resp
}

// serveFunc answers path from the request itself, like an origin rendering
// per-user pages.
func (n *stubNetwork) serveFunc(path string, fn func(Request) Response) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.dynamic[path] = fn
}

func (n *stubNetwork) serveManifest(version string) {
	for _, path := range testManifest {
		n.serve(path, http.StatusOK, assetBody(path, version), "Content-Type", "text/plain")
	}
}

func (n *stubNetwork) fail(path string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failing[path] = true
}

func (n *stubNetwork) setOffline(offline bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.offline = offline
}

func (n *stubNetwork) calls(path string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.hits[path]
}

func (n *stubNetwork) Fetch(_ context.Context, req Request) (Response, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	key := req.Key()
	n.hits[key]++
	if n.offline || n.failing[key] {
		return Response{}, fmt.Errorf("%w: dial %s: connection refused", ErrNetwork, req.URL.Host)
	}
	if fn, ok := n.dynamic[key]; ok {
		return fn(req), nil
	}
	resp, ok := n.responses[key]
	if !ok {
		return Response{URL: req.URL.String(), Status: http.StatusNotFound, Header: http.Header{}, Body: []byte("not found"), Kind: KindBasic}, nil
	}
	return resp.Clone(), nil
}

func assetBody(path, version string) string {
	return path + "@" + version
}

func testConfig(version string) Config {
	return Config{
		Version:            version,
		Prefix:             DefaultPrefix,
		Manifest:           append([]string(nil), testManifest...),
		ShellPath:          "/index.html",
		Origin:             testOrigin,
		SkipWaiting:        true,
		InstallConcurrency: 2,
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestWorker(t *testing.T, cfg Config, store storage.CacheStorage, network Network, opts Options) *Worker {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = discardLogger()
	}
	w, err := New(cfg, store, network, opts)
	require.NoError(t, err)
	return w
}

func navigation(path string) Request {
	return Request{
		Method:      http.MethodGet,
		URL:         testOrigin.ResolveReference(&url.URL{Path: path}),
		Mode:        ModeNavigate,
		Destination: "document",
		Header:      http.Header{},
	}
}

func subresource(path, destination string) Request {
	return Request{
		Method:      http.MethodGet,
		URL:         testOrigin.ResolveReference(&url.URL{Path: path}),
		Mode:        ModeNoCORS,
		Destination: destination,
		Header:      http.Header{},
	}
}

func waitIdle(t *testing.T, w *Worker) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, w.Wait(ctx))
}

func generationKeys(t *testing.T, store storage.CacheStorage, name string) []string {
	t.Helper()
	cache, err := store.Open(context.Background(), name)
	require.NoError(t, err)
	keys, err := cache.Keys(context.Background())
	require.NoError(t, err)
	return keys
}

func generationNames(t *testing.T, store storage.CacheStorage) []string {
	t.Helper()
	names, err := store.Keys(context.Background())
	require.NoError(t, err)
	return names
}

func metricValue(t *testing.T, g prometheus.Gatherer, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := g.Gather()
	require.NoError(t, err)
	var total float64
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
		for _, metric := range family.GetMetric() {
			if !labelsMatch(metric, labels) {
				continue
			}
			switch {
			case metric.GetCounter() != nil:
				total += metric.GetCounter().GetValue()
			case metric.GetGauge() != nil:
				total += metric.GetGauge().GetValue()
			case metric.GetHistogram() != nil:
				total += float64(metric.GetHistogram().GetSampleCount())
			}
		}
	}
	return total
}

func labelsMatch(metric *dto.Metric, want map[string]string) bool {
	got := map[string]string{}
	for _, pair := range metric.GetLabel() {
		got[pair.GetName()] = pair.GetValue()
	}
	for k, v := range want {
		if got[k] != v {
			return false
		}
	}
	return true
}
