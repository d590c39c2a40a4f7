package worker

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/l0p7/shellcache/internal/worker/storage"
)

func installedWorker(t *testing.T, cfg Config) (*Worker, *stubNetwork, storage.CacheStorage) {
	t.Helper()
	store := storage.NewMemory()
	network := newStubNetwork()
	network.serveManifest(cfg.Version)
	w := newTestWorker(t, cfg, store, network, Options{})
	_, err := w.Install(context.Background())
	require.NoError(t, err)
	return w, network, store
}

func TestFetchCacheHitSkipsNetwork(t *testing.T) {
	w, network, _ := installedWorker(t, testConfig("v1"))
	network.serve("/assets/1_rem_bg.png", http.StatusOK, "changed upstream")

	result, err := w.Fetch(context.Background(), subresource("/assets/1_rem_bg.png", "image"))
	require.NoError(t, err)
	require.Equal(t, SourceCache, result.Source)
	require.Equal(t, CacheFirst, result.Route.Strategy)
	require.Equal(t, assetBody("/assets/1_rem_bg.png", "v1"), string(result.Response.Body))
	require.Equal(t, 1, network.calls("/assets/1_rem_bg.png"), "only the install fetch reached the network")
}

func TestFetchMissStoresSuccessfulResponse(t *testing.T) {
	w, network, store := installedWorker(t, testConfig("v1"))
	network.serve("/assets/new_logo.png", http.StatusOK, "png-bytes", "Content-Type", "image/png")

	result, err := w.Fetch(context.Background(), subresource("/assets/new_logo.png", "image"))
	require.NoError(t, err)
	require.Equal(t, SourceNetwork, result.Source)
	require.Equal(t, "png-bytes", string(result.Response.Body))
	waitIdle(t, w)
	require.Contains(t, generationKeys(t, store, "urban-iq-v1"), "/assets/new_logo.png")

	result, err = w.Fetch(context.Background(), subresource("/assets/new_logo.png", "image"))
	require.NoError(t, err)
	require.Equal(t, SourceCache, result.Source)
	require.Equal(t, "image/png", result.Response.Header.Get("Content-Type"))
	require.Equal(t, 1, network.calls("/assets/new_logo.png"))
}

func TestFetchStoredCopyIsIndependentOfReturnedResponse(t *testing.T) {
	w, network, _ := installedWorker(t, testConfig("v1"))
	network.serve("/assets/map.png", http.StatusOK, "original")

	result, err := w.Fetch(context.Background(), subresource("/assets/map.png", "image"))
	require.NoError(t, err)
	result.Response.Body[0] = 'X'
	waitIdle(t, w)

	cached, ok := w.lookup(context.Background(), "/assets/map.png")
	require.True(t, ok)
	require.Equal(t, "original", string(cached.Body))
}

func TestFetchDoesNotStoreUncacheableOutcomes(t *testing.T) {
	tests := []struct {
		name string
		path string
		resp Response
	}{
		{name: "not found", path: "/missing.js", resp: Response{Status: http.StatusNotFound, Header: http.Header{}, Body: []byte("nope"), Kind: KindBasic}},
		{name: "server error", path: "/broken.js", resp: Response{Status: http.StatusInternalServerError, Header: http.Header{}, Body: []byte("boom"), Kind: KindBasic}},
		{name: "opaque redirect", path: "/sso", resp: Response{Status: http.StatusFound, Header: http.Header{}, Kind: KindOpaque}},
		{name: "truncated body", path: "/bundle.js", resp: Response{Status: http.StatusOK, Header: http.Header{}, Kind: KindError}},
		{name: "no content", path: "/ping", resp: Response{Status: http.StatusNoContent, Header: http.Header{}, Kind: KindBasic}},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			w, network, store := installedWorker(t, testConfig("v1"))
			network.serveResponse(tc.path, tc.resp)

			result, err := w.Fetch(context.Background(), subresource(tc.path, "script"))
			require.NoError(t, err)
			require.Equal(t, SourceNetwork, result.Source)
			require.Equal(t, tc.resp.Status, result.Response.Status)
			waitIdle(t, w)
			require.NotContains(t, generationKeys(t, store, "urban-iq-v1"), tc.path)

			_, err = w.Fetch(context.Background(), subresource(tc.path, "script"))
			require.NoError(t, err)
			require.Equal(t, 2, network.calls(tc.path))
		})
	}
}

func TestFetchNavigationFailureServesCachedShell(t *testing.T) {
	w, network, _ := installedWorker(t, testConfig("v1"))
	network.setOffline(true)

	result, err := w.Fetch(context.Background(), navigation("/dashboard"))
	require.NoError(t, err)
	require.Equal(t, SourceFallback, result.Source)
	require.Equal(t, http.StatusOK, result.Response.Status)
	require.Equal(t, assetBody("/index.html", "v1"), string(result.Response.Body))
}

func TestFetchNavigationFailureWithoutShellRendersOfflinePage(t *testing.T) {
	store := storage.NewMemory()
	network := newStubNetwork()
	network.setOffline(true)
	w := newTestWorker(t, testConfig("v1"), store, network, Options{})

	result, err := w.Fetch(context.Background(), navigation("/dashboard"))
	require.NoError(t, err)
	require.Equal(t, SourceOffline, result.Source)
	require.Equal(t, http.StatusServiceUnavailable, result.Response.Status)
	require.Contains(t, string(result.Response.Body), OfflineMessage)
	require.Contains(t, string(result.Response.Body), "/dashboard")
	require.Equal(t, "text/html; charset=utf-8", result.Response.Header.Get("Content-Type"))
}

func TestFetchSubresourceFailureReturnsNetworkError(t *testing.T) {
	w, network, _ := installedWorker(t, testConfig("v1"))
	network.fail("/assets/uncached.png")

	result, err := w.Fetch(context.Background(), subresource("/assets/uncached.png", "image"))
	require.ErrorIs(t, err, ErrNetwork)
	require.Equal(t, SourceError, result.Source)

	_, err = w.OnFetch(context.Background(), subresource("/assets/uncached.png", "image"))
	require.ErrorIs(t, err, ErrNetwork)
}

func TestFetchOnlyInterceptsSameOriginGet(t *testing.T) {
	w, network, _ := installedWorker(t, testConfig("v1"))

	post := navigation("/login")
	post.Method = http.MethodPost
	_, err := w.Fetch(context.Background(), post)
	require.ErrorIs(t, err, ErrNotIntercepted)

	cross := subresource("/logo.png", "image")
	cross.URL.Host = "cdn.example"
	require.False(t, w.Intercepts(cross))
	_, err = w.Fetch(context.Background(), cross)
	require.ErrorIs(t, err, ErrNotIntercepted)

	require.Equal(t, 1, network.calls("/login"), "only the install fetch reached the network")
	require.Zero(t, network.calls("/logo.png"))
}

func TestFetchRespectCacheControl(t *testing.T) {
	tests := []struct {
		name    string
		respect bool
		header  string
		stored  bool
	}{
		{name: "no-store always vetoed", header: "no-store"},
		{name: "private always vetoed", header: "private, max-age=60"},
		{name: "no-cache stored by default", header: "no-cache", stored: true},
		{name: "no-cache honoured", respect: true, header: "no-cache"},
		{name: "public stored", respect: true, header: "public, max-age=60", stored: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testConfig("v1")
			cfg.RespectCacheControl = tc.respect
			w, network, store := installedWorker(t, cfg)
			network.serve("/profile.json", http.StatusOK, `{"name":"ali"}`, "Cache-Control", tc.header)

			_, err := w.Fetch(context.Background(), subresource("/profile.json", "empty"))
			require.NoError(t, err)
			waitIdle(t, w)
			keys := generationKeys(t, store, "urban-iq-v1")
			if tc.stored {
				require.Contains(t, keys, "/profile.json")
			} else {
				require.NotContains(t, keys, "/profile.json")
			}
		})
	}
}

func TestFetchCredentialedResponsesStayPerClient(t *testing.T) {
	tests := []struct {
		name   string
		path   string
		header http.Header
		cc     string
		stored bool
	}{
		{name: "cookie", path: "/api/user/me", header: http.Header{"Cookie": {"session=alice"}}},
		{name: "authorization", path: "/api/user/me", header: http.Header{"Authorization": {"Bearer alice"}}},
		{name: "public with cookie", path: "/api/user/me", header: http.Header{"Cookie": {"session=alice"}}, cc: "public, max-age=60", stored: true},
		{name: "anonymous", path: "/api/user/me", header: http.Header{}, stored: true},
		{name: "manifest path with cookie", path: "/login", header: http.Header{"Cookie": {"session=alice"}}, stored: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			store := storage.NewMemory()
			network := newStubNetwork()
			network.serve(tc.path, http.StatusOK, "hello alice", "Cache-Control", tc.cc)
			w := newTestWorker(t, testConfig("v1"), store, network, Options{})

			req := subresource(tc.path, "empty")
			req.Header = tc.header
			result, err := w.Fetch(context.Background(), req)
			require.NoError(t, err)
			require.Equal(t, SourceNetwork, result.Source)
			waitIdle(t, w)

			keys := generationKeys(t, store, "urban-iq-v1")
			if tc.stored {
				require.Contains(t, keys, tc.path)
			} else {
				require.NotContains(t, keys, tc.path)
			}
		})
	}
}

func TestFetchStoredEntriesDropSetCookie(t *testing.T) {
	w, network, store := installedWorker(t, testConfig("v1"))
	network.serve("/config.json", http.StatusOK, `{"theme":"dark"}`,
		"Content-Type", "application/json",
		"Set-Cookie", "csrf=token-for-alice",
	)

	result, err := w.Fetch(context.Background(), subresource("/config.json", "empty"))
	require.NoError(t, err)
	require.Equal(t, "csrf=token-for-alice", result.Response.Header.Get("Set-Cookie"), "the fetching client keeps its cookie")
	waitIdle(t, w)

	cache, err := store.Open(context.Background(), "urban-iq-v1")
	require.NoError(t, err)
	entry, ok, err := cache.Match(context.Background(), "/config.json")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []string{"application/json"}, entry.Header["Content-Type"])
	require.NotContains(t, entry.Header, "Set-Cookie")
}

func TestFetchDropsWritesToRetiredGeneration(t *testing.T) {
	w, network, store := installedWorker(t, testConfig("v1"))
	network.serve("/late.js", http.StatusOK, "late")

	deleted, err := store.Delete(context.Background(), "urban-iq-v1")
	require.NoError(t, err)
	require.True(t, deleted)

	result, err := w.Fetch(context.Background(), subresource("/late.js", "script"))
	require.NoError(t, err)
	require.Equal(t, SourceNetwork, result.Source)
	waitIdle(t, w)
	require.Empty(t, generationNames(t, store), "a late write must not resurrect the generation")
}
