package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/l0p7/shellcache/internal/worker/storage"
)

// ErrNotIntercepted is returned by Fetch for requests the worker leaves to
// the network.
var ErrNotIntercepted = errors.New("worker: request not intercepted")

// Source tells where a response came from. The values double as the
// X-Shellcache header.
type Source string

const (
	SourceCache      Source = "hit"
	SourceNetwork    Source = "miss"
	SourceFallback   Source = "fallback"
	SourceOffline    Source = "offline"
	SourceRevalidate Source = "revalidate"
	SourceBypass     Source = "bypass"
	SourceError      Source = "error"
)

// FetchResult is the answer to an intercepted request.
type FetchResult struct {
	Response Response
	Source   Source
	Route    Route
}

// OnFetch answers an intercepted request.
func (w *Worker) OnFetch(ctx context.Context, req Request) (Response, error) {
	result, err := w.Fetch(ctx, req)
	return result.Response, err
}

// Fetch answers req with the strategy its route selects. Sub-resource
// requests that fail on the network return an error wrapping ErrNetwork.
func (w *Worker) Fetch(ctx context.Context, req Request) (FetchResult, error) {
	if !w.Intercepts(req) {
		return FetchResult{Source: SourceBypass}, ErrNotIntercepted
	}
	route, err := w.router.Select(req)
	if err != nil {
		w.logger.Warn("route evaluation failed", slog.String("path", req.URL.Path), slog.Any("error", err))
	}

	var result FetchResult
	switch route.Strategy {
	case NetworkFirst:
		result, err = w.networkFirst(ctx, req)
	case StaleWhileRevalidate:
		result, err = w.staleWhileRevalidate(ctx, req)
	default:
		result, err = w.cacheFirst(ctx, req)
	}
	result.Route = route
	return result, err
}

func (w *Worker) cacheFirst(ctx context.Context, req Request) (FetchResult, error) {
	if cached, ok := w.lookup(ctx, req.Key()); ok {
		return FetchResult{Response: cached, Source: SourceCache}, nil
	}
	return w.fromNetwork(ctx, req)
}

func (w *Worker) networkFirst(ctx context.Context, req Request) (FetchResult, error) {
	resp, err := w.network.Fetch(ctx, req)
	outcome := Classify(resp, err)
	if Cacheable(outcome) {
		w.store(ctx, req, outcome, resp)
		return FetchResult{Response: resp, Source: SourceNetwork}, nil
	}
	if cached, ok := w.lookup(ctx, req.Key()); ok {
		return FetchResult{Response: cached, Source: SourceCache}, nil
	}
	if NeedsFallback(outcome, req) {
		return w.fallback(ctx, req, err), nil
	}
	if failure, failed := outcome.(NetworkFailure); failed {
		return FetchResult{Source: SourceError}, failure.Err
	}
	if req.IsNavigation() && replaceable(resp) {
		return w.fallback(ctx, req, fmt.Errorf("worker: origin answered %d", resp.Status)), nil
	}
	return FetchResult{Response: resp, Source: SourceNetwork}, nil
}

// replaceable reports an uncached navigation answer the shell stands in for.
// Off-origin redirects and 304s go back to the browser untouched.
func replaceable(resp Response) bool {
	if resp.Kind == KindOpaque || resp.Status == http.StatusNotModified {
		return false
	}
	return resp.Kind == KindError || resp.Status != http.StatusOK
}

func (w *Worker) staleWhileRevalidate(ctx context.Context, req Request) (FetchResult, error) {
	cached, ok := w.lookup(ctx, req.Key())
	if !ok {
		return w.fromNetwork(ctx, req)
	}
	w.track(ctx, func(bg context.Context) {
		resp, err := w.network.Fetch(bg, req)
		outcome := Classify(resp, err)
		if !w.storable(req, outcome, resp) {
			w.logger.Debug("revalidation not stored", slog.String("key", req.Key()), slog.Any("error", err))
			return
		}
		w.put(bg, req.Key(), resp)
	})
	return FetchResult{Response: cached, Source: SourceRevalidate}, nil
}

// fromNetwork is the miss leg shared by the strategies.
func (w *Worker) fromNetwork(ctx context.Context, req Request) (FetchResult, error) {
	resp, err := w.network.Fetch(ctx, req)
	outcome := Classify(resp, err)
	if failure, failed := outcome.(NetworkFailure); failed {
		if NeedsFallback(outcome, req) {
			return w.fallback(ctx, req, failure.Err), nil
		}
		return FetchResult{Source: SourceError}, failure.Err
	}
	w.store(ctx, req, outcome, resp)
	return FetchResult{Response: resp, Source: SourceNetwork}, nil
}

// fallback answers a failed navigation with the cached shell, or with the
// offline page when the shell is not cached.
func (w *Worker) fallback(ctx context.Context, req Request, cause error) FetchResult {
	if shell, ok := w.lookup(ctx, w.shellKey()); ok {
		w.logger.Info("navigation failed; serving cached shell",
			slog.String("path", req.URL.Path),
			slog.Any("error", cause),
		)
		return FetchResult{Response: shell, Source: SourceFallback}
	}
	w.logger.Warn("navigation failed and shell not cached; serving offline page",
		slog.String("path", req.URL.Path),
		slog.Any("error", cause),
	)
	return FetchResult{Response: w.offline.Render(req, w.cfg.CacheName()), Source: SourceOffline}
}

func (w *Worker) lookup(ctx context.Context, key string) (Response, bool) {
	cache, err := w.generation(ctx)
	if err != nil {
		w.logger.Warn("cache unavailable", slog.Any("error", err))
		return Response{}, false
	}
	entry, ok, err := cache.Match(ctx, key)
	if err != nil {
		w.logger.Warn("cache lookup failed", slog.String("key", key), slog.Any("error", err))
		return Response{}, false
	}
	if !ok {
		return Response{}, false
	}
	return responseFromEntry(entry), true
}

// storable applies Cacheable plus the shared-cache vetoes. no-store and
// private responses are never kept. A response to a request carrying cookies
// or credentials is kept only for manifest paths or when the origin marks it
// public. With RespectCacheControl, no-cache responses are not kept either.
func (w *Worker) storable(req Request, outcome FetchOutcome, resp Response) bool {
	if !Cacheable(outcome) {
		return false
	}
	cc := parseCacheControl(resp.Header.Get("Cache-Control"))
	if !cc.storable() {
		return false
	}
	if w.cfg.RespectCacheControl && cc.NoCache {
		return false
	}
	if credentialed(req.Header) && !w.precached(req.Key()) && !cc.sharedWithCredentials() {
		return false
	}
	return true
}

// store writes a clone of resp in the background when it is storable. The
// caller keeps the original.
func (w *Worker) store(ctx context.Context, req Request, outcome FetchOutcome, resp Response) {
	if !w.storable(req, outcome, resp) {
		return
	}
	clone := resp.Clone()
	key := req.Key()
	w.track(ctx, func(bg context.Context) {
		w.put(bg, key, clone)
	})
}

func (w *Worker) put(ctx context.Context, key string, resp Response) {
	cache, err := w.generation(ctx)
	if err != nil {
		w.logger.Warn("cache unavailable", slog.Any("error", err))
		return
	}
	if err := cache.Put(ctx, key, resp.entry()); err != nil {
		if errors.Is(err, storage.ErrDeleted) || errors.Is(err, storage.ErrClosed) {
			w.logger.Debug("cache write dropped", slog.String("key", key), slog.Any("error", err))
			return
		}
		w.logger.Warn("cache write failed", slog.String("key", key), slog.Any("error", err))
	}
}
