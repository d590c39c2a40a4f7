package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/l0p7/shellcache/internal/config"
	"github.com/l0p7/shellcache/internal/worker/storage"
)

var timeNow = time.Now

// backgroundTimeout bounds cache writes and revalidations that outlive the
// request that started them.
const backgroundTimeout = 30 * time.Second

// State is a worker's position in the registration lifecycle.
type State string

const (
	StateParsed     State = "parsed"
	StateInstalling State = "installing"
	StateInstalled  State = "installed"
	StateActivating State = "activating"
	StateActivated  State = "activated"
	StateRedundant  State = "redundant"
)

// Options carries the collaborators a Worker needs besides its config.
type Options struct {
	Logger  *slog.Logger
	Metrics Metrics
	Router  *Router
	Offline *OfflinePage
}

// Worker owns one cache generation and answers intercepted requests from it.
type Worker struct {
	cfg     Config
	storage storage.CacheStorage
	network Network
	logger  *slog.Logger
	metrics Metrics
	router  *Router
	offline *OfflinePage

	// manifestKeys are the cache keys of the precached paths.
	manifestKeys map[string]struct{}

	state atomic.Value

	mu    sync.Mutex
	cache storage.Cache

	pending  sync.WaitGroup
	inflight atomic.Int64
}

// New validates cfg and builds a worker over the shared storage.
func New(cfg Config, store storage.CacheStorage, network Network, opts Options) (*Worker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if store == nil {
		return nil, errors.New("worker: storage required")
	}
	if network == nil {
		return nil, errors.New("worker: network required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	m := opts.Metrics
	if m == nil {
		m = noopMetrics{}
	}
	offline := opts.Offline
	if offline == nil {
		page, err := NewOfflinePage(nil, config.OfflineConfig{})
		if err != nil {
			return nil, err
		}
		offline = page
	}
	w := &Worker{
		cfg:     cfg,
		storage: store,
		network: network,
		logger:  logger.With(slog.String("cache", cfg.CacheName()), slog.String("version", cfg.Version)),
		metrics: m,
		router:  opts.Router,
		offline: offline,
	}
	w.manifestKeys = make(map[string]struct{}, len(cfg.Manifest))
	for _, path := range cfg.Manifest {
		w.manifestKeys[w.assetRequest(path).Key()] = struct{}{}
	}
	w.state.Store(StateParsed)
	return w, nil
}

// Config returns the worker's configuration.
func (w *Worker) Config() Config { return w.cfg }

// CacheName is the generation this worker owns.
func (w *Worker) CacheName() string { return w.cfg.CacheName() }

// State reports the lifecycle state.
func (w *Worker) State() State {
	state, _ := w.state.Load().(State)
	return state
}

func (w *Worker) setState(state State) {
	prev := w.State()
	w.state.Store(state)
	if prev != state {
		w.logger.Debug("worker state changed", slog.String("from", string(prev)), slog.String("to", string(state)))
	}
}

// Intercepts reports whether the worker answers req. Only same-origin GETs
// are intercepted.
func (w *Worker) Intercepts(req Request) bool {
	return req.Method == "GET" && req.SameOrigin(w.cfg.Origin)
}

// Wait blocks until background cache writes and revalidations finish or ctx
// ends. When ctx ends first, the goroutine watching the WaitGroup lingers
// until the last background task returns; each is bounded by
// backgroundTimeout.
func (w *Worker) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		w.pending.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker) idle() bool {
	return w.inflight.Load() == 0
}

// generation opens the worker's cache once. Later calls reuse the handle so a
// retired worker cannot recreate its deleted generation.
func (w *Worker) generation(ctx context.Context) (storage.Cache, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cache != nil {
		return w.cache, nil
	}
	cache, err := w.storage.Open(ctx, w.cfg.CacheName())
	if err != nil {
		return nil, fmt.Errorf("worker: open %s: %w", w.cfg.CacheName(), err)
	}
	w.cache = instrumentCache(cache, w.logger, w.metrics)
	return w.cache, nil
}

// track runs fn in the background with a context detached from the caller's
// cancellation. Wait observes it.
func (w *Worker) track(ctx context.Context, fn func(context.Context)) {
	w.pending.Add(1)
	w.inflight.Add(1)
	go func() {
		defer w.pending.Done()
		defer w.inflight.Add(-1)
		bg, cancel := context.WithTimeout(context.WithoutCancel(ctx), backgroundTimeout)
		defer cancel()
		fn(bg)
	}()
}

// assetRequest builds the request used to precache a manifest path.
func (w *Worker) assetRequest(path string) Request {
	ref, err := url.Parse(path)
	if err != nil {
		ref = &url.URL{Path: path}
	}
	target := w.cfg.Origin.ResolveReference(ref)
	target.Fragment = ""
	return Request{
		Method: "GET",
		URL:    target,
		Mode:   ModeSameOrigin,
		Header: map[string][]string{},
	}
}

func (w *Worker) precached(key string) bool {
	_, ok := w.manifestKeys[key]
	return ok
}

func (w *Worker) shellKey() string {
	return w.assetRequest(w.cfg.ShellPath).Key()
}
