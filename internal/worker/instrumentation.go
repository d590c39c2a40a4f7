package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/l0p7/shellcache/internal/metrics"
	"github.com/l0p7/shellcache/internal/worker/storage"
)

// Metrics receives worker activity. *metrics.Recorder implements it and is
// safe to pass as nil.
type Metrics interface {
	ObserveFetch(strategy, source string, statusCode int, duration time.Duration)
	ObserveInstall(version string, cached, skipped int)
	ObserveActivation(cacheName string, deleted int)
	ObserveStorage(operation metrics.StorageOperation, result metrics.StorageResult, duration time.Duration)
}

type noopMetrics struct{}

func (noopMetrics) ObserveFetch(string, string, int, time.Duration)                               {}
func (noopMetrics) ObserveInstall(string, int, int)                                               {}
func (noopMetrics) ObserveActivation(string, int)                                                 {}
func (noopMetrics) ObserveStorage(metrics.StorageOperation, metrics.StorageResult, time.Duration) {}

// instrumentedCache times every match and put against a generation.
type instrumentedCache struct {
	inner   storage.Cache
	logger  *slog.Logger
	metrics Metrics
}

func instrumentCache(inner storage.Cache, logger *slog.Logger, m Metrics) storage.Cache {
	return &instrumentedCache{
		inner:   inner,
		logger:  logger.With(slog.String("cache", inner.Name())),
		metrics: m,
	}
}

func (c *instrumentedCache) Name() string { return c.inner.Name() }

func (c *instrumentedCache) Match(ctx context.Context, key string) (storage.Entry, bool, error) {
	start := time.Now()
	entry, ok, err := c.inner.Match(ctx, key)
	result := metrics.StorageMiss
	switch {
	case err != nil:
		result = metrics.StorageError
	case ok:
		result = metrics.StorageHit
	}
	c.observe(ctx, metrics.StorageOperationMatch, result, key, time.Since(start), err)
	return entry, ok, err
}

func (c *instrumentedCache) Put(ctx context.Context, key string, entry storage.Entry) error {
	start := time.Now()
	err := c.inner.Put(ctx, key, entry)
	result := metrics.StorageStored
	if err != nil {
		result = metrics.StorageError
	}
	c.observe(ctx, metrics.StorageOperationPut, result, key, time.Since(start), err)
	return err
}

func (c *instrumentedCache) Keys(ctx context.Context) ([]string, error) { return c.inner.Keys(ctx) }

func (c *instrumentedCache) Size(ctx context.Context) (int64, error) { return c.inner.Size(ctx) }

func (c *instrumentedCache) observe(ctx context.Context, op metrics.StorageOperation, result metrics.StorageResult, key string, d time.Duration, err error) {
	c.metrics.ObserveStorage(op, result, d)
	if !c.logger.Enabled(ctx, slog.LevelDebug) {
		return
	}
	attrs := []slog.Attr{
		slog.String("operation", string(op)),
		slog.String("key", key),
		slog.String("result", string(result)),
		slog.Float64("latency_ms", float64(d)/float64(time.Millisecond)),
	}
	if err != nil {
		attrs = append(attrs, slog.Any("error", err))
	}
	c.logger.LogAttrs(ctx, slog.LevelDebug, "cache storage operation", attrs...)
}
