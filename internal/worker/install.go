package worker

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/l0p7/shellcache/internal/worker/storage"
)

// InstallReport lists which manifest paths made it into the generation.
type InstallReport struct {
	Cache   string
	Cached  []string
	Skipped []string
}

// OnInstall precaches the manifest into the worker's generation.
func (w *Worker) OnInstall(ctx context.Context) error {
	_, err := w.Install(ctx)
	return err
}

// Install opens the generation and adds every manifest path atomically. When
// the atomic add fails, each path is added on its own and failures are logged
// and skipped. Install only fails when the generation cannot be opened or ctx
// is cancelled.
func (w *Worker) Install(ctx context.Context) (InstallReport, error) {
	report := InstallReport{Cache: w.cfg.CacheName()}
	cache, err := w.generation(ctx)
	if err != nil {
		return report, err
	}
	manifest := w.cfg.Manifest

	err = w.addAll(ctx, cache, manifest)
	if err == nil {
		report.Cached = append([]string(nil), manifest...)
		w.finishInstall(ctx, report)
		return report, nil
	}
	if ctx.Err() != nil {
		return report, ctx.Err()
	}
	w.logger.Warn("precache failed; caching assets individually", slog.Any("error", err))

	results := make([]error, len(manifest))
	var g errgroup.Group
	g.SetLimit(w.cfg.InstallConcurrency)
	for i, path := range manifest {
		g.Go(func() error {
			results[i] = w.add(ctx, cache, path)
			return nil
		})
	}
	_ = g.Wait()
	if ctx.Err() != nil {
		return report, ctx.Err()
	}

	for i, path := range manifest {
		if results[i] != nil {
			w.logger.Warn("failed to cache asset", slog.String("path", path), slog.Any("error", results[i]))
			report.Skipped = append(report.Skipped, path)
			continue
		}
		report.Cached = append(report.Cached, path)
	}
	w.finishInstall(ctx, report)
	return report, nil
}

func (w *Worker) finishInstall(ctx context.Context, report InstallReport) {
	w.metrics.ObserveInstall(w.cfg.Version, len(report.Cached), len(report.Skipped))
	w.logger.LogAttrs(ctx, slog.LevelInfo, "precache complete",
		slog.Int("cached", len(report.Cached)),
		slog.Int("skipped", len(report.Skipped)),
	)
}

// addAll fetches every path and writes only once all fetches succeeded. The
// writes themselves are sequential: a Put failure part way leaves the earlier
// entries in the generation, and Install's per-path pass then rewrites what it
// can.
func (w *Worker) addAll(ctx context.Context, cache storage.Cache, paths []string) error {
	responses := make([]Response, len(paths))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.cfg.InstallConcurrency)
	for i, path := range paths {
		g.Go(func() error {
			resp, err := w.fetchAsset(gctx, path)
			if err != nil {
				return err
			}
			responses[i] = resp
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	for i, path := range paths {
		if err := cache.Put(ctx, w.assetRequest(path).Key(), responses[i].entry()); err != nil {
			return fmt.Errorf("worker: store %s: %w", path, err)
		}
	}
	return nil
}

func (w *Worker) add(ctx context.Context, cache storage.Cache, path string) error {
	resp, err := w.fetchAsset(ctx, path)
	if err != nil {
		return err
	}
	if err := cache.Put(ctx, w.assetRequest(path).Key(), resp.entry()); err != nil {
		return fmt.Errorf("worker: store %s: %w", path, err)
	}
	return nil
}

func (w *Worker) fetchAsset(ctx context.Context, path string) (Response, error) {
	resp, err := w.network.Fetch(ctx, w.assetRequest(path))
	if err != nil {
		return Response{}, err
	}
	if resp.Kind != KindBasic || !resp.OK() {
		return Response{}, fmt.Errorf("worker: precache %s: unexpected %s response with status %d", path, resp.Kind, resp.Status)
	}
	return resp, nil
}
