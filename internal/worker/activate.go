package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/l0p7/shellcache/internal/metrics"
)

// ActivateReport lists the generations removed during activation.
type ActivateReport struct {
	Cache   string
	Deleted []string
}

// OnActivate purges every generation other than the worker's own.
func (w *Worker) OnActivate(ctx context.Context) error {
	_, err := w.Activate(ctx)
	return err
}

// Activate deletes stale generations. Deletion is best effort: a failed delete
// is logged and the sweep continues; the failures are joined into the error.
// Claiming clients is the registration's job.
func (w *Worker) Activate(ctx context.Context) (ActivateReport, error) {
	current := w.cfg.CacheName()
	report := ActivateReport{Cache: current}
	if _, err := w.generation(ctx); err != nil {
		return report, err
	}
	names, err := w.storage.Keys(ctx)
	if err != nil {
		return report, fmt.Errorf("worker: list generations: %w", err)
	}

	var errs []error
	for _, name := range names {
		if name == current {
			continue
		}
		start := time.Now()
		deleted, err := w.storage.Delete(ctx, name)
		if err != nil {
			w.metrics.ObserveStorage(metrics.StorageOperationDelete, metrics.StorageError, time.Since(start))
			w.logger.Warn("failed to delete stale cache generation", slog.String("generation", name), slog.Any("error", err))
			errs = append(errs, fmt.Errorf("worker: delete %s: %w", name, err))
			continue
		}
		result := metrics.StorageMiss
		if deleted {
			result = metrics.StorageStored
			report.Deleted = append(report.Deleted, name)
			w.logger.Info("deleted stale cache generation", slog.String("generation", name))
		}
		w.metrics.ObserveStorage(metrics.StorageOperationDelete, result, time.Since(start))
	}
	return report, errors.Join(errs...)
}
