package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

var (
	// ErrRegistrationClosed is returned once Close has been called.
	ErrRegistrationClosed = errors.New("worker: registration closed")
	// ErrNoWaitingWorker is returned by Activate when nothing is installed and waiting.
	ErrNoWaitingWorker = errors.New("worker: no waiting worker to activate")
)

// Factory builds the worker for a config.
type Factory func(Config) (*Worker, error)

// Registration runs the install/activate lifecycle and holds the controller
// that answers requests. Lifecycle transitions are serialized; Controller is
// lock free.
type Registration struct {
	build   Factory
	logger  *slog.Logger
	metrics Metrics

	controller atomic.Pointer[Worker]

	mu      sync.Mutex
	waiting *Worker
	workers []*Worker
	closed  bool
}

// NewRegistration returns an empty registration.
func NewRegistration(build Factory, logger *slog.Logger, m Metrics) *Registration {
	if logger == nil {
		logger = slog.Default()
	}
	if m == nil {
		m = noopMetrics{}
	}
	return &Registration{build: build, logger: logger, metrics: m}
}

// Register builds and installs a worker for cfg. The installed worker waits
// until Activate unless cfg.SkipWaiting is set. Registering again replaces any
// worker still waiting. Activation cleanup failures are logged, not returned.
func (r *Registration) Register(ctx context.Context, cfg Config) (*Worker, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrRegistrationClosed
	}
	if r.build == nil {
		return nil, errors.New("worker: registration requires a factory")
	}

	w, err := r.build(cfg)
	if err != nil {
		return nil, fmt.Errorf("worker: build %s: %w", cfg.CacheName(), err)
	}
	r.workers = append(r.workers, w)

	w.setState(StateInstalling)
	report, err := w.Install(ctx)
	if err != nil {
		w.setState(StateRedundant)
		return nil, fmt.Errorf("worker: install %s: %w", cfg.CacheName(), err)
	}
	w.setState(StateInstalled)
	if prev := r.waiting; prev != nil {
		prev.setState(StateRedundant)
	}
	r.waiting = w
	r.logger.Info("worker installed",
		slog.String("cache", report.Cache),
		slog.Int("cached", len(report.Cached)),
		slog.Int("skipped", len(report.Skipped)),
	)

	if cfg.SkipWaiting {
		if err := r.activateLocked(ctx); err != nil {
			r.logger.Warn("activation cleanup incomplete", slog.String("cache", cfg.CacheName()), slog.Any("error", err))
		}
	}
	return w, nil
}

// Activate promotes the waiting worker. The controller is swapped even when
// stale generation cleanup fails; that failure is returned.
func (r *Registration) Activate(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrRegistrationClosed
	}
	return r.activateLocked(ctx)
}

func (r *Registration) activateLocked(ctx context.Context) error {
	w := r.waiting
	if w == nil {
		return ErrNoWaitingWorker
	}
	w.setState(StateActivating)
	report, err := w.Activate(ctx)

	// Claim: requests from here on are answered by w.
	prev := r.controller.Swap(w)
	r.waiting = nil
	w.setState(StateActivated)
	if prev != nil && prev != w {
		prev.setState(StateRedundant)
	}
	r.metrics.ObserveActivation(report.Cache, len(report.Deleted))
	r.logger.Info("worker activated",
		slog.String("cache", report.Cache),
		slog.Any("deleted", report.Deleted),
	)
	r.prune()
	return err
}

// prune forgets redundant workers whose background writes have drained.
func (r *Registration) prune() {
	kept := r.workers[:0]
	for _, w := range r.workers {
		if w.State() == StateRedundant && w.idle() {
			continue
		}
		kept = append(kept, w)
	}
	clear(r.workers[len(kept):])
	r.workers = kept
}

// Controller returns the active worker, or nil before the first activation.
func (r *Registration) Controller() *Worker {
	return r.controller.Load()
}

// Waiting returns the installed worker awaiting activation, if any.
func (r *Registration) Waiting() *Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.waiting
}

// Close stops accepting registrations and waits for every worker's background
// writes.
func (r *Registration) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	workers := append([]*Worker(nil), r.workers...)
	r.mu.Unlock()

	for _, w := range workers {
		if err := w.Wait(ctx); err != nil {
			return fmt.Errorf("worker: drain %s: %w", w.CacheName(), err)
		}
	}
	return nil
}
