package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"
)

// WorkerStatus describes one worker for diagnostics.
type WorkerStatus struct {
	Cache    string   `json:"cache"`
	Version  string   `json:"version"`
	State    State    `json:"state"`
	Entries  int64    `json:"entries"`
	Manifest []string `json:"manifest,omitempty"`
}

// Snapshot is the registration's observable state.
type Snapshot struct {
	Status      string        `json:"status"`
	ObservedAt  time.Time     `json:"observedAt"`
	Controller  *WorkerStatus `json:"controller,omitempty"`
	Waiting     *WorkerStatus `json:"waiting,omitempty"`
	Generations []string      `json:"generations,omitempty"`
}

// Snapshot collects the current controller, waiting worker and generations.
// Status is "ok" once a controller is active and "installing" before that.
func (r *Registration) Snapshot(ctx context.Context) Snapshot {
	snap := Snapshot{Status: "installing", ObservedAt: time.Now().UTC()}
	ctrl := r.Controller()
	if ctrl != nil {
		snap.Status = "ok"
		snap.Controller = r.describe(ctx, ctrl)
		names, err := ctrl.storage.Keys(ctx)
		if err != nil {
			r.logger.Error("list generations failed", slog.Any("error", err))
			snap.Status = "degraded"
		}
		snap.Generations = names
	}
	if waiting := r.Waiting(); waiting != nil {
		snap.Waiting = r.describe(ctx, waiting)
	}
	return snap
}

func (r *Registration) describe(ctx context.Context, w *Worker) *WorkerStatus {
	status := &WorkerStatus{
		Cache:    w.CacheName(),
		Version:  w.cfg.Version,
		State:    w.State(),
		Manifest: append([]string(nil), w.cfg.Manifest...),
	}
	cache, err := w.generation(ctx)
	if err != nil {
		r.logger.Error("open generation failed", slog.String("cache", w.CacheName()), slog.Any("error", err))
		return status
	}
	size, err := cache.Size(ctx)
	if err != nil {
		r.logger.Error("cache size query failed", slog.String("cache", w.CacheName()), slog.Any("error", err))
	}
	status.Entries = size
	return status
}

// ServeHealth answers 200 once a controller is active and 503 before.
func (r *Registration) ServeHealth(w http.ResponseWriter, req *http.Request) {
	snap := r.Snapshot(req.Context())
	payload := map[string]any{
		"status":     snap.Status,
		"observedAt": snap.ObservedAt,
	}
	code := http.StatusOK
	if snap.Controller == nil {
		code = http.StatusServiceUnavailable
	} else {
		payload["cache"] = snap.Controller.Cache
		payload["cacheEntries"] = snap.Controller.Entries
	}
	r.writeJSON(w, code, payload)
}

// ServeExplain reports the full snapshot.
func (r *Registration) ServeExplain(w http.ResponseWriter, req *http.Request) {
	r.writeJSON(w, http.StatusOK, r.Snapshot(req.Context()))
}

// ServeActivate promotes the waiting worker on POST and reports the new
// controller.
func (r *Registration) ServeActivate(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		r.WriteError(w, http.StatusMethodNotAllowed, "activate requires POST")
		return
	}
	err := r.Activate(req.Context())
	switch {
	case errors.Is(err, ErrNoWaitingWorker):
		r.WriteError(w, http.StatusConflict, err.Error())
		return
	case errors.Is(err, ErrRegistrationClosed):
		r.WriteError(w, http.StatusServiceUnavailable, err.Error())
		return
	case err != nil:
		// cleanup failed but the new worker already controls requests
		r.logger.Warn("activation cleanup failed", slog.Any("error", err))
	}
	r.writeJSON(w, http.StatusOK, r.describe(req.Context(), r.Controller()))
}

// WriteError renders a JSON error body.
func (r *Registration) WriteError(w http.ResponseWriter, status int, message string) {
	if status <= 0 {
		status = http.StatusInternalServerError
	}
	r.writeJSON(w, status, map[string]any{"error": message})
}

func (r *Registration) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		r.logger.Error("diagnostics encode failed", slog.Any("error", err))
	}
}
