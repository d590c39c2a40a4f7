package worker

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// HeaderCache reports how shellcache answered a request.
const HeaderCache = "X-Shellcache"

// HandlerOptions configures NewHandler.
type HandlerOptions struct {
	Logger            *slog.Logger
	Metrics           Metrics
	CorrelationHeader string
}

// Handler routes browser requests through the registration's controller.
// Requests arriving before activation, and requests the controller does not
// intercept, go to the passthrough handler untouched.
type Handler struct {
	registration      *Registration
	passthrough       http.Handler
	logger            *slog.Logger
	metrics           Metrics
	correlationHeader string
}

// NewHandler wires a handler around the registration.
func NewHandler(reg *Registration, passthrough http.Handler, opts HandlerOptions) *Handler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	m := opts.Metrics
	if m == nil {
		m = noopMetrics{}
	}
	return &Handler{
		registration:      reg,
		passthrough:       passthrough,
		logger:            logger,
		metrics:           m,
		correlationHeader: strings.TrimSpace(opts.CorrelationHeader),
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	correlationID := h.correlationID(r)
	if h.correlationHeader != "" {
		r.Header.Set(h.correlationHeader, correlationID)
		w.Header().Set(h.correlationHeader, correlationID)
	}
	reqLogger := h.logger.With(slog.String("correlation_id", correlationID))

	ctrl := h.registration.Controller()
	if ctrl == nil {
		h.bypass(w, r, start)
		return
	}
	req := NewRequest(r, ctrl.Config().Origin)
	if !ctrl.Intercepts(req) {
		h.bypass(w, r, start)
		return
	}

	result, err := ctrl.Fetch(r.Context(), req)
	strategy := string(result.Route.Strategy)
	if err != nil {
		if errors.Is(err, ErrNotIntercepted) {
			h.bypass(w, r, start)
			return
		}
		status := http.StatusBadGateway
		reqLogger.Warn("intercepted request failed",
			slog.String("path", req.URL.Path),
			slog.String("route", result.Route.Name),
			slog.Any("error", err),
		)
		w.Header().Set(HeaderCache, string(SourceError))
		http.Error(w, http.StatusText(status), status)
		h.metrics.ObserveFetch(strategy, string(SourceError), status, time.Since(start))
		return
	}

	resp := result.Response
	header := w.Header()
	for name, values := range resp.Header {
		if h.correlationHeader != "" && strings.EqualFold(name, h.correlationHeader) {
			continue
		}
		header[name] = append([]string(nil), values...)
	}
	header.Set(HeaderCache, string(result.Source))
	header.Set("Content-Length", strconv.Itoa(len(resp.Body)))
	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	if _, err := w.Write(resp.Body); err != nil {
		reqLogger.Error("response write failed", slog.Any("error", err))
		return
	}

	duration := time.Since(start)
	reqLogger.Info("request served",
		slog.String("path", req.URL.Path),
		slog.String("source", string(result.Source)),
		slog.String("strategy", strategy),
		slog.String("route", result.Route.Name),
		slog.Bool("navigation", req.IsNavigation()),
		slog.Int("http_status", status),
		slog.Float64("latency_ms", float64(duration)/float64(time.Millisecond)),
	)
	h.metrics.ObserveFetch(strategy, string(result.Source), status, duration)
}

func (h *Handler) bypass(w http.ResponseWriter, r *http.Request, start time.Time) {
	w.Header().Set(HeaderCache, string(SourceBypass))
	rec := &statusRecorder{ResponseWriter: w}
	h.passthrough.ServeHTTP(rec, r)
	h.metrics.ObserveFetch("none", string(SourceBypass), rec.status(), time.Since(start))
}

func (h *Handler) correlationID(r *http.Request) string {
	if h.correlationHeader != "" {
		if candidate := strings.TrimSpace(r.Header.Get(h.correlationHeader)); candidate != "" {
			return candidate
		}
	}
	return uuid.NewString()
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (s *statusRecorder) WriteHeader(code int) {
	if s.code == 0 {
		s.code = code
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	if s.code == 0 {
		s.code = http.StatusOK
	}
	return s.ResponseWriter.Write(b)
}

func (s *statusRecorder) Unwrap() http.ResponseWriter { return s.ResponseWriter }

func (s *statusRecorder) status() int { return s.code }
