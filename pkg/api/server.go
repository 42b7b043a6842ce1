// Package api is the HTTP front door: one uploaded payload in, one
// correlated outcome (or a timeout) out.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/psantana5/recogpool/pkg/auth"
	"github.com/psantana5/recogpool/pkg/dispatch"
	"github.com/psantana5/recogpool/pkg/logging"
	"github.com/psantana5/recogpool/pkg/models"
	"github.com/psantana5/recogpool/pkg/ratelimit"
	"github.com/psantana5/recogpool/pkg/storage"
	"github.com/psantana5/recogpool/pkg/tracing"
)

// FormField is the multipart field carrying the payload
const FormField = "inputFile"

// Submitter is the dispatch side of the front door
type Submitter interface {
	SubmitAndAwait(ctx context.Context, name string, payload []byte, timeout time.Duration) (models.Result, error)
	Lookup(ctx context.Context, jobID string) (string, error)
}

// PoolObserver reports the current pool state
type PoolObserver interface {
	Pool(ctx context.Context) (models.PoolSnapshot, error)
}

// Config configures the front door handler
type Config struct {
	// MaxUploadBytes caps the payload size (default 32 MiB)
	MaxUploadBytes int64
	// MaxTimeout caps the per-request ?timeout= override
	MaxTimeout time.Duration

	Auth    *auth.Authenticator
	Limiter *ratelimit.Limiter
	Tracer  *tracing.Provider
	Logger  *logging.Logger
}

// Handler serves the front door routes
type Handler struct {
	submitter Submitter
	pool      PoolObserver
	cfg       Config
	logger    *logging.Logger
	started   time.Time
}

// NewHandler creates a handler. pool may be nil when this process does not
// run the autoscaler.
func NewHandler(s Submitter, pool PoolObserver, cfg Config) *Handler {
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 32 << 20
	}
	if cfg.MaxTimeout <= 0 {
		cfg.MaxTimeout = 15 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	return &Handler{
		submitter: s,
		pool:      pool,
		cfg:       cfg,
		logger:    cfg.Logger.WithField("component", "api"),
		started:   time.Now(),
	}
}

// RegisterRoutes registers all front door routes
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/", h.Submit).Methods("POST")
	r.HandleFunc("/results/{id}", h.GetResult).Methods("GET")
	r.HandleFunc("/pool", h.GetPool).Methods("GET")
	r.HandleFunc("/health", h.Health).Methods("GET")
}

// Router builds the router with tracing, rate limiting and auth applied
func (h *Handler) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(tracing.HTTPMiddleware(h.cfg.Tracer))
	if h.cfg.Limiter != nil {
		r.Use(h.cfg.Limiter.Middleware(ratelimit.IPKeyFunc))
	}
	if h.cfg.Auth.Enabled() {
		r.Use(h.cfg.Auth.Middleware("/health"))
	}
	h.RegisterRoutes(r)
	return r
}

// Submit accepts a multipart upload and blocks until its outcome is known.
// The response is "<stem>:<outcome>" as text/plain.
func (h *Handler) Submit(w http.ResponseWriter, r *http.Request) {
	timeout, err := h.requestTimeout(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxUploadBytes+1<<20)
	file, header, err := r.FormFile(FormField)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "Payload too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, fmt.Sprintf("Missing %s: %v", FormField, err), http.StatusBadRequest)
		return
	}
	defer file.Close()

	payload, err := io.ReadAll(io.LimitReader(file, h.cfg.MaxUploadBytes+1))
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to read upload: %v", err), http.StatusBadRequest)
		return
	}
	if int64(len(payload)) > h.cfg.MaxUploadBytes {
		http.Error(w, "Payload too large", http.StatusRequestEntityTooLarge)
		return
	}
	if len(payload) == 0 {
		http.Error(w, "Empty payload", http.StatusBadRequest)
		return
	}

	res, err := h.submitter.SubmitAndAwait(r.Context(), header.Filename, payload, timeout)
	switch {
	case errors.Is(err, dispatch.ErrDispatchTimeout):
		http.Error(w, err.Error(), http.StatusGatewayTimeout)
		return
	case errors.Is(err, context.Canceled):
		h.logger.Info("Client went away before the result", logging.Fields{"file": header.Filename})
		return
	case err != nil:
		h.logger.Error("Dispatch failed", logging.Fields{"file": header.Filename, "error": err})
		http.Error(w, "Dispatch failed", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Job-ID", res.JobID)
	w.Header().Set("X-Latency", res.Latency.String())
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "%s:%s", models.Stem(header.Filename), res.Outcome)
}

func (h *Handler) requestTimeout(r *http.Request) (time.Duration, error) {
	raw := r.URL.Query().Get("timeout")
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		secs, serr := strconv.Atoi(raw)
		if serr != nil {
			return 0, fmt.Errorf("invalid timeout %q", raw)
		}
		d = time.Duration(secs) * time.Second
	}
	if d <= 0 {
		return 0, fmt.Errorf("timeout must be positive")
	}
	if d > h.cfg.MaxTimeout {
		d = h.cfg.MaxTimeout
	}
	return d, nil
}

// GetResult returns a stored outcome, e.g. one that arrived after a timeout
func (h *Handler) GetResult(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["id"]
	if err := storage.ValidateKey(jobID); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	outcome, err := h.submitter.Lookup(r.Context(), jobID)
	if errors.Is(err, storage.ErrNotFound) {
		http.Error(w, "Result not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.logger.Error("Result lookup failed", logging.Fields{"job_id": jobID, "error": err})
		http.Error(w, "Result lookup failed", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, outcome)
}

// GetPool returns the autoscaler's view of the pool
func (h *Handler) GetPool(w http.ResponseWriter, r *http.Request) {
	if h.pool == nil {
		http.Error(w, "Pool observation is not enabled on this server", http.StatusNotFound)
		return
	}
	snap, err := h.pool.Pool(r.Context())
	if err != nil {
		h.logger.Error("Pool observation failed", logging.Fields{"error": err})
		http.Error(w, "Pool observation failed", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// Health reports liveness
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "healthy",
		"uptime": time.Since(h.started).Round(time.Second).String(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// NewHTTPServer wraps handler with timeouts that leave room for a full
// dispatch wait.
func NewHTTPServer(addr string, handler http.Handler, dispatchTimeout time.Duration) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       2 * time.Minute,
		WriteTimeout:      dispatchTimeout + time.Minute,
		IdleTimeout:       2 * time.Minute,
	}
}
