// Package server exposes the engine's HTTP API: work submission and
// inspection, the event log tail, health, and Prometheus metrics.
package server

import (
	"encoding/json"
	stderrors "errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/bobmcallan/animus/internal/common"
	"github.com/bobmcallan/animus/internal/errors"
	"github.com/bobmcallan/animus/internal/interfaces"
)

// Server wires the HTTP routes to the storage manager.
type Server struct {
	storage interfaces.StorageManager
	logger  *common.Logger
	limiter *rate.Limiter
}

// New creates a Server. A zero submit rate disables rate limiting.
func New(storage interfaces.StorageManager, logger *common.Logger, cfg common.ServerConfig) *Server {
	var limiter *rate.Limiter
	if cfg.SubmitRatePerSecond > 0 {
		burst := cfg.SubmitBurst
		if burst <= 0 {
			burst = int(cfg.SubmitRatePerSecond)
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.SubmitRatePerSecond), burst)
	}
	return &Server{storage: storage, logger: logger, limiter: limiter}
}

// Router builds the chi route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(s.recoverMiddleware)
	r.Use(s.logMiddleware)

	r.Route("/api", func(r chi.Router) {
		r.With(s.rateLimitMiddleware).Post("/work", s.handleSubmit)
		r.Get("/work", s.handleListWork)
		r.Get("/work/{id}", s.handleGetWork)
		r.Post("/work/{id}/cancel", s.handleCancelWork)
		r.Get("/work/{id}/logs", s.handleWorkLogs)
		r.Get("/work/{id}/provenance", s.handleWorkProvenance)
		r.Get("/events", s.handleEvents)
		r.Get("/health", s.handleHealth)
		r.Get("/version", s.handleVersion)
	})

	r.Handle("/metrics", promhttp.Handler())

	return r
}

// writeJSON writes a JSON response with the given status.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to encode response")
	}
}

// writeError maps the error taxonomy to HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.IsNotFound(err):
		status = http.StatusNotFound
	case errors.IsInvalidTransition(err):
		status = http.StatusConflict
	case isConfigError(err):
		status = http.StatusBadRequest
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func isConfigError(err error) bool {
	var ce *errors.ConfigError
	return stderrors.As(err, &ce)
}
