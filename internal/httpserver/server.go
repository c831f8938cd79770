// Package httpserver exposes the admin REST API for the credit ledger.
package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kivzcu/openwebui-credit-system/internal/credit"
	"github.com/kivzcu/openwebui-credit-system/internal/health"
	"github.com/kivzcu/openwebui-credit-system/internal/ledger"
	"github.com/kivzcu/openwebui-credit-system/internal/metrics"
	"github.com/kivzcu/openwebui-credit-system/internal/ratelimit"
	"github.com/kivzcu/openwebui-credit-system/internal/upstream"
)

// Server exposes REST endpoints over the credit service. It is a thin layer:
// validation and JSON mapping live here, semantics live in the service and
// the ledger store.
type Server struct {
	service *credit.Service
	syncer  *upstream.Syncer
	// upstreamDB is the Open WebUI database passed to the syncer; empty
	// disables the sync endpoint.
	upstreamDB string

	checker   *health.Checker
	collector *metrics.Collector
	limiter   *ratelimit.Limiter
}

// New returns a Server over svc. syncer and upstreamDB may be zero when the
// deployment has no upstream to import from.
func New(svc *credit.Service, syncer *upstream.Syncer, upstreamDB string) *Server {
	return &Server{service: svc, syncer: syncer, upstreamDB: upstreamDB}
}

// SetHealthChecker enables the detailed /health report.
func (s *Server) SetHealthChecker(c *health.Checker) {
	s.checker = c
}

// SetMetrics enables request counting and the /metrics endpoint.
func (s *Server) SetMetrics(c *metrics.Collector) {
	s.collector = c
}

// SetRateLimiter enables per-client request limiting on the API routes.
func (s *Server) SetRateLimiter(l *ratelimit.Limiter) {
	s.limiter = l
}

// Router builds the chi router with all admin routes mounted.
func (s *Server) Router() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	if s.collector != nil {
		r.Use(s.countRequests)
	}

	r.Get("/health", s.handleHealth)
	if s.collector != nil {
		r.Get("/metrics", s.collector.Handler())
	}

	r.Route("/api", func(r chi.Router) {
		if s.limiter != nil {
			r.Use(s.limiter.Middleware)
		}

		r.Get("/users", s.handleListUsers)
		r.Get("/users/{id}", s.handleGetUser)
		r.Delete("/users/{id}", s.handleDeleteUser)
		r.Put("/users/{id}/balance", s.handleSetBalance)
		r.Post("/users/{id}/adjust", s.handleAdjustBalance)
		r.Get("/users/{id}/transactions", s.handleListUserTransactions)

		r.Get("/groups", s.handleListGroups)
		r.Put("/groups/{id}", s.handleUpsertGroup)

		r.Get("/models", s.handleListModels)
		r.Get("/models/{id}", s.handleGetModel)
		r.Put("/models/{id}", s.handleUpsertModel)

		r.Post("/usage", s.handleRecordUsage)
		r.Get("/transactions", s.handleListTransactions)

		r.Get("/reset/status", s.handleResetStatus)
		r.Post("/reset/trigger", s.handleTriggerReset)

		r.Post("/sync", s.handleSync)
		r.Get("/logs", s.handleListLogs)
	})
	return r
}

// countRequests records every request against its route pattern.
func (s *Server) countRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = r.URL.Path
		}
		s.collector.RecordRequest(route, ww.Status())
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.checker == nil {
		s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	report := s.checker.Check(r.Context())
	status := http.StatusOK
	if report.Status == health.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	s.respondJSON(w, status, report)
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, payload any) {
	if payload == nil {
		w.WriteHeader(status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) respondError(w http.ResponseWriter, status int, err error) {
	if err == nil {
		err = errors.New("unknown error")
	}
	s.respondJSON(w, status, map[string]any{"error": err.Error()})
}

// respondStoreError maps ledger sentinel errors onto HTTP statuses.
func (s *Server) respondStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		s.respondError(w, http.StatusNotFound, err)
	case errors.Is(err, ledger.ErrUnknownModel):
		s.respondError(w, http.StatusNotFound, err)
	case errors.Is(err, ledger.ErrModelUnavailable):
		s.respondError(w, http.StatusConflict, err)
	default:
		s.respondError(w, http.StatusInternalServerError, err)
	}
}
