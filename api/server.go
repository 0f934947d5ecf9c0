/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route
  definitions. This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. Metrics:    Latency histograms per route
  5. CORS:       Cross-origin requests for frontend

ROUTE GROUPS:
  /api/requests/*   Purchase request lifecycle
  /api/users/*      Balances, history, deposits/withdrawals
  /api/admin/*      Operational endpoints
  /metrics          Prometheus scrape target
  /health           Liveness probe

SECURITY NOTE:
  No authentication middleware currently. All endpoints are public.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(metricsMiddleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	// API routes
	r.Route("/api", func(r chi.Router) {
		// Purchase request lifecycle
		r.Route("/requests", func(r chi.Router) {
			r.Post("/", h.CreateRequest)
			r.Get("/{id}", h.GetRequest)
			r.Post("/{id}/accept", h.AcceptRequest)
			r.Post("/{id}/reject", h.RejectRequest)
			r.Post("/{id}/confirm", h.ConfirmRequest)
		})

		// User balances and history
		r.Route("/users/{id}", func(r chi.Router) {
			r.Get("/requests", h.ListUserRequests)
			r.Get("/balance", h.GetBalance)
			r.Get("/transactions", h.GetTransactions)
			r.Get("/audit", h.AuditBalance)
			r.Post("/deposits", h.Deposit)
			r.Post("/withdrawals", h.Withdraw)
		})

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Post("/sweep", h.TriggerSweep)
		})
	})

	// Operational endpoints
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/health", h.Health)

	return r
}
