/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route
  definitions. This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. Instrument: Prometheus request latency
  5. CORS:       Cross-origin requests for frontend

ROUTE GROUPS:
  /api/auth/*           Login
  /api/members/*        Member views                (token required)
  /api/payments/*       Settlement workflow         (token required)
  /api/transactions/*   Journal                     (token required)
  /api/products/*       Catalog and selling         (token required)
  /api/admin/*          Reset and consistency check (token required)
  /metrics              Prometheus scrape endpoint
  /health               Liveness probe

SEE ALSO:
  - handlers.go: Handler implementations
  - middleware.go: Token validation
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
	r.Use(Instrument)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	// API routes
	r.Route("/api", func(r chi.Router) {
		// Auth routes (no token yet)
		r.Post("/auth/login", h.Login)

		// Everything else requires a session
		r.Group(func(r chi.Router) {
			r.Use(RequireAuth(h.JWT))

			// Member routes
			r.Route("/members", func(r chi.Router) {
				r.Get("/", h.ListMembers)
				r.Post("/", h.CreateMember)
				r.Get("/me", h.Me)
				r.Get("/{id}", h.GetMember)
			})

			// Payment workflow routes
			r.Route("/payments", func(r chi.Router) {
				r.Get("/pending-approvals", h.PendingApprovals)
				r.Post("/request-approval", h.RequestApproval)
				r.Post("/approve", h.ApprovePayment)
				r.Post("/reject", h.RejectPayment)
			})

			// Journal routes
			r.Route("/transactions", func(r chi.Router) {
				r.Get("/", h.ListTransactions)
				r.Get("/{id}", h.GetTransaction)
				r.Get("/member/{id}", h.MemberTransactions)
			})

			// Product routes
			r.Route("/products", func(r chi.Router) {
				r.Get("/", h.ListProducts)
				r.Post("/", h.CreateProduct)
				r.Get("/{id}", h.GetProduct)
				r.Put("/{id}", h.UpdateProduct)
				r.Delete("/{id}", h.DeleteProduct)
				r.Post("/{id}/sell", h.SellProduct)
			})

			// Admin routes
			r.Route("/admin", func(r chi.Router) {
				r.Post("/reset", h.ResetAll)
				r.Post("/members/{id}/reset", h.ResetMember)
				r.Get("/members/{id}/recompute", h.RecomputeProfit)
			})
		})
	})

	// Operational endpoints
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/health", h.Health)

	return r
}
