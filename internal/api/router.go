package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	if s.metrics != nil {
		r.Handle("/metrics", s.metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		// Health check (no auth required)
		r.Get("/health", s.handleHealth)

		// WebSocket (auth via ticket, validated in handler)
		r.Get("/ws", s.handleWebSocket)

		// Protected routes
		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			r.Post("/auth/ws-ticket", s.handleWSTicket)
			r.With(s.requireAdmin).Post("/auth/tokens", s.handleIssueToken)

			r.Route("/leases", func(r chi.Router) {
				r.Get("/", s.handleListLeases)
				r.Post("/", s.handleAcquireLease)

				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", s.handleGetLease)
					r.Delete("/", s.handleReleaseLease)
					r.Post("/renew", s.handleRenewLease)
					r.Post("/heartbeat", s.handleHeartbeat)
					r.Put("/keepalive", s.handleSetKeepAlive)
				})
			})

			r.Route("/devices", func(r chi.Router) {
				r.Get("/", s.handleListDevices)

				r.Route("/{mac}", func(r chi.Router) {
					r.Get("/", s.handleGetDevice)
					r.Get("/status", s.handleDeviceStatus)
					r.Get("/properties", s.handleDeviceProperties)
					r.With(s.requireAdmin).Post("/reconcile", s.handleReconcileDevice)
				})
			})

			r.With(s.requireAdmin).Post("/catalog/refresh", s.handleRefreshCatalog)
			r.Get("/accounts/{number}", s.handleGetAccount)
			r.Get("/events", s.handleListEvents)
		})
	})

	return r
}
