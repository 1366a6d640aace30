package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/nerrad567/gray-logic-crestron/internal/auth"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID, echoRequestID, middleware.RealIP)
	r.Use(s.accessLog, s.recoverer, s.cors)
	r.Use(middleware.RequestSize(maxRequestBodySize))

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeNotFound(w, "no route for "+r.URL.Path)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, r.Method+" not allowed on "+r.URL.Path)
	})

	if s.metrics != nil {
		r.Handle(s.metricsPath, s.metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		// Health check (no auth required)
		r.Get("/health", s.handleHealth)

		// Protected routes
		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			r.Group(func(r chi.Router) {
				r.Use(requirePermission(auth.PermAccessoryRead))

				r.Get("/accessories", s.handleListAccessories)
				r.Route("/accessories/{kind}/{id}", func(r chi.Router) {
					r.Get("/", s.handleGetAccessory)
					r.Get("/history", s.handleGetHistory)
					r.Get("/characteristics/{name}", s.handleGetCharacteristic)
					r.With(requirePermission(auth.PermAccessoryOperate)).
						Put("/characteristics/{name}", s.handleSetCharacteristic)
				})

				r.Get("/ws", s.handleWebSocket)
			})

			r.Group(func(r chi.Router) {
				r.Use(requirePermission(auth.PermSystemAdmin))

				r.Get("/system/status", s.handleSystemStatus)
				r.Get("/audit", s.handleListAudit)
			})
		})
	})

	return r
}
