// Package http wires the endpoint handlers into the service router.
package http

import (
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/quickgig/auth-service/internal/auth"
	"github.com/quickgig/auth-service/internal/http/handlers"
	"github.com/quickgig/auth-service/internal/middleware"
)

// NewRouter creates the HTTP router with all routes configured.
func NewRouter(authHandler *handlers.AuthHandler, healthHandler *handlers.HealthHandler, tokens *auth.TokenService) *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)

	r.Get("/health", healthHandler.ServeHTTP)

	r.Route("/auth", func(r chi.Router) {
		// Per-IP caps across all phones; the per-phone SMS limit lives in
		// the service layer.
		r.With(middleware.IPRateLimit(10*time.Minute, 10)).
			Post("/send_code", authHandler.HandleSendCode)
		r.With(middleware.IPRateLimit(10*time.Minute, 20)).
			Post("/verify_code", authHandler.HandleVerifyCode)
		r.Post("/refresh", authHandler.HandleRefresh)
		r.Post("/logout", authHandler.HandleLogout)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Auth(tokens))
			r.Post("/select_type", authHandler.HandleSelectType)
			r.Post("/logout_all", authHandler.HandleLogoutAll)
		})
	})

	r.Group(func(r chi.Router) {
		r.Use(middleware.Auth(tokens))
		r.Get("/me", authHandler.HandleMe)
	})

	return r
}
