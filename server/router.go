package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Routes constructs the HTTP router with all auth endpoints.
func (a *App) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(a.Logger))
	r.Use(RecoveryMiddleware(a.Logger))
	r.Use(CORSMiddleware(a.Config.CORS))
	if !a.Config.Server.DevMode {
		r.Use(SecurityHeadersMiddleware(a.Config.Server.TLS.HSTSMaxAge))
	}

	r.Get("/healthz", a.handleHealth)

	r.Route("/auth", func(r chi.Router) {
		if a.Config.Server.DevMode {
			r.Post("/login", a.handleLogin)
		}
		r.Post("/refresh", a.handleRefresh)
		r.Get("/oidc/login", a.handleFederatedStart)
		r.Get("/oidc/callback", a.handleFederatedCallback)

		r.Group(func(r chi.Router) {
			r.Use(a.RequireAuth)
			r.Post("/logout", a.handleLogout)
			r.Get("/me", a.handleMe)
		})
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(a.RequireAuth)
		r.Use(a.RequireRoles("admin"))
		r.Post("/revoke", a.handleAdminRevoke)
	})

	return r
}
