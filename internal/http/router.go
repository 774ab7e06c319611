package http

import (
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/revisit/server/internal/auth"
	"github.com/revisit/server/internal/http/handlers"
	"github.com/revisit/server/internal/middleware"
)

// NewRouter creates a new HTTP router with all routes configured
func NewRouter(identifyHandler *handlers.IdentifyHandler, adminHandler *handlers.AdminHandler, jwtService *auth.JWTService) *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)

	healthHandler := handlers.NewHealthHandler()
	r.Get("/health", healthHandler.ServeHTTP)

	// Public resolution endpoint, rate limited per client IP
	identifyLimiter := middleware.NewRateLimiter(1*time.Minute, 120)
	r.Route("/v1", func(r chi.Router) {
		r.With(middleware.RateLimitMiddleware(identifyLimiter, middleware.GetIPKey)).
			Post("/identify", identifyHandler.HandleIdentify)

		r.Post("/admin/token", adminHandler.HandleToken)

		// Protected admin read API (require valid admin JWT)
		r.Group(func(r chi.Router) {
			r.Use(middleware.AdminAuthMiddleware(jwtService))
			r.Get("/admin/identities/{visitorID}", adminHandler.HandleGetIdentity)
			r.Get("/admin/identities/{visitorID}/events", adminHandler.HandleListEvents)
			r.Get("/admin/match-logs", adminHandler.HandleListMatchLogs)
		})
	})

	return r
}
