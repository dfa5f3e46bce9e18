package routes

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/fieldline/ems-auth/app"
	"github.com/fieldline/ems-auth/handlers"
	"github.com/fieldline/ems-auth/middleware"
)

// SetupRoutes configures all application routes and middleware
func SetupRoutes(deps *app.Dependencies) http.Handler {
	r := chi.NewRouter()

	// Core middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(60 * time.Second))

	// CORS middleware
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   deps.Config.Server.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", middleware.TenantHeader},
		ExposedHeaders:   []string{"Link", "X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check endpoints
	r.Get("/healthz", deps.HealthHandler.HandleHealth)
	r.Get("/readyz", deps.HealthHandler.HandleReadiness)

	// Auth endpoints
	r.Route("/auth", func(r chi.Router) {
		// Public routes
		r.Post("/register", deps.AuthHandler.Register)
		r.Post("/login", deps.AuthHandler.Login)
		r.Post("/person-register", deps.AuthHandler.PersonRegister)
		r.Post("/person-login", deps.AuthHandler.PersonLogin)
		r.Post("/refresh", deps.AuthHandler.Refresh)

		// OAuth federation
		r.Post("/oauth/url", deps.AuthHandler.OAuthURL)
		r.Post("/oauth/callback", deps.AuthHandler.OAuthCallback)
		r.Post("/oauth/register/internal", deps.AuthHandler.OAuthRegister)

		// Routes that require a bearer token. Pending tokens pass
		// RequireAuth, so tenant join and create work for persons
		// that have not picked a tenant yet.
		r.Group(func(r chi.Router) {
			r.Use(deps.AuthMiddleware.RequireAuth)
			r.Post("/join-tenant", deps.AuthHandler.JoinTenant)
			r.Post("/create-tenant", deps.AuthHandler.CreateTenant)
			// Logout also checks the X-Tenant-ID header against the
			// token before the service revokes the session
			r.With(deps.AuthMiddleware.RequireTenantHeader).Post("/logout", deps.AuthHandler.Logout)
			r.Get("/me", handlers.MeHandler())
		})
	})

	// 404 handler
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"endpoint not found"}`))
	})

	return r
}
