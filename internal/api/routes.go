package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jonboulle/clockwork"

	"github.com/mrwolf/anchor-server/internal/config"
	"github.com/mrwolf/anchor-server/internal/engine"
)

// Deps are the collaborators the HTTP surface serves
type Deps struct {
	Engine *engine.Engine
	// Stream serves the in-app banner websocket; nil disables the route
	Stream http.Handler
	Clock  clockwork.Clock
}

func NewRouter(cfg *config.Config, deps Deps) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(LoggingMiddleware)

	origins := cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	handlers := NewHandlers(deps.Engine, deps.Clock)
	limiter := NewRateLimiter(cfg.RateLimit, time.Minute, deps.Clock)

	// Public endpoints
	r.Get("/health", handlers.Health)

	// API v1 routes (authenticated)
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(AuthMiddleware(cfg))
		r.Use(RateLimitMiddleware(limiter))

		if deps.Stream != nil {
			r.Handle("/stream", deps.Stream)
		}

		r.Group(func(r chi.Router) {
			r.Use(JSONContentType)

			r.Post("/signals", handlers.PostSignal)
			r.Get("/signals", handlers.GetSignals)
			r.Get("/assessment", handlers.Assessment)
			r.Get("/patterns", handlers.Patterns)
			r.Get("/recommendations", handlers.Recommendations)
			r.Post("/outcomes", handlers.PostOutcome)
			r.Post("/performance", handlers.PostPerformance)
			r.Get("/preferences", handlers.GetPreferences)
			r.Put("/preferences", handlers.PutPreferences)
			r.Get("/notifications", handlers.Notifications)
			r.Post("/notifications/{id}/dismiss", handlers.Dismiss)
			r.Post("/pass", handlers.RunPass)
			r.Get("/catalog", handlers.Catalog)
		})
	})

	return r
}
