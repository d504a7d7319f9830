package router

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"magicwork-backend/internal/handlers"
	"magicwork-backend/internal/middleware"
	"magicwork-backend/internal/websocket"
)

type Options struct {
	AllowedOrigins     []string
	RateLimitPerMinute int
	// RequestLogging toggles chi's request logger; tests turn it off.
	RequestLogging bool
}

// New builds the HTTP surface. wsHub may be nil when Redis is not
// configured, in which case the push endpoint is not mounted.
func New(
	jwtAuth *middleware.JWTAuth,
	usageHandler *handlers.UsageTrackingHandler,
	healthHandler *handlers.HealthHandler,
	wsHub *websocket.Hub,
	opts Options,
) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	if opts.RequestLogging {
		r.Use(chimiddleware.Logger)
	}
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS(opts.AllowedOrigins))
	r.Use(jwtAuth.OptionalMiddleware)

	r.NotFound(handlers.NotFound)
	r.MethodNotAllowed(handlers.MethodNotAllowed)

	// Heartbeats arrive every 30s per client; the limit only guards
	// against runaway loops.
	writeLimiter := middleware.RateLimit(opts.RateLimitPerMinute, time.Minute)

	r.Get("/health", healthHandler.Health)

	mount := func(r chi.Router) {
		r.Get("/usage-tracking", usageHandler.Get)
		r.With(writeLimiter).Post("/usage-tracking", usageHandler.Post)
		r.Options("/usage-tracking", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
		if wsHub != nil {
			r.Get("/usage-tracking/ws", wsHub.HandleWebSocket)
		}
	}

	mount(r)
	r.Route("/api", func(r chi.Router) {
		r.Get("/health", healthHandler.Health)
		mount(r)
	})

	return r
}
