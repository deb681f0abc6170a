package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/capitalize-ai/support-relay/internal/middleware"
	"github.com/capitalize-ai/support-relay/pkg/logger"
)

// RouterConfig carries the handlers and HTTP policy of the API.
type RouterConfig struct {
	Health        *HealthHandler
	Messages      *MessageHandler
	Conversations *ConversationHandler
	Streams       *StreamHandler
	Admin         *AdminHandler

	WebhookSecret    string
	EnforceSignature bool
	AdminToken       string
	RateLimit        int
	RateWindow       time.Duration

	Logger *logger.Logger
}

// NewRouter builds the API router.
func NewRouter(cfg RouterConfig) http.Handler {
	log := cfg.Logger
	if log == nil {
		log = logger.NewNop()
	}

	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(log))
	r.Use(middleware.SecurityHeaders)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS())

	// Health endpoints
	r.Get("/health", cfg.Health.Health)
	r.Get("/ready", cfg.Health.Ready)

	// Metrics endpoint
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/events", func(r chi.Router) {
		r.With(
			middleware.RateLimit(cfg.RateLimit, cfg.RateWindow),
			middleware.VerifySignature(cfg.WebhookSecret, cfg.EnforceSignature, log),
		).Post("/", cfg.Messages.Ingest)
		r.Get("/", cfg.Messages.List)
	})

	r.Route("/conversations", func(r chi.Router) {
		r.Get("/", cfg.Conversations.List)

		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", cfg.Conversations.Get)
			r.Put("/suggestions", cfg.Conversations.UpdateSuggestions)
			r.Get("/status", cfg.Conversations.GetStatus)
			r.Post("/status", cfg.Conversations.SetStatus)
			r.Post("/reply", cfg.Messages.Reply)

			// Streaming
			r.Get("/stream", cfg.Streams.Stream)
			r.Get("/ws", cfg.Streams.WebSocket)
		})
	})

	r.Get("/queue", cfg.Conversations.Queue)
	r.Get("/debug/trace", cfg.Admin.Trace)
	r.With(middleware.AdminToken(cfg.AdminToken)).Post("/admin/reset", cfg.Admin.Reset)

	return r
}
