// Package httpapi serves the REST surface: login, history, recent
// conversations, deletion, read markers and presence queries.
package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/mahaj/dupahar-dm/pkg/auth"
)

// NewRouter creates and configures the HTTP router.
func NewRouter(logger zerolog.Logger, h *Handler, tokens *auth.Tokens) *chi.Mux {
	r := chi.NewRouter()

	r.Use(Metrics)
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(Logger(logger))
	r.Use(chimw.Recoverer)
	r.Use(chimw.RequestSize(16 << 10))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"X-RateLimit-Remaining"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.NotFound(notFound)

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/health", h.Health)
	r.Post("/login", h.Login)

	r.Group(func(r chi.Router) {
		r.Use(tokens.Middleware)
		r.Use(h.sendBudget)

		r.Get("/messages/{peer}", h.Messages)
		r.Get("/conversations", h.Conversations)
		r.Delete("/conversations/{peer}", h.DeleteConversation)
		r.Post("/conversations/{peer}/read", h.MarkRead)
		r.Get("/presence/{user}", h.Presence)
		r.Get("/stats", h.Stats)
	})

	return r
}

func notFound(w http.ResponseWriter, r *http.Request) {
	writeError(w, http.StatusNotFound, "not found")
}
