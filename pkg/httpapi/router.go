package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// NewRouter wires the REST API. ws, when non-nil, is mounted at /ws.
func NewRouter(h *Handler, ws http.Handler, logger zerolog.Logger) *chi.Mux {
	r := chi.NewRouter()

	r.Use(Metrics)
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(Logger(logger))
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/health", h.Health)
	if ws != nil {
		r.Handle("/ws", ws)
	}

	r.Route("/api", func(r chi.Router) {
		if h.devLogin {
			r.Post("/login", h.Login)
		}

		r.Group(func(r chi.Router) {
			r.Use(h.issuer.Middleware)

			r.Get("/rooms", h.ListRooms)
			r.Post("/rooms", h.CreateRoom)
			r.Route("/rooms/{id}", func(r chi.Router) {
				r.Get("/", h.GetRoom)
				r.Get("/messages", h.History)
				r.Get("/key", h.RoomKey)
				r.Post("/members", h.AddMembers)
				r.Post("/leave", h.Leave)
				r.Post("/kick", h.Kick)
				r.Post("/admins", h.SetAdmin)
				r.Get("/admin-check", h.AdminCheck)
				r.Put("/name", h.Rename)
				r.Post("/pin", h.Pin)
				r.Post("/mute", h.Mute)
				r.Post("/uploads", h.Upload)
			})
			r.Get("/files/{name}", h.ServeFile)
			r.Put("/messages/{id}", h.EditMessage)
			r.Delete("/messages/{id}", h.DeleteMessage)
			r.Get("/search", h.Search)
			r.Get("/users/online", h.OnlineUsers)
		})
	})

	return r
}

// Health reports whether the database answers.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	if err := h.db.PingContext(ctx); err != nil {
		h.log.Warn().Err(err).Msg("health check")
		h.JSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
		return
	}
	h.JSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}
