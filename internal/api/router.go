package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/manpreetbhatti/coderoom/backend/internal/ws"
)

const maxBodyBytes = 16 * 1024

// Routes builds the HTTP surface: the REST endpoints, metrics and the
// websocket upgrade.
func (a *API) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(instrument)
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(requestLogger(a.logger))
	r.Use(chimw.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   a.cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", a.HealthHandler)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/ws", func(w http.ResponseWriter, r *http.Request) {
		ws.ServeWs(a.hub, w, r)
	})

	r.Route("/api", func(r chi.Router) {
		r.Use(chimw.RequestSize(maxBodyBytes))

		r.Get("/stats", a.StatsHandler)
		r.Post("/rooms/quick", a.CreateQuickRoomHandler)
		r.Post("/rooms/custom", a.CreateCustomRoomHandler)
		r.Get("/rooms/{code}/joinable", a.JoinableHandler)
		r.Post("/rooms/{code}/join", a.JoinRoomHandler)
		r.Delete("/rooms/{code}", a.DestroyRoomHandler)
	})

	return r
}
