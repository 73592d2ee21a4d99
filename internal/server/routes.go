// Package server wires HTTP handlers into a chi router.
package server

import (
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// routes builds the router: health and metrics are always served, the API
// and the push channel sit behind the readiness gate.
func (s *Server) routes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(recordMetrics)
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(requestLogger(s.logger))
	r.Use(chimw.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: currentConfig().AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
		MaxAge:         300,
	}))

	r.Get("/healthz", s.HealthHandler)
	r.Get("/readyz", s.ReadyHandler)
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(s.requireReady)

		r.HandleFunc("/ws", s.WebSocketHandler)

		r.Route("/api", func(r chi.Router) {
			r.Get("/members", s.ListMembers)
			r.Post("/members", s.CreateMember)
			r.Get("/conversations", s.ListConversations)
			r.Get("/messages/{conversationID}", s.GetMessages)
			r.Post("/messages", s.SendMessage)
			r.Post("/payloads", s.IngestPayload)
		})
	})

	return r
}
