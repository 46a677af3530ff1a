package main

import (
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/sshbox/sshbox/internal/handlers"
)

func newRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)

	r.Get("/health", handlers.HealthCheck)

	r.Post("/request", handlers.RequestSession)
	r.Get("/sessions", handlers.ListSessions)
	r.Post("/destroy", handlers.DestroySession)
	r.Get("/metrics", handlers.GetMetrics)
	r.Get("/audit", handlers.GetAuditLog)

	return r
}
