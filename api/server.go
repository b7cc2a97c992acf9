/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     Request logging
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for the admin UI

ROUTE GROUPS:
  /api/routines/*     Live routines and exercises
  /api/exercises/*    Completion
  /api/sync/*         Post-insert hook
  /api/maintenance/*  Transfer, prune, dedupe, scheduler
  /api/partitions/*   Tombstones and counts
  /metrics            Prometheus scrape endpoint

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/routined/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, allowedOrigins []string) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		AllowCredentials: false,
	}))

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Route("/routines", func(r chi.Router) {
			r.Get("/", h.ListRoutines)
			r.Post("/", h.CreateRoutine)
			r.Get("/{id}", h.GetRoutine)
			r.Post("/{id}/exercises", h.AddExercise)
			r.Post("/{id}/reset", h.ResetSession)
		})

		r.Route("/exercises", func(r chi.Router) {
			r.Post("/{id}/done", h.MarkDone)
			r.Post("/{id}/undo", h.UnmarkDone)
		})

		r.Post("/sync/inserts", h.SyncInserts)

		r.Route("/maintenance", func(r chi.Router) {
			r.Post("/transfer", h.Transfer)
			r.Post("/clean", h.Clean)
			r.Post("/dedupe", h.Dedupe)
			r.Post("/run", h.RunMaintenance)
			r.Get("/last", h.LastMaintenance)
		})

		r.Route("/partitions/{partition}", func(r chi.Router) {
			r.Get("/counts", h.Counts)
			r.Post("/routine-runs/{id}/remove", h.RemoveRoutineRun)
			r.Post("/exercise-runs/{id}/remove", h.RemoveExerciseRun)
		})
	})

	return r
}
