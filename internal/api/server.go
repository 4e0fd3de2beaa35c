package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/edvin/cronmaster/internal/api/handler"
	"github.com/edvin/cronmaster/internal/api/middleware"
	"github.com/edvin/cronmaster/internal/core"
)

// NewServer builds the REST router. The dispatcher's control surface comes
// in through the handler.Control interface so tests can fake it.
func NewServer(logger zerolog.Logger, services *core.Services, control handler.Control) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.Metrics)
	r.Use(requestLogger(logger))

	authHandler := handler.NewAuth(services)
	jobHandler := handler.NewJob(services, control)
	executionHandler := handler.NewExecution(services)
	statsHandler := handler.NewStats(services, control)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/auth/register", authHandler.Register)
		r.Post("/auth/login", authHandler.Login)
		r.Post("/auth/logout", authHandler.Logout)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Auth(services.User))

			r.Get("/auth/me", authHandler.Me)
			r.Get("/stats", statsHandler.Dashboard)
			r.Get("/scheduler/stats", statsHandler.Scheduler)
			r.Get("/executions/{executionID}", executionHandler.Get)

			r.Route("/jobs", func(r chi.Router) {
				r.Get("/", jobHandler.List)
				r.Post("/", jobHandler.Create)
				r.Route("/{jobID}", func(r chi.Router) {
					r.Get("/", jobHandler.Get)
					r.Put("/", jobHandler.Update)
					r.Delete("/", jobHandler.Delete)
					r.Post("/toggle", jobHandler.Toggle)
					r.Post("/trigger", jobHandler.Trigger)
					r.Get("/executions", jobHandler.ListExecutions)
				})
			})
		})
	})

	return r
}

// requestLogger emits one debug line per request.
func requestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r)
			logger.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Msg("request handled")
		})
	}
}
