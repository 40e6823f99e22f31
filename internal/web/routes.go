package web

import (
	"github.com/go-chi/chi/v5"

	"github.com/mirelabs/dermatrack/internal/web/handlers"
	"github.com/mirelabs/dermatrack/internal/web/middleware"
)

func (s *Server) setupRoutes(service handlers.AnalysisService, records handlers.RecordReader) {
	analysisHandler := handlers.NewAnalysisHandler(service, records, s.logger)

	// Health check (no auth required)
	s.router.Get("/api/v1/health", handlers.HealthCheck)

	s.router.Route("/api/v1", func(r chi.Router) {
		// Initial analysis may come from an anonymous onboarding session.
		r.Post("/analysis", analysisHandler.Submit)
		r.Get("/analysis/{subjectID}", analysisHandler.Status)

		// Progress comparison needs a baseline, which needs an owner.
		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireOwner())
			r.Post("/analysis/progress", analysisHandler.Progress)
		})
	})
}
