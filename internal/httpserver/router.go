package httpserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/relicta-tech/promoter/internal/httpserver/middleware"
)

// setupRouter configures the Chi router with all routes and middleware.
func (s *Server) setupRouter() chi.Router {
	r := chi.NewRouter()

	var recorder middleware.RequestRecorder
	if s.metrics != nil {
		recorder = s.metrics
	}

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Logger(recorder))
	r.Use(chimw.Recoverer)
	r.Use(middleware.SecurityHeaders())
	if len(s.config.AllowedOrigins) > 0 {
		r.Use(s.corsMiddleware())
	}

	// Unauthenticated
	r.Get("/health", s.api.Health)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.RateLimit(s.limiter, 60))
		r.Use(middleware.Auth(s.config.Token, s.config.ReviewerTokens))

		r.Get("/health", s.api.Health)
		r.Get("/events", s.wsHub.HandleConnection)

		r.Route("/runs", func(r chi.Router) {
			r.Get("/", s.api.ListRuns)
			r.Post("/", s.api.CreateRun)
			r.Get("/{id}", s.api.GetRun)
			r.Post("/{id}/cancel", s.api.CancelRun)
		})

		r.Route("/approvals", func(r chi.Router) {
			r.Get("/pending", s.api.ListPendingApprovals)
			r.Post("/{id}/approve", s.api.ApproveRun)
			r.Post("/{id}/reject", s.api.RejectRun)
		})

		r.Get("/ledger", s.api.ListLedger)
	})

	return r
}

// corsMiddleware returns configured CORS middleware.
func (s *Server) corsMiddleware() func(http.Handler) http.Handler {
	return cors.Handler(cors.Options{
		AllowedOrigins:   s.config.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", middleware.UserHeader},
		ExposedHeaders:   []string{"Location", "X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	})
}
