package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"snapcue/internal/config"
)

// Server wires the registration and schedule endpoints onto a chi router.
type Server struct {
	router      chi.Router
	registry    Registry
	schedule    Schedule
	manifests   ManifestSource
	validate    *validator.Validate
	minLeadTime time.Duration
	logger      *slog.Logger
	now         func() time.Time
}

// NewServer creates a Server and mounts its routes.
func NewServer(cfg *config.Config, registry Registry, schedule Schedule, manifests ManifestSource, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		router:      chi.NewRouter(),
		registry:    registry,
		schedule:    schedule,
		manifests:   manifests,
		validate:    validator.New(),
		minLeadTime: cfg.Scheduler.MinLeadTime,
		logger:      logger,
		now:         time.Now,
	}
	s.mountRoutes(cfg.Server.AdminAPIKey)
	return s
}

// Handler returns the root http.Handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// mountRoutes registers middleware (outermost first) and the v1 routes.
// Registration is admin-only; schedule management authenticates implicitly
// through the tenant's stored credential when it touches the remote API.
func (s *Server) mountRoutes(adminKey config.SecretString) {
	s.router.Use(Recoverer(s.logger))
	s.router.Use(RequestID)
	s.router.Use(RequestLogger(s.logger))

	s.router.Route("/v1", func(r chi.Router) {
		r.With(AdminAuth(adminKey)).Post("/tenants", s.handleRegister)

		r.Route("/tenants/{org}/{site}", func(r chi.Router) {
			r.Get("/schedule", s.handleGetSchedule)
			r.Put("/schedule/{snapshotID}", s.handleScheduleSnapshot)
			r.Delete("/schedule/{snapshotID}", s.handleCancelSchedule)
		})
	})

	s.router.Get("/health", s.handleHealth)
}

// handleHealth is the load balancer probe.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	JSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
}
