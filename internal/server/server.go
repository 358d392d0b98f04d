// Package server exposes master builds over a JSON REST API.
package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/etsy/jenkins-master-project/internal/config"
	"github.com/etsy/jenkins-master-project/internal/master"
)

// Server is the master build REST API server.
type Server struct {
	router    chi.Router
	logger    *slog.Logger
	config    config.ServerConfig
	startTime time.Time
	svc       *master.Service
	metrics   http.Handler // optional; served at /metrics
	hostName  string
}

// Option configures optional Server dependencies.
type Option func(*Server)

// WithMetricsHandler serves h at /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) {
		s.metrics = h
	}
}

// WithHostName names the host system in the health report.
func WithHostName(name string) Option {
	return func(s *Server) {
		s.hostName = name
	}
}

// New creates a new Server with all routes registered.
func New(cfg config.ServerConfig, svc *master.Service, logger *slog.Logger, opts ...Option) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		logger:    logger.With("component", "server"),
		config:    cfg,
		startTime: time.Now(),
		svc:       svc,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Handler returns the http.Handler for this server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	r := s.router

	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))

	if s.metrics != nil {
		r.Handle("/metrics", s.metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/", s.handleDiscovery)
		r.Get("/health", s.handleHealth)

		// Master projects
		r.Route("/projects", func(r chi.Router) {
			r.Get("/", s.handleListProjects)
			r.Route("/{name}", func(r chi.Router) {
				r.Get("/", s.handleGetProject)
				r.Post("/builds", s.handleTrigger)
				r.Get("/builds/{number}", s.handleGetMasterBuildByNumber)
				r.Get("/permalinks", s.handleListPermalinks)
			})
		})

		// Master builds
		r.Route("/masterbuilds", func(r chi.Router) {
			r.Get("/", s.handleListMasterBuilds)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetMasterBuild)
				r.Get("/latest", s.handleLatestBuilds)
				r.Post("/rebuild", s.handleRebuild)
				r.Put("/stop", s.handleStop)
				r.Get("/files/{param}/{filename}", s.handleGetFile)
			})
		})

		// Host-side project changes
		r.Route("/hostprojects", func(r chi.Router) {
			r.Post("/rename", s.handleRenameHostProject)
			r.Delete("/{name}", s.handleRemoveHostProject)
		})
	})
}
