// Package status serves the runtime's health, scheduler state and metrics
// over HTTP.
package status

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/timewinder-dev/greenrt/sched"
	"github.com/timewinder-dev/greenrt/snapshot"
)

// Source is the scheduler state the server reports on.
type Source interface {
	Stats() sched.Stats
	Snapshot() *snapshot.Snapshot
	CheckInvariants() error
}

type Server struct {
	router    chi.Router
	log       zerolog.Logger
	src       Source
	store     *snapshot.Store
	gatherer  prometheus.Gatherer
	startTime time.Time
}

// Option configures optional Server dependencies.
type Option func(*Server)

func WithLogger(l zerolog.Logger) Option {
	return func(s *Server) { s.log = l }
}

// WithSnapshots exposes stored scheduler snapshots by hash.
func WithSnapshots(st *snapshot.Store) Option {
	return func(s *Server) { s.store = st }
}

// WithGatherer serves /metrics from g instead of the default registry.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

func New(src Source, opts ...Option) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		log:       log.Logger.With().Str("component", "status").Logger(),
		src:       src,
		gatherer:  prometheus.DefaultGatherer,
		startTime: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	r := s.router
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(loggingMiddleware(s.log))

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	r.Route("/debug/sched", func(r chi.Router) {
		r.Get("/", s.handleSched)
		r.Get("/snapshot", s.handleSnapshot)
		r.Get("/snapshots/{hash}", s.handleStoredSnapshot)
	})
}
