// Package api is the local HTTP control surface of the supervisor.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/plapperkasten/internal/event"
	"github.com/mattjoyce/plapperkasten/internal/feed"
	"github.com/mattjoyce/plapperkasten/internal/keymap"
	"github.com/mattjoyce/plapperkasten/internal/metrics"
	"github.com/mattjoyce/plapperkasten/internal/supervisor"
)

// Supervisor is the part of the supervisor the API reads and feeds.
type Supervisor interface {
	Status() supervisor.Status
	Inject(ev event.Event) error
}

// EventMap is the map the API administers.
type EventMap interface {
	Entries() map[string]keymap.Item
	GetEvent(key string) (event.Event, error)
	UpdateEvent(key, name string, values []string, params map[string]string) error
	RemoveEvent(key string) error
	Delimiter() string
	Fingerprint() string
}

// Config holds API server configuration.
type Config struct {
	Listen string
	// Token, when set, is required as a bearer token on every route that
	// changes something.
	Token string
}

// Server serves status, metrics, the event feed and map administration.
type Server struct {
	config    Config
	sup       Supervisor
	eventmap  EventMap
	hub       *feed.Hub
	metrics   *metrics.Metrics
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time

	// mapMu serialises map writers; the map file has no locking of its own.
	mapMu sync.Mutex
}

// New creates a server. hub and m may be nil.
func New(config Config, sup Supervisor, em EventMap, hub *feed.Hub, m *metrics.Metrics, logger *slog.Logger) *Server {
	if hub == nil {
		hub = feed.NewHub(0)
	}
	return &Server{
		config:    config,
		sup:       sup,
		eventmap:  em,
		hub:       hub,
		metrics:   m,
		logger:    logger,
		startedAt: time.Now(),
	}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.config.Listen,
		Handler:           s.setupRoutes(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/status", s.handleStatus)
	r.Get("/events", s.handleEvents)
	r.Get("/eventmap", s.handleListMap)
	r.Get("/eventmap/{key}", s.handleGetMap)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler())
	}

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Put("/eventmap/{key}", s.handlePutMap)
		r.Delete("/eventmap/{key}", s.handleDeleteMap)
		r.Post("/raw/{key}", s.handleRaw)
	})

	return r
}

// loggingMiddleware logs and measures HTTP requests.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		s.metrics.ObserveHTTP(route, r.Method, ww.Status(), time.Since(start))
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
