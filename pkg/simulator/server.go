// Package simulator implements a small OPA-compatible policy service with
// the surrounding plumbing the verification probes exercise: a data API
// backed by a compiled policy bundle, a Prometheus metrics endpoint, a
// decision event pipeline with a live tail, and the log aggregator's
// GraphQL API.
package simulator

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/opsverify/opacheck/pkg/userinfo"
)

// DefaultBundleName labels the bundle-load counter when no name is
// configured.
const DefaultBundleName = "authz"

// Config holds the simulator configuration
type Config struct {
	// Set is the fixture set the directory is provisioned from.
	Set userinfo.FixtureSet

	// BundleName labels the bundle_loaded_counter series.
	BundleName string

	// CORSOrigins restricts browser access, all origins when empty.
	CORSOrigins []string
}

// Server is one simulated policy service instance.
type Server struct {
	cfg       Config
	directory *Directory
	engine    *Engine
	metrics   *serverMetrics
	hub       *EventHub
	pipeline  *Pipeline
}

// NewServer provisions the directory, compiles the policy bundle over it
// and records the bundle load.
func NewServer(cfg Config) (*Server, error) {
	if cfg.BundleName == "" {
		cfg.BundleName = DefaultBundleName
	}

	directory := NewDirectory(cfg.Set)
	data, err := directory.Data()
	if err != nil {
		return nil, err
	}

	engine, err := NewEngine(Modules(), data)
	if err != nil {
		return nil, fmt.Errorf("failed to load policy bundle: %w", err)
	}

	metrics := newServerMetrics()
	metrics.bundleLoaded.WithLabelValues(cfg.BundleName).Inc()

	hub := NewEventHub()

	log.Info().
		Str("backend", cfg.Set.Backend).
		Str("bundle", cfg.BundleName).
		Int("users", len(directory.Records())).
		Msg("policy bundle loaded")

	return &Server{
		cfg:       cfg,
		directory: directory,
		engine:    engine,
		metrics:   metrics,
		hub:       hub,
		pipeline:  NewPipeline(hub),
	}, nil
}

// Run drives the background loops until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.hub.Run(gCtx)
		return nil
	})

	g.Go(func() error {
		s.pipeline.Run(gCtx)
		return nil
	})

	// Update tail connection gauge periodically
	g.Go(func() error {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-gCtx.Done():
				return nil
			case <-ticker.C:
				s.metrics.tailConnections.Set(float64(s.hub.ClientCount()))
			}
		}
	})

	return g.Wait()
}

// Router serves the policy service API
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(correlationIDMiddleware)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(s.metrics.requestsMiddleware)

	// CORS
	origins := s.cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Correlation-ID", "X-Request-ID"},
		ExposedHeaders: []string{"X-Correlation-ID", "X-Request-ID"},
		MaxAge:         300,
	}))

	// Health check
	r.Get("/health", s.handleHealth)

	// Prometheus metrics
	r.Handle("/metrics", s.metrics.handler())

	// Data API
	r.Route("/v1", func(r chi.Router) {
		r.Get("/data", s.handleData)
		r.Post("/data", s.handleData)
		r.Get("/data/*", s.handleData)
		r.Post("/data/*", s.handleData)

		// Decision event tail
		r.Handle("/events", s.hub)
	})

	return r
}

// MetricsRouter serves the standalone metrics listener
func (s *Server) MetricsRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", s.metrics.handler())

	return r
}

// AggregatorRouter serves the log aggregator's GraphQL API
func (s *Server) AggregatorRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	agg := &aggregatorHandler{pipeline: s.pipeline}
	r.Post("/graphql", agg.handleQuery)
	r.Get("/health", s.handleHealth)

	return r
}

// correlationIDMiddleware adds a correlation ID to each request
func correlationIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		correlationID := r.Header.Get("X-Correlation-ID")
		if correlationID == "" {
			correlationID = uuid.New().String()
		}

		ctx := WithCorrelationID(r.Context(), correlationID)
		w.Header().Set("X-Correlation-ID", correlationID)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requestLogger logs each HTTP request
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		duration := time.Since(start)
		correlationID := GetCorrelationID(r.Context())

		log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration", duration).
			Str("correlation_id", correlationID).
			Str("remote_addr", r.RemoteAddr).
			Msg("HTTP request")
	})
}
