package simulator

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// serverMetrics holds the simulator's Prometheus metrics. Each server owns
// its registry so several simulators can run in one process.
type serverMetrics struct {
	registry *prometheus.Registry

	bundleLoaded    *prometheus.CounterVec
	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
	decisionsTotal  prometheus.Counter
	tailConnections prometheus.Gauge
}

func newServerMetrics() *serverMetrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &serverMetrics{
		registry: registry,

		bundleLoaded: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bundle_loaded_counter",
				Help: "Number of times a policy bundle was loaded and activated",
			},
			[]string{"name"},
		),

		httpRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "opasim_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),

		httpDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "opasim_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),

		decisionsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "opasim_decisions_total",
				Help: "Total number of policy decisions evaluated",
			},
		),

		tailConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "opasim_event_tail_connections_active",
				Help: "Number of active event tail connections",
			},
		),
	}
}

// handler serves the exposition text for this server's registry.
func (m *serverMetrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// requestsMiddleware records HTTP metrics
func (m *serverMetrics) requestsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		duration := time.Since(start)
		path := chi.RouteContext(r.Context()).RoutePattern()
		if path == "" {
			path = r.URL.Path
		}

		m.httpRequests.WithLabelValues(r.Method, path, fmt.Sprintf("%d", ww.Status())).Inc()
		m.httpDuration.WithLabelValues(r.Method, path).Observe(duration.Seconds())
	})
}
