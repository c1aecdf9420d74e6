// Package metrics provides Prometheus instrumentation for the race engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// TracksCreated counts tracks created, partitioned by creation mode
	// ("staked" or "sponsored").
	TracksCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "race_tracks_created_total",
		Help: "Total number of tracks created",
	}, []string{"mode"})

	// PlayersJoined counts successful joins.
	PlayersJoined = promauto.NewCounter(prometheus.CounterOpts{
		Name: "race_players_joined_total",
		Help: "Total number of players that joined a track",
	})

	// TracksStarted counts tracks moved to running, by start policy.
	TracksStarted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "race_tracks_started_total",
		Help: "Total number of tracks started",
	}, []string{"policy"})

	// Settlements counts withdraw attempts by result.
	Settlements = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "race_settlements_total",
		Help: "Settlement attempts by result",
	}, []string{"result"})

	// Payouts counts transfers out of escrow.
	Payouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "race_payouts_total",
		Help: "Total number of escrow payouts",
	})

	// RatePointsTotal counts rate points accepted by the oracle.
	RatePointsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "race_rate_points_total",
		Help: "Total number of rate points written",
	})

	// RateMisses counts lookups with no price at or before the query time.
	RateMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "race_rate_misses_total",
		Help: "Rate lookups that found no point",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "race_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "race_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "race_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Route pattern keeps track IDs out of the label set.
		path := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			path = rc.RoutePattern()
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
