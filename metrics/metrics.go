// Package metrics holds the relay's Prometheus collectors and the HTTP
// endpoint that exposes them.
package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cyberinferno/mitmrelay/logger"
)

// Direction label values.
const (
	ClientToTarget = "client_to_target"
	TargetToClient = "target_to_client"
)

// Error type label values.
const (
	ErrDial    = "dial"
	ErrCapture = "capture"
	ErrRead    = "read"
	ErrWrite   = "write"
	ErrAccept  = "accept"
)

var (
	ActiveSessions  = promauto.NewGauge(prometheus.GaugeOpts{Name: "mitmrelay_active_sessions", Help: "Sessions currently relaying"})
	SessionsTotal   = promauto.NewCounter(prometheus.CounterOpts{Name: "mitmrelay_sessions_total", Help: "Accepted client connections"})
	BytesTotal      = promauto.NewCounterVec(prometheus.CounterOpts{Name: "mitmrelay_bytes_total", Help: "Bytes relayed by direction"}, []string{"direction"})
	ChunksTotal     = promauto.NewCounterVec(prometheus.CounterOpts{Name: "mitmrelay_chunks_total", Help: "Chunks relayed by direction"}, []string{"direction"})
	ErrorsTotal     = promauto.NewCounterVec(prometheus.CounterOpts{Name: "mitmrelay_errors_total", Help: "Errors by type"}, []string{"type"})
	SessionDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "mitmrelay_session_duration_seconds", Help: "Session lifetime seconds", Buckets: prometheus.ExponentialBuckets(0.01, 2, 16)})
)

// Handler returns the HTTP handler serving /metrics and /healthz.
func Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	return mux
}

// Serve runs the metrics endpoint on ln until ctx is done.
//
// Parameters:
//   - ctx: Cancelling it shuts the server down
//   - ln: The listener to serve on
//   - log: Receives server errors
//
// Returns:
//   - nil after a clean shutdown, otherwise the serve error
func Serve(ctx context.Context, ln net.Listener, log logger.Logger) error {
	srv := &http.Server{
		Handler:           Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("metrics server started", logger.Field{Key: "addr", Value: ln.Addr().String()})
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("metrics server failed", logger.Field{Key: "error", Value: err})
		return err
	}

	return nil
}
