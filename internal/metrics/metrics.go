// Package metrics exposes Prometheus collectors for the state and session
// engines and an optional HTTP listener for scraping them.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "planning_state"

var (
	BackendFallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "backend_fallbacks_total",
		Help:      "Operations served by the JSON backend after the relational backend failed.",
	}, []string{"operation"})

	MirrorFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "mirror_failures_total",
		Help:      "Relational writes that could not be mirrored to the JSON backend.",
	})

	Cascades = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cascades_total",
		Help:      "Cascade invalidations by backend and outcome.",
	}, []string{"backend", "outcome"})

	EntitiesInvalidated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "entities_invalidated_total",
		Help:      "Entities moved to requires-revalidation by cascades.",
	})

	SessionCommits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "session_commits_total",
		Help:      "Session commit calls by result status.",
	}, []string{"status"})

	CommitFileFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "commit_file_failures_total",
		Help:      "Per-file failures collected while committing sessions.",
	})

	SessionsCrashed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sessions_crashed_total",
		Help:      "Sessions flipped to crashed after their lock owner died.",
	})

	MethodDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "method_duration_seconds",
		Help:      "Service method latency.",
		Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 8),
	}, []string{"method", "outcome"})
)

// UnknownMethod is the method label for calls that matched no handler, so
// caller-supplied names cannot grow the label set.
const UnknownMethod = "unknown"

// ObserveMethod records one service call.
func ObserveMethod(method string, started time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	MethodDuration.WithLabelValues(method, outcome).Observe(time.Since(started).Seconds())
}

// Serve exposes /metrics on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Info("metrics listener started", "addr", addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
