// Package metrics exposes indexing run counters to Prometheus.
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

const namespace = "odoo_graph"

var (
	itemsLoaded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "loader",
		Name:      "items_total",
		Help:      "Records written by the batch loader, by kind",
	}, []string{"kind"})

	batchFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "loader",
		Name:      "batch_failures_total",
		Help:      "Failed loader chunks, by kind",
	}, []string{"kind"})

	itemErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "extract",
		Name:      "errors_total",
		Help:      "Recoverable extraction failures, by failure kind",
	}, []string{"kind"})

	modulesIndexed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "pipeline",
		Name:      "modules_indexed_total",
		Help:      "Modules extracted and loaded",
	})

	modulesSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "pipeline",
		Name:      "modules_skipped_total",
		Help:      "Modules skipped as unchanged by incremental runs",
	})

	phaseDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "pipeline",
		Name:      "phase_duration_seconds",
		Help:      "Wall time of pipeline phases",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
	}, []string{"phase"})

	memoryPercent = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "pipeline",
		Name:      "memory_percent",
		Help:      "Last sampled resident memory as a percentage of system memory",
	})
)

// RecordLoaded counts n records of kind written.
func RecordLoaded(kind string, n int) {
	itemsLoaded.WithLabelValues(kind).Add(float64(n))
}

// RecordBatchFailure counts one failed chunk of kind.
func RecordBatchFailure(kind string) {
	batchFailures.WithLabelValues(kind).Inc()
}

// RecordItemError counts one recoverable failure of kind.
func RecordItemError(kind string) {
	itemErrors.WithLabelValues(kind).Inc()
}

// RecordModules counts indexed and skipped modules of one run.
func RecordModules(indexed, skipped int) {
	modulesIndexed.Add(float64(indexed))
	modulesSkipped.Add(float64(skipped))
}

// ObservePhase records the duration of a pipeline phase since start.
func ObservePhase(phase string, start time.Time) {
	phaseDuration.WithLabelValues(phase).Observe(time.Since(start).Seconds())
}

// SetMemoryPercent records the last memory sample.
func SetMemoryPercent(p float64) {
	memoryPercent.Set(p)
}

// Serve exposes /metrics on addr until ctx is done.
func Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	slog.Info("metrics.listen", "addr", addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
