package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	lifecycleStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "shellscope",
			Subsystem: "lifecycle",
			Name:      "starts_total",
			Help:      "Number of observed process starts.",
		}, []string{"child"},
	)
	lifecycleEnds = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "shellscope",
			Subsystem: "lifecycle",
			Name:      "ends_total",
			Help:      "Number of observed process ends matched to an open record.",
		}, []string{"child"},
	)
	suspiciousStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "shellscope",
			Subsystem: "lifecycle",
			Name:      "suspicious_total",
			Help:      "Number of process starts classified as suspicious.",
		}, []string{"child"},
	)
	correlationMisses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "shellscope",
			Subsystem: "lifecycle",
			Name:      "correlation_misses_total",
			Help:      "Disappearances without a matching open record.",
		},
	)
	pollErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "shellscope",
			Subsystem: "monitor",
			Name:      "poll_errors_total",
			Help:      "Failed snapshot polls and recovered cycle failures.",
		},
	)
	storeErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "shellscope",
			Subsystem: "store",
			Name:      "errors_total",
			Help:      "Failed lifecycle store operations.",
		}, []string{"op"},
	)
	prunedRecords = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "shellscope",
			Subsystem: "store",
			Name:      "pruned_records_total",
			Help:      "Lifecycle records removed by retention.",
		},
	)
	watchedProcesses = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "shellscope",
			Subsystem: "monitor",
			Name:      "watched_processes",
			Help:      "Watched processes alive in the latest snapshot.",
		},
	)
	cycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "shellscope",
			Subsystem: "monitor",
			Name:      "cycle_duration_seconds",
			Help:      "Time spent polling, diffing and reacting in one cycle.",
			Buckets:   prometheus.DefBuckets,
		},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{lifecycleStarts, lifecycleEnds, suspiciousStarts, correlationMisses,
		pollErrors, storeErrors, prunedRecords, watchedProcesses, cycleDuration}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// If already registered, ignore (allows double Register with default registry)
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncStart(child string, suspicious bool) {
	if regOK.Load() {
		lifecycleStarts.WithLabelValues(child).Inc()
		if suspicious {
			suspiciousStarts.WithLabelValues(child).Inc()
		}
	}
}

func IncEnd(child string) {
	if regOK.Load() {
		lifecycleEnds.WithLabelValues(child).Inc()
	}
}

func IncCorrelationMiss() {
	if regOK.Load() {
		correlationMisses.Inc()
	}
}

func IncPollError() {
	if regOK.Load() {
		pollErrors.Inc()
	}
}

func IncStoreError(op string) {
	if regOK.Load() {
		storeErrors.WithLabelValues(op).Inc()
	}
}

func AddPruned(n int64) {
	if regOK.Load() && n > 0 {
		prunedRecords.Add(float64(n))
	}
}

func SetWatched(n int) {
	if regOK.Load() {
		watchedProcesses.Set(float64(n))
	}
}

func ObserveCycle(seconds float64) {
	if regOK.Load() {
		cycleDuration.Observe(seconds)
	}
}
