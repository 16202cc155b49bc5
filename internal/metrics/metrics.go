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

	wlmDetections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hpcattach",
			Subsystem: "wlm",
			Name:      "detect_total",
			Help:      "Number of workload manager detections by resulting variant.",
		}, []string{"variant"},
	)
	attaches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hpcattach",
			Subsystem: "job",
			Name:      "attach_total",
			Help:      "Number of launch or attach operations by result.",
		}, []string{"variant", "result"},
	)
	attachDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "hpcattach",
			Subsystem: "job",
			Name:      "attach_duration_seconds",
			Help:      "Time from launch or attach request until the proctable was available.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"variant"},
	)
	shipFiles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hpcattach",
			Subsystem: "ship",
			Name:      "files_total",
			Help:      "Number of manifest entries shipped to compute nodes.",
		}, []string{"variant"},
	)
	shipBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hpcattach",
			Subsystem: "ship",
			Name:      "bytes_total",
			Help:      "Number of package bytes shipped to compute nodes.",
		}, []string{"variant"},
	)
	daemonLaunches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hpcattach",
			Subsystem: "daemon",
			Name:      "launch_total",
			Help:      "Number of backend daemon launches by result.",
		}, []string{"variant", "result"},
	)
	stagingRemoved = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "hpcattach",
			Subsystem: "staging",
			Name:      "gc_removed_total",
			Help:      "Number of stale staging directories removed.",
		},
	)
	sessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "hpcattach",
			Subsystem: "session",
			Name:      "active",
			Help:      "Number of live sessions in this process.",
		},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{wlmDetections, attaches, attachDuration, shipFiles, shipBytes, daemonLaunches, stagingRemoved, sessionsActive}
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
// The caller is responsible for starting an HTTP server and wiring the route.
func Handler() http.Handler { return promhttp.Handler() }

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncDetect(variant string) {
	if regOK.Load() {
		wlmDetections.WithLabelValues(variant).Inc()
	}
}

func IncAttach(variant string, err error) {
	if regOK.Load() {
		attaches.WithLabelValues(variant, result(err)).Inc()
	}
}

func ObserveAttachDuration(variant string, seconds float64) {
	if regOK.Load() {
		attachDuration.WithLabelValues(variant).Observe(seconds)
	}
}

func AddShipped(variant string, files int, bytes int64) {
	if regOK.Load() {
		shipFiles.WithLabelValues(variant).Add(float64(files))
		shipBytes.WithLabelValues(variant).Add(float64(bytes))
	}
}

func IncDaemonLaunch(variant string, err error) {
	if regOK.Load() {
		daemonLaunches.WithLabelValues(variant, result(err)).Inc()
	}
}

func AddStagingRemoved(n int) {
	if regOK.Load() {
		stagingRemoved.Add(float64(n))
	}
}

func SessionOpened() {
	if regOK.Load() {
		sessionsActive.Inc()
	}
}

func SessionClosed() {
	if regOK.Load() {
		sessionsActive.Dec()
	}
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
