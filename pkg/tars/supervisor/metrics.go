package supervisor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics holds the supervisor's Prometheus collectors. Each supervisor owns
// its own registry so tests and multiple instances in one process do not
// collide on the default registerer.
type Metrics struct {
	Registry *prometheus.Registry

	restarts   *prometheus.CounterVec
	up         *prometheus.GaugeVec
	injections *prometheus.CounterVec
}

// NewMetrics creates and registers the collectors, plus the standard Go and
// process collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		restarts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "tars",
				Subsystem: "child",
				Name:      "restarts_total",
				Help:      "Total number of child process respawns",
			},
			[]string{"child"},
		),
		up: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "tars",
				Subsystem: "child",
				Name:      "up",
				Help:      "Whether the child process is running (1) or not (0)",
			},
			[]string{"child"},
		),
		injections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "tars",
				Name:      "injections_total",
				Help:      "Input injections into the primary child by source and result",
			},
			[]string{"source", "result"},
		),
	}
	m.Registry.MustRegister(
		m.restarts,
		m.up,
		m.injections,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) childRestarted(name string) {
	if m == nil {
		return
	}
	m.restarts.WithLabelValues(name).Inc()
}

func (m *Metrics) childUp(name string, up bool) {
	if m == nil {
		return
	}
	v := 0.0
	if up {
		v = 1
	}
	m.up.WithLabelValues(name).Set(v)
}

func (m *Metrics) injected(source string, ok bool) {
	if m == nil {
		return
	}
	result := "accepted"
	if !ok {
		result = "rejected"
	}
	m.injections.WithLabelValues(sourceLabel(source), result).Inc()
}

// sourceLabel maps a caller-chosen injection source onto a fixed label set
// so the series count stays bounded.
func sourceLabel(source string) string {
	switch source {
	case "overwatcher", "http", "cli", "supervisor":
		return source
	}
	return "other"
}
