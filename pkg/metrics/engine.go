package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// EngineMetrics records virtual-path operations by name and outcome.
type EngineMetrics interface {
	Operation(op string, err error)
}

type noopEngineMetrics struct{}

func (noopEngineMetrics) Operation(string, error) {}

// NewNoopEngineMetrics returns an EngineMetrics that discards
// everything.
func NewNoopEngineMetrics() EngineMetrics {
	return noopEngineMetrics{}
}

type engineMetrics struct {
	operations *prometheus.CounterVec
}

// NewEngineMetrics returns a Prometheus-backed EngineMetrics, or a
// no-op implementation when the registry is uninitialised.
func NewEngineMetrics() EngineMetrics {
	if !IsEnabled() {
		return NewNoopEngineMetrics()
	}
	return &engineMetrics{
		operations: promauto.With(GetRegistry()).NewCounterVec(
			prometheus.CounterOpts{
				Name: "liveraid_engine_operations_total",
				Help: "Engine operations by name and outcome",
			},
			[]string{"op", "status"},
		),
	}
}

func (m *engineMetrics) Operation(op string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.operations.WithLabelValues(op, status).Inc()
}
