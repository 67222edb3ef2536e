package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ScrubMetrics records parity verification passes.
type ScrubMetrics interface {
	ScrubCompleted(checked, mismatches, fixed, readErrors uint32)
}

type noopScrubMetrics struct{}

func (noopScrubMetrics) ScrubCompleted(uint32, uint32, uint32, uint32) {}

// NewNoopScrubMetrics returns a ScrubMetrics that discards everything.
func NewNoopScrubMetrics() ScrubMetrics {
	return noopScrubMetrics{}
}

type scrubMetrics struct {
	runs       prometheus.Counter
	checked    prometheus.Counter
	mismatches prometheus.Counter
	fixed      prometheus.Counter
	readErrors prometheus.Counter
}

// NewScrubMetrics returns a Prometheus-backed ScrubMetrics, or a no-op
// implementation when the registry is uninitialised.
func NewScrubMetrics() ScrubMetrics {
	if !IsEnabled() {
		return NewNoopScrubMetrics()
	}
	reg := GetRegistry()
	return &scrubMetrics{
		runs: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "liveraid_scrub_runs_total",
			Help: "Completed scrub passes",
		}),
		checked: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "liveraid_scrub_positions_checked_total",
			Help: "Positions verified by scrub",
		}),
		mismatches: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "liveraid_scrub_mismatches_total",
			Help: "Parity mismatches found by scrub",
		}),
		fixed: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "liveraid_scrub_fixed_total",
			Help: "Parity mismatches rewritten in repair mode",
		}),
		readErrors: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "liveraid_scrub_read_errors_total",
			Help: "Read errors encountered by scrub",
		}),
	}
}

func (m *scrubMetrics) ScrubCompleted(checked, mismatches, fixed, readErrors uint32) {
	m.runs.Inc()
	m.checked.Add(float64(checked))
	m.mismatches.Add(float64(mismatches))
	m.fixed.Add(float64(fixed))
	m.readErrors.Add(float64(readErrors))
}
