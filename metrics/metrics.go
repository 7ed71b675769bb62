// Package metrics exposes prometheus instrumentation for the market engine,
// grounded on pkg/scheduler/metrics (spec.md §4.5, C6).
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const marketSubsystem = "market"

var (
	RunStepLatency = prometheus.NewSummary(
		prometheus.SummaryOpts{
			Subsystem: marketSubsystem,
			Name:      "run_step_latency_microseconds",
			Help:      "Latency in microseconds of a single engine RunStep call.",
		},
	)
	EventsDispatched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: marketSubsystem,
			Name:      "events_dispatched_total",
			Help:      "Number of market events dispatched, by kind.",
		},
		[]string{"kind"},
	)
	NegotiatorErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: marketSubsystem,
			Name:      "negotiator_errors_total",
			Help:      "Number of failed event dispatches (negotiator, transport or store errors), by event kind.",
		},
		[]string{"kind"},
	)
	AgreementsCleaned = prometheus.NewCounter(
		prometheus.CounterOpts{
			Subsystem: marketSubsystem,
			Name:      "agreements_cleaned_total",
			Help:      "Number of agreements removed by the retention sweeper.",
		},
	)
)

var registerMetrics sync.Once

// Register installs the market metrics with the default prometheus registry.
// Safe to call more than once; only the first call takes effect.
func Register() {
	registerMetrics.Do(func() {
		prometheus.MustRegister(RunStepLatency)
		prometheus.MustRegister(EventsDispatched)
		prometheus.MustRegister(NegotiatorErrors)
		prometheus.MustRegister(AgreementsCleaned)
	})
}

func InMicroseconds(d time.Duration) float64 {
	return float64(d.Nanoseconds() / time.Microsecond.Nanoseconds())
}
