package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the runtime's prometheus collectors.
type Metrics struct {
	RunsTotal      *prometheus.CounterVec
	StepsTotal     prometheus.Counter
	ToolCallsTotal *prometheus.CounterVec
	CreditsTotal   prometheus.Counter
	StepDuration   prometheus.Histogram
}

// NewMetrics creates and registers the runtime collectors. Pass nil to use
// the default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "agent_runs_total",
			Help:      "Agent runs by terminal status.",
		}, []string{"status"}),
		StepsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "agent_steps_total",
			Help:      "Agent steps executed.",
		}),
		ToolCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "tool_calls_total",
			Help:      "Dispatched tool calls by tool and outcome.",
		}, []string{"tool", "outcome"}),
		CreditsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "credits_total",
			Help:      "Total credits reported by cost callbacks.",
		}),
		StepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "relay",
			Name:      "step_duration_seconds",
			Help:      "Wall time of one agent step.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
	}

	reg.MustRegister(m.RunsTotal, m.StepsTotal, m.ToolCallsTotal, m.CreditsTotal, m.StepDuration)
	return m
}

// NopMetrics returns unregistered collectors, for tests and hosts that do
// not scrape.
func NopMetrics() *Metrics {
	m := &Metrics{
		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_agent_runs_total",
		}, []string{"status"}),
		StepsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_agent_steps_total",
		}),
		ToolCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_tool_calls_total",
		}, []string{"tool", "outcome"}),
		CreditsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_credits_total",
		}),
		StepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "relay_step_duration_seconds",
		}),
	}
	return m
}
