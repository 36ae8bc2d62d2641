package observability

import "github.com/prometheus/client_golang/prometheus"

// Registry is a private prometheus registry owned by this process;
// exposing it over HTTP is out of scope here — this module only
// registers and increments.
var Registry = prometheus.NewRegistry()

var (
	// AdmissionDecisions counts every terminal policy decision in one
	// counter labeled by category (plus namespace and kind) rather than
	// separate allow/deny counters.
	AdmissionDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kubefreezer_admission_decisions_total",
			Help: "Total number of admission decisions by category.",
		},
		[]string{"category", "namespace", "kind"},
	)

	// ExemptionOverrides counts requests admitted via a temporary
	// exemption.
	ExemptionOverrides = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kubefreezer_exemption_overrides_total",
			Help: "Total number of requests admitted via a temporary exemption.",
		},
		[]string{"namespace"},
	)

	// ConfigReloads counts config watcher apply attempts by outcome.
	ConfigReloads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kubefreezer_config_reloads_total",
			Help: "Total number of config reload attempts by outcome.",
		},
		[]string{"outcome"}, // applied | unchanged | invalid
	)

	// ActiveSchedules gauges the number of schedules currently installed
	// in the schedule engine, by kind.
	ActiveSchedules = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kubefreezer_active_schedules",
			Help: "Number of freeze schedules currently installed, by kind.",
		},
		[]string{"kind"},
	)

	// EvaluationDuration times the policy evaluator's hot path.
	EvaluationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kubefreezer_evaluation_duration_seconds",
			Help:    "Duration of policy evaluation in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	Registry.MustRegister(
		AdmissionDecisions,
		ExemptionOverrides,
		ConfigReloads,
		ActiveSchedules,
		EvaluationDuration,
	)
}
