package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Reconciliation metrics
	PullCyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nimbus_pull_cycles_total",
			Help: "Total number of reconciliation pulls by resource type and result",
		},
		[]string{"resource_type", "result"},
	)

	PullDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "nimbus_pull_duration_seconds",
			Help:    "Duration of one account reconciliation pass in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Pipeline metrics
	ChainsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nimbus_chains_total",
			Help: "Total number of executed task chains by operation and outcome",
		},
		[]string{"operation", "outcome"},
	)

	StepRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nimbus_step_retries_total",
			Help: "Total number of step retry attempts",
		},
	)

	ThrottleDeferralsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nimbus_throttle_deferrals_total",
			Help: "Total number of creation steps deferred by admission control",
		},
	)

	PollAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nimbus_poll_attempts_total",
			Help: "Total number of runtime state poll attempts by resource type",
		},
		[]string{"resource_type"},
	)

	// Store metrics
	ResourcesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nimbus_resources_total",
			Help: "Number of tracked resources by type and lifecycle state",
		},
		[]string{"resource_type", "state"},
	)

	AccountsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nimbus_accounts_total",
			Help: "Number of managed accounts by state",
		},
		[]string{"state"},
	)

	QuotaUsage = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nimbus_quota_usage",
			Help: "Current quota usage counters by account and quota name",
		},
		[]string{"account_id", "quota"},
	)

	MeterValue = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nimbus_meter_value",
			Help: "Latest telemetry sample per account, meter and backend resource",
		},
		[]string{"account_id", "meter", "resource_id"},
	)
)

func init() {
	prometheus.MustRegister(PullCyclesTotal)
	prometheus.MustRegister(PullDuration)
	prometheus.MustRegister(ChainsTotal)
	prometheus.MustRegister(StepRetriesTotal)
	prometheus.MustRegister(ThrottleDeferralsTotal)
	prometheus.MustRegister(PollAttemptsTotal)
	prometheus.MustRegister(ResourcesTotal)
	prometheus.MustRegister(AccountsTotal)
	prometheus.MustRegister(QuotaUsage)
	prometheus.MustRegister(MeterValue)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
