package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	InvocationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmgate_invocations_total",
			Help: "Total number of terminal invocation results",
		},
		[]string{"provider", "outcome"},
	)

	InvocationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "llmgate_invocation_duration_seconds",
			Help:    "End-to-end invocation latency in seconds",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"provider"},
	)

	RetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmgate_retries_total",
			Help: "Total number of same-provider retries by classified error kind",
		},
		[]string{"provider", "kind"},
	)

	FailoversTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmgate_failovers_total",
			Help: "Total number of provider failovers",
		},
		[]string{"from", "to"},
	)

	CredentialQuarantinesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmgate_credential_quarantines_total",
			Help: "Total number of credential quarantine transitions",
		},
		[]string{"family", "reason"},
	)

	CredentialExhaustionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmgate_credential_exhaustions_total",
			Help: "Total number of credentials permanently exhausted",
		},
		[]string{"family"},
	)

	PoolExhaustedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmgate_pool_exhausted_total",
			Help: "Total number of acquire calls that found no usable credential",
		},
		[]string{"family"},
	)

	PoolActiveCredentials = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "llmgate_pool_active_credentials",
			Help: "Number of credentials currently in the Active state",
		},
		[]string{"family"},
	)

	PatchAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmgate_patch_attempts_total",
			Help: "Total number of generate-or-patch attempts by strategy and outcome",
		},
		[]string{"strategy", "outcome"},
	)

	TokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmgate_tokens_total",
			Help: "Total tokens consumed by provider and direction",
		},
		[]string{"provider", "direction"},
	)
)
