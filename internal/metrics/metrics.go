package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	JobsRegistered = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "poolcore",
		Name:      "jobs_registered_total",
		Help:      "Total block templates registered as live jobs.",
	})

	PrevhashTurnovers = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "poolcore",
		Name:      "prevhash_turnovers_total",
		Help:      "Total chain-tip advances observed by the template registry.",
	})

	LiveJobs = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "poolcore",
		Name:      "live_jobs",
		Help:      "Number of job ids currently resolvable via the registry.",
	})

	ShareOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "poolcore",
		Name:      "share_outcomes_total",
		Help:      "Share submissions by outcome.",
	}, []string{"outcome"})

	ShareDifficulty = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "poolcore",
		Name:      "last_share_difficulty",
		Help:      "Difficulty of the most recently accepted share.",
	})

	NetworkDifficulty = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "poolcore",
		Name:      "network_difficulty",
		Help:      "Difficulty of the current template's network target.",
	})

	BlocksFound = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "poolcore",
		Name:      "blocks_found_total",
		Help:      "Total block candidates whose PoW hash met the network target.",
	})

	BlockSubmissions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "poolcore",
		Name:      "block_submissions_total",
		Help:      "Block submission attempts upstream, by result.",
	}, []string{"result"})

	NodeRPCDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "poolcore",
		Name:      "node_rpc_duration_seconds",
		Help:      "Latency of JSON-RPC calls to the upstream node, by method.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method"})

	NodeRPCErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "poolcore",
		Name:      "node_rpc_errors_total",
		Help:      "Failed JSON-RPC calls to the upstream node, by method.",
	}, []string{"method"})

	UpdateBlockDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "poolcore",
		Name:      "update_block_duration_seconds",
		Help:      "Wall-clock time spent in registry.UpdateBlock.",
		Buckets:   prometheus.DefBuckets,
	})
)

func init() {
	prometheus.MustRegister(
		JobsRegistered,
		PrevhashTurnovers,
		LiveJobs,
		ShareOutcomes,
		ShareDifficulty,
		NetworkDifficulty,
		BlocksFound,
		BlockSubmissions,
		NodeRPCDuration,
		NodeRPCErrors,
		UpdateBlockDuration,
	)
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
