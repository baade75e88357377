package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() { register(hubRequestsTotal) }

var hubRequestsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "robokit_hub_requests_total",
		Help: "Dataset hub requests by operation and outcome.",
	},
	[]string{"op", "outcome"}, // op: 'download', 'list'; outcome: 'hit', 'ok', 'error'
)

func IncHubRequest(op, outcome string) {
	hubRequestsTotal.WithLabelValues(op, outcome).Inc()
}
