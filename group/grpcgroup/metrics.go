package grpcgroup

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	sent       *prometheus.CounterVec
	received   *prometheus.CounterVec
	duplicates prometheus.Counter
	failures   *prometheus.CounterVec
}

// newMetrics registered with reg, a nil reg leaves them
// unregistered.
func newMetrics(reg prometheus.Registerer, namespace string, rank int) *metrics {
	labels := prometheus.Labels{"group": namespace, "rank": strconv.Itoa(rank)}
	f := promauto.With(reg)
	return &metrics{
		sent: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "cellbalance",
			Subsystem:   "group",
			Name:        "messages_sent_total",
			Help:        "Messages delivered to a peer, by tag.",
			ConstLabels: labels,
		}, []string{"tag"}),
		received: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "cellbalance",
			Subsystem:   "group",
			Name:        "messages_received_total",
			Help:        "Messages accepted from a peer, by tag.",
			ConstLabels: labels,
		}, []string{"tag"}),
		duplicates: f.NewCounter(prometheus.CounterOpts{
			Namespace:   "cellbalance",
			Subsystem:   "group",
			Name:        "duplicate_deliveries_total",
			Help:        "Deliveries dropped because their envelope was already accepted.",
			ConstLabels: labels,
		}),
		failures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "cellbalance",
			Subsystem:   "group",
			Name:        "send_failures_total",
			Help:        "Sends that failed after every retry, by tag.",
			ConstLabels: labels,
		}, []string{"tag"}),
	}
}
