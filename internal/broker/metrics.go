package broker

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts message outcomes per broker instance.
type Metrics struct {
	Collected         prometheus.Counter
	Delivered         prometheus.Counter
	FanoutCopies      prometheus.Counter
	Expired           prometheus.Counter
	DeliveryFailures  prometheus.Counter
	Retried           prometheus.Counter
	DeadLettered      prometheus.Counter
	CleanupDeleted    prometheus.Counter
	MalformedDiscards prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		Collected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agentvault_broker_collected_total",
			Help: "Messages collected from agent outboxes into Pending.",
		}),
		Delivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agentvault_broker_delivered_total",
			Help: "Messages routed into a recipient inbox.",
		}),
		FanoutCopies: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agentvault_broker_fanout_copies_total",
			Help: "Per-recipient copies created for broadcast messages.",
		}),
		Expired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agentvault_broker_expired_total",
			Help: "Messages failed by TTL expiry before delivery.",
		}),
		DeliveryFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agentvault_broker_delivery_failures_total",
			Help: "Inbox writes that failed and entered the retry path.",
		}),
		Retried: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agentvault_broker_retried_total",
			Help: "Failed messages returned to Pending after backoff.",
		}),
		DeadLettered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agentvault_broker_dead_lettered_total",
			Help: "Messages moved to Dead_Letter permanently.",
		}),
		CleanupDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agentvault_broker_cleanup_deleted_total",
			Help: "Terminal records deleted past the retention window.",
		}),
		MalformedDiscards: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agentvault_broker_malformed_discards_total",
			Help: "Records dropped because they failed to decode.",
		}),
	}
	reg.MustRegister(
		m.Collected, m.Delivered, m.FanoutCopies, m.Expired,
		m.DeliveryFailures, m.Retried, m.DeadLettered,
		m.CleanupDeleted, m.MalformedDiscards,
	)
	return m
}
