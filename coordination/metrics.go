package coordination

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Substrate metrics, registered on the default registry.
var (
	messagesPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "semswarm",
		Subsystem: "coordination",
		Name:      "messages_published_total",
		Help:      "Coordination messages published, by message type.",
	}, []string{"type"})

	messagesAcknowledged = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "semswarm",
		Subsystem: "coordination",
		Name:      "messages_acknowledged_total",
		Help:      "Coordination messages acknowledged.",
	})

	notificationsQueued = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "semswarm",
		Subsystem: "coordination",
		Name:      "notifications_queued_total",
		Help:      "Notifications pushed to offline queues.",
	})

	notificationsDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "semswarm",
		Subsystem: "coordination",
		Name:      "notifications_delivered_total",
		Help:      "Notifications delivered to subscription handlers.",
	})
)
