package swarm

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	swarmsRun = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "semswarm",
		Subsystem: "swarm",
		Name:      "sessions_total",
		Help:      "Total swarm sessions dispatched.",
	})

	swarmsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "semswarm",
		Subsystem: "swarm",
		Name:      "sessions_failed_total",
		Help:      "Total swarm sessions that ended FAILED.",
	})

	reviewerTasks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "semswarm",
		Subsystem: "swarm",
		Name:      "reviewer_tasks_total",
		Help:      "Total reviewer tasks by outcome.",
	}, []string{"status"})
)
