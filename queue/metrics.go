package queue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	notificationsQueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "quarry",
		Subsystem: "queue",
		Name:      "notifications_queued_total",
		Help:      "Session wakeup notifications written, by queue subject.",
	}, []string{"queue"})

	notificationsClaimed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "quarry",
		Subsystem: "queue",
		Name:      "notifications_claimed_total",
		Help:      "Session wakeup notifications leased by workers, by queue subject.",
	}, []string{"queue"})

	tasksScheduled = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "quarry",
		Subsystem: "queue",
		Name:      "tasks_scheduled_total",
		Help:      "Outbound client tasks scheduled.",
	})

	tasksLeased = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "quarry",
		Subsystem: "queue",
		Name:      "tasks_leased_total",
		Help:      "Outbound client tasks leased to polling clients.",
	})

	tasksExpired = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "quarry",
		Subsystem: "queue",
		Name:      "tasks_expired_total",
		Help:      "Outbound client tasks dropped after TTL exhaustion.",
	})

	responsesStored = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "quarry",
		Subsystem: "queue",
		Name:      "responses_stored_total",
		Help:      "Client responses written into session response tables.",
	})

	requestsRetransmitted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "quarry",
		Subsystem: "queue",
		Name:      "requests_retransmitted_total",
		Help:      "Requests re-sent to clients after an incomplete response table.",
	})
)
