package frontend

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestCount = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "quarry",
		Subsystem: "frontend",
		Name:      "request_count",
		Help:      "Client control requests handled",
	})

	inBytes = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "quarry",
		Subsystem: "frontend",
		Name:      "in_bytes",
		Help:      "Bytes received from clients",
	})

	outBytes = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "quarry",
		Subsystem: "frontend",
		Name:      "out_bytes",
		Help:      "Bytes sent to clients",
	})

	messagesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "quarry",
		Subsystem: "frontend",
		Name:      "messages_received_total",
		Help:      "Inbound client messages by auth state",
	}, []string{"auth_state"})

	messagesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "quarry",
		Subsystem: "frontend",
		Name:      "messages_dropped_total",
		Help:      "Inbound messages dropped for failing authentication",
	})

	tasksSent = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "quarry",
		Subsystem: "frontend",
		Name:      "tasks_sent_total",
		Help:      "Outbound task messages delivered to clients",
	})

	clientCrashes = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "quarry",
		Subsystem: "frontend",
		Name:      "client_crashes_total",
		Help:      "CLIENT_KILLED statuses reported by clients",
	})
)
