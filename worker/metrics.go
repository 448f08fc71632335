package worker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sessionsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "quarry",
		Subsystem: "worker",
		Name:      "sessions_processed_total",
		Help:      "Sessions whose claim completed a flow pass, by queue.",
	}, []string{"queue"})

	sessionConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "quarry",
		Subsystem: "worker",
		Name:      "session_conflicts_total",
		Help:      "Claims abandoned because another worker held the session lock.",
	})

	panicsRescued = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "quarry",
		Subsystem: "worker",
		Name:      "panics_rescued_total",
		Help:      "Panics recovered while processing a session.",
	})
)
