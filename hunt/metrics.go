package hunt

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	huntsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "quarry",
		Subsystem: "hunt",
		Name:      "created_total",
		Help:      "Hunts created.",
	})

	huntStateChanges = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "quarry",
		Subsystem: "hunt",
		Name:      "state_changes_total",
		Help:      "Hunt lifecycle transitions, by new state.",
	}, []string{"to"})

	clientsScheduled = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "quarry",
		Subsystem: "hunt",
		Name:      "clients_scheduled_total",
		Help:      "Clients handed to hunt sessions by the scheduler.",
	})

	clientsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "quarry",
		Subsystem: "hunt",
		Name:      "clients_started_total",
		Help:      "Child flows started on hunt clients.",
	})

	clientsCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "quarry",
		Subsystem: "hunt",
		Name:      "clients_completed_total",
		Help:      "Hunt clients whose child flow finished.",
	})

	clientsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "quarry",
		Subsystem: "hunt",
		Name:      "clients_dropped_total",
		Help:      "Admitted or matched clients dropped before running, by reason.",
	}, []string{"reason"})

	clientErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "quarry",
		Subsystem: "hunt",
		Name:      "client_errors_total",
		Help:      "Hunt clients whose child flow finished with an error.",
	})

	clientCrashes = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "quarry",
		Subsystem: "hunt",
		Name:      "client_crashes_total",
		Help:      "Clients that crashed while running a hunt flow.",
	})
)
