package flow

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	flowsStarted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "quarry",
		Subsystem: "flow",
		Name:      "started_total",
		Help:      "Flow sessions created, by flow name.",
	}, []string{"flow"})

	completions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "quarry",
		Subsystem: "flow",
		Name:      "completions_total",
		Help:      "Flow sessions reaching a terminal state, by state.",
	}, []string{"state"})

	statesRun = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "quarry",
		Subsystem: "flow",
		Name:      "states_run_total",
		Help:      "State method invocations.",
	})

	statesFailed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "quarry",
		Subsystem: "flow",
		Name:      "states_failed_total",
		Help:      "State method invocations that returned an error or panicked.",
	})

	requestsIssued = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "quarry",
		Subsystem: "flow",
		Name:      "requests_issued_total",
		Help:      "Requests issued by flows, by kind (client, flow, state).",
	}, []string{"kind"})

	requestsProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "quarry",
		Subsystem: "flow",
		Name:      "requests_processed_total",
		Help:      "Completed requests consumed by state methods.",
	})

	repliesSent = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "quarry",
		Subsystem: "flow",
		Name:      "replies_total",
		Help:      "Results sent with SendReply.",
	})

	flowErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "quarry",
		Subsystem: "flow",
		Name:      "errors_total",
		Help:      "Flow sessions that failed.",
	})

	huntResultsAdded = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "quarry",
		Subsystem: "hunt",
		Name:      "results_added_total",
		Help:      "Results forwarded from child flows into hunt collections.",
	})
)
