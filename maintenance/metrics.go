package maintenance

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	stuckFlowsTerminated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "quarry",
		Subsystem: "maintenance",
		Name:      "stuck_flows_terminated_total",
		Help:      "Sessions terminated because a claimed notification never completed.",
	})
)
