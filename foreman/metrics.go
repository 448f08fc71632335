package foreman

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	checksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "quarry",
		Subsystem: "foreman",
		Name:      "checks_total",
		Help:      "Check-ins that reached rule evaluation.",
	})

	actionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "quarry",
		Subsystem: "foreman",
		Name:      "actions_total",
		Help:      "Hunt scheduling actions run for matching clients.",
	})

	rulesExpiredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "quarry",
		Subsystem: "foreman",
		Name:      "rules_expired_total",
		Help:      "Rules dropped from the set after expiry.",
	})
)
