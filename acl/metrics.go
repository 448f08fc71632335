package acl

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	checksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "quarry",
		Subsystem: "acl",
		Name:      "checks_total",
		Help:      "Approval-backed access checks, by result.",
	}, []string{"result"})

	requestsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "quarry",
		Subsystem: "acl",
		Name:      "approval_requests_total",
		Help:      "Approval requests recorded.",
	})

	grantsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "quarry",
		Subsystem: "acl",
		Name:      "approval_grants_total",
		Help:      "Approval grants recorded.",
	})

	breakGlassTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "quarry",
		Subsystem: "acl",
		Name:      "break_glass_total",
		Help:      "Emergency break-glass accesses opened.",
	})
)
