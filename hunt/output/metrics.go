package output

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	resultsExported = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "quarry",
		Subsystem: "output",
		Name:      "results_exported_total",
		Help:      "Hunt results delivered to output plugins, by plugin.",
	}, []string{"plugin"})

	pluginFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "quarry",
		Subsystem: "output",
		Name:      "plugin_failures_total",
		Help:      "Export rounds that ended in a plugin error or panic, by plugin.",
	}, []string{"plugin"})

	huntsExported = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "quarry",
		Subsystem: "output",
		Name:      "hunts_exported_total",
		Help:      "Hunt export rounds completed.",
	})
)
