package outputbuffer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricBudgetRejected = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "taskbuffer",
		Subsystem: "manager",
		Name:      "budget_rejected_total",
		Help:      "Number of EnqueueToBuffers calls rejected by the manager-wide byte budget.",
	})

	metricBuffersReaped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "taskbuffer",
		Subsystem: "manager",
		Name:      "buffers_reaped_total",
		Help:      "Number of destroyed buffers whose bookkeeping was evicted by the idle reaper.",
	})

	metricActiveBuffers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "taskbuffer",
		Subsystem: "manager",
		Name:      "active_buffers",
		Help:      "Number of buffers currently tracked by the manager.",
	})
)
