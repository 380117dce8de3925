package outputbuffer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricPagesEnqueued = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "taskbuffer",
		Name:      "pages_enqueued_total",
		Help:      "Total number of pages accepted into a client buffer.",
	})
	metricPagesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "taskbuffer",
		Name:      "pages_dropped_total",
		Help:      "Total number of pages silently dropped because the buffer had already seen noMorePages or forceDestroy.",
	})
	metricPagesAcknowledged = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "taskbuffer",
		Name:      "pages_acknowledged_total",
		Help:      "Total number of pages removed from a buffer by client acknowledgement.",
	})
	metricBuffersDestroyed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taskbuffer",
		Name:      "buffers_destroyed_total",
		Help:      "Total number of client buffers destroyed, partitioned by whether it was operator-forced.",
	}, []string{"forced"})
	metricPendingReadsInstalled = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "taskbuffer",
		Name:      "pending_reads_installed_total",
		Help:      "Total number of getPages() calls that had to install a pending read instead of completing synchronously.",
	})
)
