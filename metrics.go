package stm

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type regionMetrics struct {
	txBegun      *prometheus.CounterVec
	txEnded      *prometheus.CounterVec
	epochsClosed prometheus.Counter

	segmentsAllocated prometheus.Counter
	segmentsFreed     prometheus.Counter
	segmentsPromoted  prometheus.Counter

	inFlight     prometheus.Gauge
	writerQuota  prometheus.Gauge
	currentEpoch prometheus.Gauge
}

func newRegionMetrics(reg prometheus.Registerer) *regionMetrics {
	return &regionMetrics{
		txBegun: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "tx_begun_total",
			Help: "tx_begun_total counts calls to Begin, labeled by kind (ro/rw).",
		}, []string{"kind"}),
		txEnded: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "tx_ended_total",
			Help: "tx_ended_total counts how transactions finished, labeled by outcome" +
				" (committed/aborted).",
		}, []string{"outcome"}),
		epochsClosed: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "epochs_closed_total",
			Help: "epochs_closed_total counts how many epochs have run their close barrier.",
		}),
		segmentsAllocated: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "segments_allocated_total",
			Help: "segments_allocated_total counts segments appended to the table via Alloc.",
		}),
		segmentsFreed: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "segments_freed_total",
			Help: "segments_freed_total counts segments physically reclaimed during batch-commit.",
		}),
		segmentsPromoted: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "segments_promoted_total",
			Help: "segments_promoted_total counts writable-to-readable promotions performed" +
				" during batch-commit.",
		}),
		inFlight: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "tx_in_flight",
			Help: "tx_in_flight is the number of transactions currently admitted.",
		}),
		writerQuota: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "writer_quota_remaining",
			Help: "writer_quota_remaining is the number of writer admission slots left in" +
				" the current epoch.",
		}),
		currentEpoch: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "epoch",
			Help: "epoch is the batcher's current generation counter.",
		}),
	}
}
