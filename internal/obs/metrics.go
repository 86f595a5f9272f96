package obs

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Allocation paths used as the "path" label.
const (
	PathBatch     = "batch"
	PathPreferred = "preferred"
	PathSingle    = "single"
)

var (
	initOnce sync.Once

	allocationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "idpool_allocations_total",
			Help: "Identifiers handed out, by allocation path.",
		},
		[]string{"path"},
	)

	casConflictsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "idpool_cas_conflicts_total",
		Help: "Compare-and-set attempts lost to a concurrent caller.",
	})

	confirmationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "idpool_confirmations_total",
			Help: "mark-as-used calls by outcome.",
		},
		[]string{"result"},
	)

	replenishedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "idpool_replenished_total",
		Help: "Identifiers inserted into the pool by replenishment.",
	})

	reclaimedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "idpool_reclaimed_total",
		Help: "Expired reservations returned to the pool.",
	})

	generationExhaustedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "idpool_generation_exhausted_total",
		Help: "Minting runs that produced no unique candidate.",
	})

	availableGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "idpool_available",
		Help: "Available identifiers at the last low-water-mark check.",
	})

	storeOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "idpool_store_op_duration_seconds",
			Help:    "Reservation store operation latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op", "outcome"},
	)
)

// Init registers the pool metrics in the default registry. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			allocationsTotal,
			casConflictsTotal,
			confirmationsTotal,
			replenishedTotal,
			reclaimedTotal,
			generationExhaustedTotal,
			availableGauge,
			storeOpDuration,
		)
	})
}

func ObserveAllocated(path string, n int) {
	if n > 0 {
		allocationsTotal.WithLabelValues(path).Add(float64(n))
	}
}

func ObserveConflict() { casConflictsTotal.Inc() }

func ObserveConfirmation(applied bool) {
	if applied {
		confirmationsTotal.WithLabelValues("applied").Inc()
		return
	}
	confirmationsTotal.WithLabelValues("noop").Inc()
}

func ObserveReplenished(n int) {
	if n > 0 {
		replenishedTotal.Add(float64(n))
	}
}

func ObserveReclaimed(n int) {
	if n > 0 {
		reclaimedTotal.Add(float64(n))
	}
}

func ObserveGenerationExhausted() { generationExhaustedTotal.Inc() }

func SetAvailable(n int) { availableGauge.Set(float64(n)) }

// ObserveStoreOp records one store round trip.
func ObserveStoreOp(op string, started time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	storeOpDuration.WithLabelValues(op, outcome).Observe(time.Since(started).Seconds())
}

// Collectors exposes the pool collectors for callers that gather them
// without the default registry.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		allocationsTotal,
		casConflictsTotal,
		confirmationsTotal,
		replenishedTotal,
		reclaimedTotal,
		generationExhaustedTotal,
		availableGauge,
		storeOpDuration,
	}
}
