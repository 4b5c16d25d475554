package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Recovery metrics
	UnrecoveredSlabs = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "strata_unrecovered_slabs",
			Help: "Number of slabs that are unrecovered or being scrubbed",
		},
	)

	SlabsScrubbedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "strata_slabs_scrubbed_total",
			Help: "Total number of slab journals replayed successfully",
		},
	)

	ScrubFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "strata_scrub_failures_total",
			Help: "Total number of unrecoverable scrub failures",
		},
	)

	ScrubDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "strata_scrub_duration_seconds",
			Help:    "Time taken to replay one slab journal in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// VIO pool metrics
	VIOPoolBusy = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "strata_vio_pool_busy",
			Help: "Number of VIO pool entries currently on loan",
		},
	)

	VIOPoolOutagesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "strata_vio_pool_outages_total",
			Help: "Total number of VIO acquires that had to wait for an entry",
		},
	)

	// Engine state metrics
	ReadOnlyMode = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "strata_read_only_mode",
			Help: "Whether the engine is in read-only mode (1 = read-only)",
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(UnrecoveredSlabs)
	prometheus.MustRegister(SlabsScrubbedTotal)
	prometheus.MustRegister(ScrubFailuresTotal)
	prometheus.MustRegister(ScrubDuration)
	prometheus.MustRegister(VIOPoolBusy)
	prometheus.MustRegister(VIOPoolOutagesTotal)
	prometheus.MustRegister(ReadOnlyMode)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
