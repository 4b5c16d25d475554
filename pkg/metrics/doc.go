/*
Package metrics exposes Prometheus metrics for the strata recovery
core.

All metrics are package-level collectors registered in init, prefixed
with "strata_":

	strata_unrecovered_slabs        gauge, scrub progress (mirrors the
	                                scrubber's atomic counter)
	strata_slabs_scrubbed_total     counter
	strata_scrub_failures_total     counter
	strata_scrub_duration_seconds   histogram, one observation per slab
	strata_vio_pool_busy            gauge
	strata_vio_pool_outages_total   counter, pool starvation events
	strata_read_only_mode           gauge, 1 once the engine has gone
	                                read-only (monotonic)

Components update the collectors directly from their owning zone;
Handler returns the promhttp handler for the CLI to mount. Timer wraps
the start-observe pattern used around each slab replay:

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ScrubDuration)
*/
package metrics
