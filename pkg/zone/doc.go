// Package zone implements the engine's single-owner threading
// discipline: each zone goroutine exclusively owns a disjoint shard of
// state, and everything that touches the shard runs as a completion
// posted to the zone's run queue. This removes the need for locks
// inside a shard; the few fields read across zones (scrub progress,
// read-only flags) are fenced atomics and are enumerated where they
// are declared.
package zone
