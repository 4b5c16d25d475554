/*
Package events provides the in-memory broker that broadcasts engine
recovery events.

The broker is topic-agnostic: every subscriber sees every event.
Publish is non-blocking (buffered channel, slow subscribers are
skipped), so recovery code can emit events from a zone goroutine
without risking a stall on a consumer.

Event types cover the scrubber lifecycle (slab.queued, slab.scrubbed,
scrub.failed, scrubber.suspended, scrubber.resumed,
scrubber.quiescent) and the irreversible read-only transition
(engine.read_only). Typical consumers are the CLI's progress display
and external monitoring.
*/
package events
