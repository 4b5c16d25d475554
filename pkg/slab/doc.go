// Package slab holds the recovery-time view of a slab: its identity,
// the location of its journal extent, its scrub status, and the
// in-memory reference counts that journal replay rebuilds. The full
// allocator-side slab state lives elsewhere; recovery only needs
// enough to replay a journal and decide whether allocation from the
// slab is safe again.
package slab
