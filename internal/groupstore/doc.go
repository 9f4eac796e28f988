// Package groupstore implements the group coordinator: the public API of the
// durable grouped queue.
//
// Producers Save opaque payloads into named groups; each payload gets the
// group's next sequence number and lands in the open batch of its sequence
// window. Consumers drain with LoadBatch, which flips whole batches to loaded
// exactly once, and either AcknowledgeBatch (atomic delete of the batch and
// its payloads) or ResaveBatch (atomic swap of a loaded batch for a fresh
// pending batch carrying the unprocessed tail). PeekLoad is the read-only
// diagnostic view.
//
// Every record is namespaced by a per-process session identity managed by
// internal/session, so concurrent processes sharing the store never collide
// on keys.
package groupstore
