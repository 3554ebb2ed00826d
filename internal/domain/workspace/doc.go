// Package workspace implements the process-wide workspace registry.
//
// The Manager maps canonical filesystem paths to live workspace
// records, each owning one session orchestrator. Concurrent opens of
// the same path are serialized through an in-flight map other callers
// await, so a path is never double-created. Client disconnects only
// decrement a reference count; a workspace dies only on an explicit
// Close.
//
// Orchestrator events are routed live to typed subscribers while any
// client is attached, and into a capped per-workspace buffer while
// none is. The buffer is drained with an atomic swap on the next
// attach, so buffered events are delivered exactly once. Once the cap
// is hit further events are dropped (counted, logged); a reconnecting
// client must be prepared to fall back to a full resync.
package workspace
