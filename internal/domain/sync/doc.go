// Package sync implements the durable, versioned delta/snapshot store
// backing workspace state synchronization.
//
// Per workspace the store holds an append-only log of state deltas
// with strictly increasing, gapless versions, periodic full snapshots,
// per-client acknowledgment bookkeeping, and the durable record of
// slots blocked on user input. Vacuum bounds log growth by keeping
// only the highest-version rows per workspace and pruning stale
// clients.
//
// Payloads are zstd-compressed at rest. Every failure surfaces as a
// *types.PersistenceError; callers are expected to keep the live event
// path running and degrade catch-up to a full resync.
package sync
