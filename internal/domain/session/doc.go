// Package session implements the per-workspace slot orchestrator.
//
// A workspace owns one Orchestrator; the orchestrator owns a set of
// independent slots, each bound to exactly one agent session created
// through the Factory port. A dedicated goroutine per slot reads the
// session's event stream and hands each event, tagged with the slot
// id, to the orchestrator's sink in emission order. Nothing here
// reorders or batches: per-slot ordering is preserved end to end.
//
// The agent session itself is an external collaborator behind the
// Session interface; see internal/agent for implementations.
package session
