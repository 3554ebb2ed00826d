// Package types defines the shared data model for the workspace sync
// backend: workspace records, the tagged event union routed from agent
// sessions to clients, the persisted sync records, and the error
// taxonomy used across domain packages.
//
// Events are a closed union: every payload type implements EventKind(),
// and the transport boundary switches over the known kinds. Adding a
// kind means adding a payload struct here first.
package types
