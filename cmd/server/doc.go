// Package main is the entry point for the workspace sync backend.
//
// The server keeps long-running agent conversations alive independently
// of client connections: workspaces are registered per canonical
// filesystem path, each owning named slots bound to streaming agent
// sessions, with events routed live to attached clients, buffered while
// detached, and mirrored into a versioned delta/snapshot store for
// reconnect catch-up.
//
// The server provides:
//   - WebSocket streaming for workspace interaction
//   - REST API for inspection and lifecycle control
//   - Durable sync log with retention vacuum
//   - Rate limiting and path allowlisting
//
// Configuration:
//   - Environment variables (12-factor)
//   - Optional YAML overlay (-config)
//   - CLI flags (override both)
//
// Usage:
//
//	# Production mode
//	./server -port 8400
//
//	# Development mode (colored logs, debug level, no API key needed)
//	./server -dev -scripted
//
// Signals:
//   - SIGINT, SIGTERM: Graceful shutdown
package main
