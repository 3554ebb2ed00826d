// Package agent provides the agent-session implementations bound into
// workspace slots: a streaming adapter over the official Anthropic SDK
// and a scripted in-memory session for development and tests.
package agent
