package types

import (
	"encoding/json"
	"time"
)

// EventKind discriminates the event union
type EventKind string

const (
	EventStreamStarted        EventKind = "stream_started"
	EventStreamEnded          EventKind = "stream_ended"
	EventTextDelta            EventKind = "text_delta"
	EventThinkingDelta        EventKind = "thinking_delta"
	EventToolStarted          EventKind = "tool_started"
	EventToolCompleted        EventKind = "tool_completed"
	EventExtensionRequest     EventKind = "extension_request"
	EventQuestionnaireRequest EventKind = "questionnaire_request"
	EventAgentError           EventKind = "agent_error"
)

// Payload is implemented by every event payload type. The set of
// implementations is closed; the transport switches exhaustively.
type Payload interface {
	EventKind() EventKind
}

// Event is a tagged message emitted by a slot's agent session and
// routed through the workspace manager. Events from the same slot are
// delivered in emission order; there is no cross-slot ordering.
type Event struct {
	WorkspaceID string    `json:"workspace_id"`
	SlotID      string    `json:"slot_id,omitempty"`
	Kind        EventKind `json:"type"`
	Payload     Payload   `json:"payload"`
	Timestamp   time.Time `json:"timestamp"`
}

// InputRequired reports whether the event signals that the agent is
// blocked on user input (or terminally failed). These events bypass
// the buffered-only path: they are always emitted live, buffered, and
// durably recorded so a process restart cannot silently lose them.
func (e Event) InputRequired() bool {
	switch p := e.Payload.(type) {
	case StreamEnded, TextDelta, ThinkingDelta, StreamStarted, ToolStarted, ToolCompleted:
		return false
	case ExtensionRequest, QuestionnaireRequest:
		return true
	case AgentError:
		return p.Terminal
	default:
		return false
	}
}

// StreamStarted marks the beginning of an agent turn on a slot.
type StreamStarted struct{}

// StreamEnded marks the end of an agent turn. Message carries the
// completed assistant message, if any.
type StreamEnded struct {
	Message string `json:"message,omitempty"`
	Aborted bool   `json:"aborted,omitempty"`
}

// TextDelta is an incremental chunk of assistant output text.
type TextDelta struct {
	Text string `json:"text"`
}

// ThinkingDelta is an incremental chunk of assistant reasoning text.
type ThinkingDelta struct {
	Text string `json:"text"`
}

// ToolStarted reports a tool execution beginning.
type ToolStarted struct {
	ToolID string          `json:"tool_id"`
	Name   string          `json:"name"`
	Input  json.RawMessage `json:"input,omitempty"`
}

// ToolCompleted reports a tool execution finishing.
type ToolCompleted struct {
	ToolID  string          `json:"tool_id"`
	Name    string          `json:"name"`
	Output  json.RawMessage `json:"output,omitempty"`
	IsError bool            `json:"is_error,omitempty"`
}

// ExtensionRequest asks a client to drive an extension UI surface.
type ExtensionRequest struct {
	RequestID string          `json:"request_id"`
	Extension string          `json:"extension"`
	Params    json.RawMessage `json:"params,omitempty"`
}

// QuestionnaireRequest asks a client to answer a multi-choice question
// the agent is blocked on.
type QuestionnaireRequest struct {
	RequestID string   `json:"request_id"`
	Question  string   `json:"question"`
	Options   []string `json:"options"`
}

// AgentError reports an agent-session failure. Terminal errors end the
// slot's turn and receive the same durable treatment as questionnaires.
type AgentError struct {
	Message  string `json:"message"`
	Terminal bool   `json:"terminal,omitempty"`
}

func (StreamStarted) EventKind() EventKind        { return EventStreamStarted }
func (StreamEnded) EventKind() EventKind          { return EventStreamEnded }
func (TextDelta) EventKind() EventKind            { return EventTextDelta }
func (ThinkingDelta) EventKind() EventKind        { return EventThinkingDelta }
func (ToolStarted) EventKind() EventKind          { return EventToolStarted }
func (ToolCompleted) EventKind() EventKind        { return EventToolCompleted }
func (ExtensionRequest) EventKind() EventKind     { return EventExtensionRequest }
func (QuestionnaireRequest) EventKind() EventKind { return EventQuestionnaireRequest }
func (AgentError) EventKind() EventKind           { return EventAgentError }
