package session

import (
	"context"

	"github.com/agentdeck/backend/internal/shared/types"
)

// Session is the handle to one external agent session. Implementations
// own the model connection; the orchestrator only relays commands and
// consumes the event stream.
//
// Events() yields payloads in emission order and is closed by Close().
// Prompt starts an agent turn; Abort relays cancellation to the agent,
// which confirms by ending the stream. Answer resolves a pending
// questionnaire or extension request.
type Session interface {
	Prompt(ctx context.Context, text string) error
	Answer(ctx context.Context, requestID, option string) error
	Abort(ctx context.Context) error
	Events() <-chan types.Payload
	Messages() []types.Message
	Streaming() bool
	Close() error
}

// Factory creates agent sessions bound to a workspace path.
type Factory interface {
	New(ctx context.Context, workspacePath string) (Session, error)
}

// Sink receives slot-tagged events from the orchestrator, one call per
// event, in per-slot emission order. Calls for different slots may
// interleave.
type Sink func(event types.Event)
