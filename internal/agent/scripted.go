package agent

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/agentdeck/backend/internal/domain/session"
	"github.com/agentdeck/backend/internal/shared/id"
	"github.com/agentdeck/backend/internal/shared/types"
)

// ScriptedFactory creates scripted sessions that answer without any
// model connection. Used in development mode and tests.
type ScriptedFactory struct{}

// NewScriptedFactory builds the scripted factory.
func NewScriptedFactory() *ScriptedFactory {
	return &ScriptedFactory{}
}

// New creates a scripted session.
func (f *ScriptedFactory) New(ctx context.Context, workspacePath string) (session.Session, error) {
	return &scriptedSession{
		workspacePath: workspacePath,
		events:        make(chan types.Payload, eventChanCap),
	}, nil
}

// scriptedSession echoes prompts back as a streamed turn. A prompt
// prefixed with "ask:" produces a questionnaire request instead, so the
// full pending-input path can be driven end to end without a model.
type scriptedSession struct {
	workspacePath string
	events        chan types.Payload

	mu        sync.Mutex
	messages  []types.Message
	streaming bool
	closed    bool

	turns sync.WaitGroup
}

func (s *scriptedSession) Events() <-chan types.Payload { return s.events }

func (s *scriptedSession) Messages() []types.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.Message(nil), s.messages...)
}

func (s *scriptedSession) Streaming() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streaming
}

func (s *scriptedSession) Prompt(ctx context.Context, text string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("session closed")
	}
	if s.streaming {
		s.mu.Unlock()
		return fmt.Errorf("turn already in progress")
	}
	s.streaming = true
	s.messages = append(s.messages, types.Message{
		Role:      "user",
		Content:   text,
		CreatedAt: time.Now(),
	})
	s.turns.Add(1)
	s.mu.Unlock()

	go s.runTurn(text)
	return nil
}

func (s *scriptedSession) Answer(ctx context.Context, requestID, option string) error {
	return s.Prompt(ctx, option)
}

func (s *scriptedSession) Abort(ctx context.Context) error {
	// Scripted turns are instantaneous; nothing to cancel.
	return nil
}

func (s *scriptedSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.turns.Wait()
	close(s.events)
	return nil
}

func (s *scriptedSession) runTurn(text string) {
	defer s.turns.Done()

	s.emit(types.StreamStarted{})

	if question, ok := strings.CutPrefix(text, "ask:"); ok {
		s.emit(types.QuestionnaireRequest{
			RequestID: id.NewEventID().String(),
			Question:  strings.TrimSpace(question),
			Options:   []string{"yes", "no"},
		})
		s.finishTurn("")
		return
	}

	reply := "echo: " + text
	for _, chunk := range splitChunks(reply, 8) {
		s.emit(types.TextDelta{Text: chunk})
	}
	s.finishTurn(reply)
}

func (s *scriptedSession) finishTurn(reply string) {
	s.mu.Lock()
	s.streaming = false
	if reply != "" {
		s.messages = append(s.messages, types.Message{
			Role:      "assistant",
			Content:   reply,
			CreatedAt: time.Now(),
		})
	}
	s.mu.Unlock()

	s.emit(types.StreamEnded{Message: reply})
}

func (s *scriptedSession) emit(p types.Payload) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return
	}
	s.events <- p
}

func splitChunks(text string, size int) []string {
	var chunks []string
	for len(text) > size {
		chunks = append(chunks, text[:size])
		text = text[size:]
	}
	if text != "" {
		chunks = append(chunks, text)
	}
	return chunks
}
