package agent

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.uber.org/zap"

	"github.com/agentdeck/backend/internal/domain/session"
	"github.com/agentdeck/backend/internal/infrastructure/logging"
	"github.com/agentdeck/backend/internal/shared/types"
)

const (
	defaultModel     = "claude-sonnet-4-5"
	defaultMaxTokens = 4096

	eventChanCap = 64
)

// AnthropicFactory creates streaming Anthropic sessions.
type AnthropicFactory struct {
	client    anthropic.Client
	model     string
	maxTokens int64
	logger    *logging.Logger
}

// NewAnthropicFactory builds a session factory backed by the official
// Anthropic SDK.
func NewAnthropicFactory(apiKey, model string, logger *logging.Logger) (*AnthropicFactory, error) {
	key := strings.TrimSpace(apiKey)
	if key == "" {
		return nil, fmt.Errorf("anthropic factory requires an API key")
	}
	if strings.TrimSpace(model) == "" {
		model = defaultModel
	}

	return &AnthropicFactory{
		client:    anthropic.NewClient(option.WithAPIKey(key)),
		model:     model,
		maxTokens: defaultMaxTokens,
		logger:    logger,
	}, nil
}

// New creates a session rooted at the workspace path.
func (f *AnthropicFactory) New(ctx context.Context, workspacePath string) (session.Session, error) {
	return &anthropicSession{
		client:        f.client,
		model:         f.model,
		maxTokens:     f.maxTokens,
		workspacePath: workspacePath,
		logger:        f.logger,
		events:        make(chan types.Payload, eventChanCap),
	}, nil
}

// anthropicSession is one conversation with the model. A session runs
// at most one turn at a time; the turn goroutine is the only sender on
// the events channel while it runs.
type anthropicSession struct {
	client        anthropic.Client
	model         string
	maxTokens     int64
	workspacePath string
	logger        *logging.Logger
	events        chan types.Payload

	mu        sync.Mutex
	history   []anthropic.MessageParam
	messages  []types.Message
	streaming bool
	closed    bool
	cancel    context.CancelFunc

	turns sync.WaitGroup
}

func (s *anthropicSession) Events() <-chan types.Payload { return s.events }

func (s *anthropicSession) Messages() []types.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.Message(nil), s.messages...)
}

func (s *anthropicSession) Streaming() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streaming
}

// Prompt starts one agent turn. Rejected while a turn is in flight.
func (s *anthropicSession) Prompt(ctx context.Context, text string) error {
	return s.startTurn(ctx, text)
}

// Answer resolves a pending request by feeding the chosen option back
// into the conversation as the next user turn.
func (s *anthropicSession) Answer(ctx context.Context, requestID, option string) error {
	return s.startTurn(ctx, option)
}

func (s *anthropicSession) startTurn(ctx context.Context, text string) error {
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
	s.history = append(s.history, anthropic.MessageParam{
		Role:    anthropic.MessageParamRoleUser,
		Content: []anthropic.ContentBlockParamUnion{anthropic.NewTextBlock(text)},
	})
	s.messages = append(s.messages, types.Message{
		Role:      "user",
		Content:   text,
		CreatedAt: time.Now(),
	})
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(s.model),
		MaxTokens: s.maxTokens,
		Messages:  append([]anthropic.MessageParam(nil), s.history...),
	}

	// The turn outlives the caller's request context.
	turnCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.turns.Add(1)
	s.mu.Unlock()

	go s.runTurn(turnCtx, params)
	return nil
}

func (s *anthropicSession) runTurn(ctx context.Context, params anthropic.MessageNewParams) {
	defer s.turns.Done()

	s.emit(types.StreamStarted{})

	var assistant strings.Builder
	stream := s.client.Messages.NewStreaming(ctx, params)
	defer stream.Close()

	for stream.Next() {
		event := stream.Current()

		deltaEvent, ok := event.AsAny().(anthropic.ContentBlockDeltaEvent)
		if !ok {
			continue
		}

		switch delta := deltaEvent.Delta.AsAny().(type) {
		case anthropic.TextDelta:
			if delta.Text == "" {
				continue
			}
			assistant.WriteString(delta.Text)
			s.emit(types.TextDelta{Text: delta.Text})
		case anthropic.ThinkingDelta:
			if delta.Thinking == "" {
				continue
			}
			s.emit(types.ThinkingDelta{Text: delta.Thinking})
		}
	}

	err := stream.Err()
	aborted := ctx.Err() != nil

	s.mu.Lock()
	s.streaming = false
	s.cancel = nil
	if err == nil || aborted {
		if text := assistant.String(); text != "" {
			s.history = append(s.history, anthropic.MessageParam{
				Role:    anthropic.MessageParamRoleAssistant,
				Content: []anthropic.ContentBlockParamUnion{anthropic.NewTextBlock(text)},
			})
			s.messages = append(s.messages, types.Message{
				Role:      "assistant",
				Content:   text,
				CreatedAt: time.Now(),
			})
		}
	}
	s.mu.Unlock()

	switch {
	case aborted:
		s.emit(types.StreamEnded{Message: assistant.String(), Aborted: true})
	case err != nil:
		s.logger.Warn("Agent stream failed", zap.Error(err))
		s.emit(types.AgentError{Message: err.Error(), Terminal: true})
	default:
		s.emit(types.StreamEnded{Message: assistant.String()})
	}
}

// Abort cancels the in-flight turn. The turn goroutine confirms by
// ending its stream.
func (s *anthropicSession) Abort(ctx context.Context) error {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	return nil
}

// Close aborts any in-flight turn, waits it out, and closes the event
// channel. Safe to call more than once.
func (s *anthropicSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.turns.Wait()
	close(s.events)
	return nil
}

// emit delivers a payload unless the session is already closed.
func (s *anthropicSession) emit(p types.Payload) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return
	}
	s.events <- p
}
