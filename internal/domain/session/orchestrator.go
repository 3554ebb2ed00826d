package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentdeck/backend/internal/infrastructure/logging"
	"github.com/agentdeck/backend/internal/infrastructure/monitoring"
	"github.com/agentdeck/backend/internal/shared/types"
)

// DefaultSlotID is the slot created automatically with a workspace.
const DefaultSlotID = "default"

// Orchestrator owns the slots of one workspace.
type Orchestrator struct {
	workspaceID string
	path        string
	factory     Factory
	sink        Sink
	logger      *logging.Logger
	metrics     *monitoring.Metrics

	mu        sync.RWMutex
	slots     map[string]*Slot
	reserved  map[string]struct{} // slot ids with creation in flight
	disposed  bool
	forwarder sync.WaitGroup
}

// Slot binds one agent session and its pending-input bookkeeping.
type Slot struct {
	id      string
	session Session

	mu        sync.Mutex
	pending   *types.PendingRequest
	streaming bool
}

// ID returns the slot's workspace-scoped key.
func (s *Slot) ID() string { return s.id }

// Streaming reports whether the slot's agent session is mid-turn.
func (s *Slot) Streaming() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streaming
}

// Pending returns a copy of the slot's pending input request, if any.
func (s *Slot) Pending() *types.PendingRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == nil {
		return nil
	}
	p := *s.pending
	return &p
}

// Messages returns the slot's conversation history.
func (s *Slot) Messages() []types.Message {
	return s.session.Messages()
}

// NewOrchestrator creates an orchestrator for one workspace. Events
// from every slot are delivered to sink tagged with the slot id.
func NewOrchestrator(workspaceID, path string, factory Factory, sink Sink, logger *logging.Logger) *Orchestrator {
	return &Orchestrator{
		workspaceID: workspaceID,
		path:        path,
		factory:     factory,
		sink:        sink,
		logger:      logger,
		slots:       make(map[string]*Slot),
		reserved:    make(map[string]struct{}),
	}
}

// WithMetrics adds metrics tracking to the orchestrator.
func (o *Orchestrator) WithMetrics(metrics *monitoring.Metrics) *Orchestrator {
	o.metrics = metrics
	return o
}

// DefaultSlot returns the default slot, creating it on first use.
func (o *Orchestrator) DefaultSlot(ctx context.Context) (*Slot, error) {
	o.mu.RLock()
	slot, ok := o.slots[DefaultSlotID]
	o.mu.RUnlock()
	if ok {
		return slot, nil
	}
	return o.CreateSlot(ctx, DefaultSlotID)
}

// CreateSlot binds a new agent session under the given id. A failure
// here leaves sibling slots and the workspace record untouched.
func (o *Orchestrator) CreateSlot(ctx context.Context, slotID string) (*Slot, error) {
	if slotID == "" {
		return nil, fmt.Errorf("slot id must not be empty")
	}

	o.mu.Lock()
	if o.disposed {
		o.mu.Unlock()
		return nil, fmt.Errorf("orchestrator disposed")
	}
	if _, exists := o.slots[slotID]; exists {
		o.mu.Unlock()
		return nil, fmt.Errorf("slot %q already exists", slotID)
	}
	if _, creating := o.reserved[slotID]; creating {
		o.mu.Unlock()
		return nil, fmt.Errorf("slot %q is being created", slotID)
	}
	o.reserved[slotID] = struct{}{}
	o.mu.Unlock()

	// Session creation is the slow part; do it without the lock.
	sess, err := o.factory.New(ctx, o.path)

	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.reserved, slotID)

	if err != nil {
		return nil, fmt.Errorf("failed to create agent session for slot %q: %w", slotID, err)
	}
	if o.disposed {
		sess.Close()
		return nil, fmt.Errorf("orchestrator disposed")
	}

	slot := &Slot{id: slotID, session: sess}
	o.slots[slotID] = slot

	o.forwarder.Add(1)
	go o.forward(slot)

	if o.metrics != nil {
		o.metrics.SlotsTotal.Inc()
	}
	o.logger.Info("Created slot",
		zap.String("workspace_id", o.workspaceID),
		zap.String("slot_id", slotID),
	)

	return slot, nil
}

// Slot returns the slot with the given id.
func (o *Orchestrator) Slot(slotID string) (*Slot, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	slot, ok := o.slots[slotID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrSlotNotFound, slotID)
	}
	return slot, nil
}

// Slots returns the ids of all live slots.
func (o *Orchestrator) Slots() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()

	ids := make([]string, 0, len(o.slots))
	for id := range o.slots {
		ids = append(ids, id)
	}
	return ids
}

// CloseSlot terminates the slot's agent session and removes it.
func (o *Orchestrator) CloseSlot(slotID string) error {
	o.mu.Lock()
	slot, ok := o.slots[slotID]
	if ok {
		delete(o.slots, slotID)
	}
	o.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", types.ErrSlotNotFound, slotID)
	}

	if err := slot.session.Close(); err != nil {
		o.logger.Warn("Error closing agent session",
			zap.String("workspace_id", o.workspaceID),
			zap.String("slot_id", slotID),
			zap.Error(err),
		)
	}
	return nil
}

// Active reports whether any slot's agent session is streaming.
func (o *Orchestrator) Active() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()

	for _, slot := range o.slots {
		if slot.Streaming() {
			return true
		}
	}
	return false
}

// Prompt forwards a prompt to the slot's agent session.
func (o *Orchestrator) Prompt(ctx context.Context, slotID, text string) error {
	slot, err := o.Slot(slotID)
	if err != nil {
		return err
	}
	return slot.session.Prompt(ctx, text)
}

// Answer resolves the slot's pending input request. The pending record
// is cleared only once the session accepts the answer, so a rejected
// answer leaves the request open for retry; the durable copy is
// cleared by the manager.
func (o *Orchestrator) Answer(ctx context.Context, slotID, requestID, option string) error {
	slot, err := o.Slot(slotID)
	if err != nil {
		return err
	}

	slot.mu.Lock()
	pending := slot.pending
	slot.mu.Unlock()
	if pending == nil {
		return fmt.Errorf("slot %q has no pending request", slotID)
	}

	if err := slot.session.Answer(ctx, requestID, option); err != nil {
		return err
	}

	slot.mu.Lock()
	slot.pending = nil
	slot.mu.Unlock()
	return nil
}

// Abort relays cancellation of the slot's in-flight turn. Streaming
// state flips only when the session confirms by ending its stream.
func (o *Orchestrator) Abort(ctx context.Context, slotID string) error {
	slot, err := o.Slot(slotID)
	if err != nil {
		return err
	}
	return slot.session.Abort(ctx)
}

// Dispose terminates every slot's agent session. Safe to call more
// than once.
func (o *Orchestrator) Dispose() {
	o.mu.Lock()
	if o.disposed {
		o.mu.Unlock()
		return
	}
	o.disposed = true
	slots := make([]*Slot, 0, len(o.slots))
	for _, slot := range o.slots {
		slots = append(slots, slot)
	}
	o.slots = make(map[string]*Slot)
	o.mu.Unlock()

	for _, slot := range slots {
		if err := slot.session.Close(); err != nil {
			o.logger.Warn("Error closing agent session during dispose",
				zap.String("workspace_id", o.workspaceID),
				zap.String("slot_id", slot.id),
				zap.Error(err),
			)
		}
	}
	o.forwarder.Wait()

	o.logger.Info("Disposed orchestrator", zap.String("workspace_id", o.workspaceID))
}

// forward relays one slot's session events to the sink. Runs until the
// session closes its event channel; being the only reader keeps
// per-slot emission order intact.
func (o *Orchestrator) forward(slot *Slot) {
	defer o.forwarder.Done()

	for payload := range slot.session.Events() {
		o.track(slot, payload)
		o.sink(types.Event{
			WorkspaceID: o.workspaceID,
			SlotID:      slot.id,
			Kind:        payload.EventKind(),
			Payload:     payload,
			Timestamp:   time.Now(),
		})
	}
}

// track updates slot streaming/pending state from the payload before
// the event leaves the orchestrator.
func (o *Orchestrator) track(slot *Slot, payload types.Payload) {
	slot.mu.Lock()
	defer slot.mu.Unlock()

	switch p := payload.(type) {
	case types.StreamStarted:
		if !slot.streaming && o.metrics != nil {
			o.metrics.SlotsActive.Inc()
		}
		slot.streaming = true
	case types.StreamEnded:
		if slot.streaming && o.metrics != nil {
			o.metrics.SlotsActive.Dec()
		}
		slot.streaming = false
	case types.AgentError:
		if p.Terminal {
			if slot.streaming && o.metrics != nil {
				o.metrics.SlotsActive.Dec()
			}
			slot.streaming = false
		}
	case types.QuestionnaireRequest:
		slot.pending = &types.PendingRequest{
			WorkspaceID: o.workspaceID,
			SlotID:      slot.id,
			Kind:        types.EventQuestionnaireRequest,
			CreatedAt:   time.Now(),
		}
	case types.ExtensionRequest:
		slot.pending = &types.PendingRequest{
			WorkspaceID: o.workspaceID,
			SlotID:      slot.id,
			Kind:        types.EventExtensionRequest,
			CreatedAt:   time.Now(),
		}
	}
}
