package workspace

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentdeck/backend/internal/domain/session"
	"github.com/agentdeck/backend/internal/infrastructure/logging"
	"github.com/agentdeck/backend/internal/infrastructure/monitoring"
	"github.com/agentdeck/backend/internal/infrastructure/resilience"
	"github.com/agentdeck/backend/internal/shared/id"
	"github.com/agentdeck/backend/internal/shared/types"
)

// Store is the slice of the sync persistence store the manager needs
// for mirroring. Nil store disables mirroring entirely.
type Store interface {
	StoreDelta(ctx context.Context, workspaceID string, version, baseVersion int64, payload []byte) error
	StoreSnapshot(ctx context.Context, workspaceID string, version int64, payload []byte) error
	HeadVersion(ctx context.Context, workspaceID string) (int64, error)
	SetPending(ctx context.Context, pending types.PendingRequest) error
	ClearPending(ctx context.Context, workspaceID, slotID string) error
}

// Options tunes manager behavior.
type Options struct {
	// BufferCap bounds each workspace's detached-event buffer.
	BufferCap int
	// SnapshotEvery is the number of deltas between full snapshots.
	SnapshotEvery int
}

// DefaultOptions returns production defaults.
func DefaultOptions() Options {
	return Options{BufferCap: 512, SnapshotEvery: 50}
}

// SlotState describes the default slot at attach time.
type SlotState struct {
	SlotID    string                `json:"slot_id"`
	Streaming bool                  `json:"streaming"`
	Pending   *types.PendingRequest `json:"pending,omitempty"`
}

// OpenResult is returned by Open.
type OpenResult struct {
	Workspace  types.WorkspaceInfo `json:"workspace"`
	State      SlotState           `json:"state"`
	Messages   []types.Message     `json:"messages"`
	Buffered   []types.Event       `json:"buffered_events,omitempty"`
	IsExisting bool                `json:"is_existing"`
}

// record is the live registry entry for one workspace.
type record struct {
	id        string
	path      string
	name      string
	createdAt time.Time
	orch      *session.Orchestrator
	buffer    *eventBuffer

	mu          sync.Mutex
	clientCount int
	closed      bool

	// syncMu serializes delta version allocation and the store write,
	// preserving the single-writer gapless-version contract even with
	// several slots emitting concurrently.
	syncMu          sync.Mutex
	nextVersion     int64
	deltasSinceSnap int
}

// Manager is the process-wide workspace registry. Build one per
// process and inject it into the transport; there is no singleton.
type Manager struct {
	factory session.Factory
	opts    Options
	logger  *logging.Logger
	metrics *monitoring.Metrics
	store   Store
	breaker *resilience.Breaker
	subs    *subscriptions

	mu       sync.Mutex
	byPath   map[string]*record
	byID     map[string]*record
	opening  map[string]chan struct{} // canonical path -> creation in flight
	disposed bool
}

// NewManager creates a workspace manager.
func NewManager(factory session.Factory, opts Options, logger *logging.Logger) *Manager {
	if opts.BufferCap <= 0 {
		opts.BufferCap = DefaultOptions().BufferCap
	}
	if opts.SnapshotEvery <= 0 {
		opts.SnapshotEvery = DefaultOptions().SnapshotEvery
	}
	return &Manager{
		factory: factory,
		opts:    opts,
		logger:  logger,
		subs:    newSubscriptions(),
		byPath:  make(map[string]*record),
		byID:    make(map[string]*record),
		opening: make(map[string]chan struct{}),
	}
}

// WithMetrics adds metrics tracking to the manager.
func (m *Manager) WithMetrics(metrics *monitoring.Metrics) *Manager {
	m.metrics = metrics
	return m
}

// WithStore attaches the sync persistence store. The breaker guards
// every store write; when it opens, mirroring is skipped and the live
// path continues.
func (m *Manager) WithStore(store Store, breaker *resilience.Breaker) *Manager {
	m.store = store
	m.breaker = breaker
	return m
}

// Subscribe registers a handler for one event kind.
func (m *Manager) Subscribe(kind types.EventKind, h Handler) Subscription {
	return m.subs.subscribe(kind, h)
}

// SubscribeAll registers a handler for every event kind.
func (m *Manager) SubscribeAll(h Handler) Subscription {
	return m.subs.subscribeAll(h)
}

// Unsubscribe removes a previously registered handler.
func (m *Manager) Unsubscribe(sub Subscription) {
	m.subs.unsubscribe(sub)
}

// Open resolves or creates the workspace for path. Exactly one
// workspace ever exists per canonical path: concurrent callers for the
// same path wait on the in-flight creation and attach to its result.
func (m *Manager) Open(ctx context.Context, path string) (*OpenResult, error) {
	canonical, err := CanonicalizePath(path)
	if err != nil {
		return nil, err
	}

	for {
		m.mu.Lock()
		if m.disposed {
			m.mu.Unlock()
			return nil, fmt.Errorf("workspace manager disposed")
		}
		if wait, inFlight := m.opening[canonical]; inFlight {
			m.mu.Unlock()
			select {
			case <-wait:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		if rec, exists := m.byPath[canonical]; exists {
			m.mu.Unlock()
			return m.attach(ctx, rec)
		}

		// Reserve the path and create outside the registry lock.
		wait := make(chan struct{})
		m.opening[canonical] = wait
		m.mu.Unlock()
		return m.create(ctx, canonical, wait)
	}
}

// create builds the workspace for a reserved path. The reservation is
// released unconditionally; leaving it held on a failed create would
// deadlock every later opener of the path.
func (m *Manager) create(ctx context.Context, canonical string, wait chan struct{}) (result *OpenResult, err error) {
	rec := &record{
		id:        id.NewWorkspaceID().String(),
		path:      canonical,
		name:      filepath.Base(canonical),
		createdAt: time.Now(),
		buffer:    newEventBuffer(m.opts.BufferCap),
	}
	rec.orch = session.NewOrchestrator(rec.id, canonical, m.factory, m.sinkFor(rec), m.logger)
	if m.metrics != nil {
		rec.orch = rec.orch.WithMetrics(m.metrics)
	}

	// Register before the (slow) default-slot init so concurrent
	// openers attach to this record instead of racing to create.
	m.mu.Lock()
	m.byPath[canonical] = rec
	m.byID[rec.id] = rec
	m.mu.Unlock()

	defer func() {
		if err != nil {
			m.mu.Lock()
			delete(m.byPath, canonical)
			delete(m.byID, rec.id)
			m.mu.Unlock()
			rec.orch.Dispose()
		}
		m.mu.Lock()
		delete(m.opening, canonical)
		m.mu.Unlock()
		close(wait)
	}()

	slot, err := rec.orch.DefaultSlot(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize workspace %s: %w", canonical, err)
	}

	if m.store != nil {
		if head, headErr := m.store.HeadVersion(ctx, rec.id); headErr == nil {
			rec.nextVersion = head + 1
		} else {
			rec.nextVersion = 1
			m.logger.Warn("Failed to load sync head version",
				zap.String("workspace_id", rec.id), zap.Error(headErr))
		}
	}

	rec.mu.Lock()
	rec.clientCount = 1
	rec.mu.Unlock()

	if m.metrics != nil {
		m.metrics.WorkspacesOpen.Inc()
		m.metrics.WorkspacesTotal.Inc()
		m.metrics.ClientsAttached.Inc()
	}
	m.logger.Info("Created workspace",
		zap.String("workspace_id", rec.id),
		zap.String("path", canonical),
	)

	return &OpenResult{
		Workspace:  m.snapshot(rec),
		State:      slotState(slot),
		Messages:   slot.Messages(),
		IsExisting: false,
	}, nil
}

// attach joins a live workspace: bumps the client count and drains the
// buffer in one swap, so buffered events are delivered exactly once.
func (m *Manager) attach(ctx context.Context, rec *record) (*OpenResult, error) {
	slot, err := rec.orch.DefaultSlot(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to attach to workspace %s: %w", rec.id, err)
	}

	rec.mu.Lock()
	rec.clientCount++
	rec.mu.Unlock()

	buffered := rec.buffer.drain()

	if m.metrics != nil {
		m.metrics.ClientsAttached.Inc()
		m.metrics.EventsDrained.Add(float64(len(buffered)))
	}
	m.logger.Debug("Client attached",
		zap.String("workspace_id", rec.id),
		zap.Int("buffered_events", len(buffered)),
	)

	return &OpenResult{
		Workspace:  m.snapshot(rec),
		State:      slotState(slot),
		Messages:   slot.Messages(),
		Buffered:   buffered,
		IsExisting: true,
	}, nil
}

// Detach drops one live client. The workspace and its slots keep
// running; in-flight agent activity survives the disconnect.
func (m *Manager) Detach(workspaceID string) error {
	rec, err := m.record(workspaceID)
	if err != nil {
		return err
	}

	rec.mu.Lock()
	if rec.clientCount > 0 {
		rec.clientCount--
		if m.metrics != nil {
			m.metrics.ClientsAttached.Dec()
		}
	}
	count := rec.clientCount
	rec.mu.Unlock()

	m.logger.Debug("Client detached",
		zap.String("workspace_id", workspaceID),
		zap.Int("client_count", count),
	)
	return nil
}

// Close tears a workspace down. Explicit user action only; disconnects
// never reach here.
func (m *Manager) Close(workspaceID string) error {
	m.mu.Lock()
	rec, ok := m.byID[workspaceID]
	if ok {
		delete(m.byID, workspaceID)
		delete(m.byPath, rec.path)
	}
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", types.ErrWorkspaceNotFound, workspaceID)
	}

	rec.mu.Lock()
	rec.closed = true
	attached := rec.clientCount
	rec.clientCount = 0
	rec.mu.Unlock()

	rec.orch.Dispose()

	if m.metrics != nil {
		m.metrics.WorkspacesOpen.Dec()
		m.metrics.ClientsAttached.Sub(float64(attached))
	}
	m.logger.Info("Closed workspace", zap.String("workspace_id", workspaceID))
	return nil
}

// Get returns a snapshot of one workspace record.
func (m *Manager) Get(workspaceID string) (types.WorkspaceInfo, error) {
	rec, err := m.record(workspaceID)
	if err != nil {
		return types.WorkspaceInfo{}, err
	}
	return m.snapshot(rec), nil
}

// Orchestrator returns the workspace's slot orchestrator.
func (m *Manager) Orchestrator(workspaceID string) (*session.Orchestrator, error) {
	rec, err := m.record(workspaceID)
	if err != nil {
		return nil, err
	}
	return rec.orch, nil
}

// List returns snapshots of all live workspaces.
func (m *Manager) List() []types.WorkspaceInfo {
	m.mu.Lock()
	records := make([]*record, 0, len(m.byID))
	for _, rec := range m.byID {
		records = append(records, rec)
	}
	m.mu.Unlock()

	infos := make([]types.WorkspaceInfo, 0, len(records))
	for _, rec := range records {
		infos = append(infos, m.snapshot(rec))
	}
	return infos
}

// Active returns workspaces with at least one streaming slot.
func (m *Manager) Active() []types.WorkspaceInfo {
	var active []types.WorkspaceInfo
	for _, info := range m.List() {
		if info.Active {
			active = append(active, info)
		}
	}
	return active
}

// Prompt forwards a prompt to a slot.
func (m *Manager) Prompt(ctx context.Context, workspaceID, slotID, text string) error {
	rec, err := m.record(workspaceID)
	if err != nil {
		return err
	}
	return rec.orch.Prompt(ctx, slotID, text)
}

// Answer resolves a slot's pending input request and clears its
// durable record.
func (m *Manager) Answer(ctx context.Context, workspaceID, slotID, requestID, option string) error {
	rec, err := m.record(workspaceID)
	if err != nil {
		return err
	}
	if err := rec.orch.Answer(ctx, slotID, requestID, option); err != nil {
		return err
	}
	if m.store != nil {
		m.guarded("clear_pending", func() error {
			return m.store.ClearPending(ctx, workspaceID, slotID)
		})
	}
	return nil
}

// Abort relays cancellation of a slot's in-flight turn.
func (m *Manager) Abort(ctx context.Context, workspaceID, slotID string) error {
	rec, err := m.record(workspaceID)
	if err != nil {
		return err
	}
	return rec.orch.Abort(ctx, slotID)
}

// Dispose shuts down every workspace. Used at process shutdown.
func (m *Manager) Dispose() {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return
	}
	m.disposed = true
	records := make([]*record, 0, len(m.byID))
	for _, rec := range m.byID {
		records = append(records, rec)
	}
	m.byID = make(map[string]*record)
	m.byPath = make(map[string]*record)
	m.mu.Unlock()

	for _, rec := range records {
		rec.mu.Lock()
		rec.closed = true
		rec.mu.Unlock()
		rec.orch.Dispose()
	}
	m.logger.Info("Workspace manager disposed", zap.Int("workspaces", len(records)))
}

func (m *Manager) record(workspaceID string) (*record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.byID[workspaceID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrWorkspaceNotFound, workspaceID)
	}
	return rec, nil
}

func (m *Manager) snapshot(rec *record) types.WorkspaceInfo {
	rec.mu.Lock()
	count := rec.clientCount
	rec.mu.Unlock()

	return types.WorkspaceInfo{
		ID:          rec.id,
		Path:        rec.path,
		Name:        rec.name,
		ClientCount: count,
		Active:      rec.orch.Active(),
		CreatedAt:   rec.createdAt,
	}
}

func slotState(slot *session.Slot) SlotState {
	return SlotState{
		SlotID:    slot.ID(),
		Streaming: slot.Streaming(),
		Pending:   slot.Pending(),
	}
}

// sinkFor binds the routing path for one workspace record.
func (m *Manager) sinkFor(rec *record) session.Sink {
	return func(event types.Event) {
		m.route(rec, event)
	}
}

// route delivers one orchestrator event. Live clients get it through
// the subscription registry; a detached workspace buffers it. Events
// signaling that the agent is blocked on input are emitted live
// regardless, buffered for the next attach, and durably recorded so a
// process restart cannot lose them.
func (m *Manager) route(rec *record, event types.Event) {
	rec.mu.Lock()
	closed := rec.closed
	live := rec.clientCount > 0
	rec.mu.Unlock()
	if closed {
		return
	}

	input := event.InputRequired()

	if live || input {
		m.subs.publish(event)
		if m.metrics != nil {
			m.metrics.EventsRouted.WithLabelValues(string(event.Kind)).Inc()
		}
	}
	if !live || input {
		if rec.buffer.append(event) {
			if m.metrics != nil {
				m.metrics.EventsBuffered.Inc()
			}
		} else {
			if m.metrics != nil {
				m.metrics.EventsDropped.Inc()
			}
			m.logger.Warn("Dropped event: workspace buffer full",
				zap.String("workspace_id", event.WorkspaceID),
				zap.String("slot_id", event.SlotID),
				zap.String("kind", string(event.Kind)),
			)
		}
	}

	if m.store != nil {
		m.mirror(rec, event, input)
	}
}

// mirror records the event's durable footprint: pending state for
// input-required events, plus a versioned delta for every event that
// mutates replayable state. Failures are logged and counted, never
// propagated into the live path.
func (m *Manager) mirror(rec *record, event types.Event, input bool) {
	ctx := context.Background()

	if input {
		pending := types.PendingRequest{
			WorkspaceID: event.WorkspaceID,
			SlotID:      event.SlotID,
			Kind:        event.Kind,
			CreatedAt:   event.Timestamp,
		}
		if payload, err := json.Marshal(event.Payload); err == nil {
			pending.Payload = payload
		}
		m.guarded("set_pending", func() error {
			return m.store.SetPending(ctx, pending)
		})
	}

	if !mutatesState(event) {
		return
	}

	payload, err := json.Marshal(event)
	if err != nil {
		m.logger.Warn("Failed to encode delta payload", zap.Error(err))
		return
	}

	rec.syncMu.Lock()
	defer rec.syncMu.Unlock()

	if rec.nextVersion == 0 {
		rec.nextVersion = 1
	}
	version := rec.nextVersion

	ok := m.guarded("store_delta", func() error {
		return m.store.StoreDelta(ctx, rec.id, version, version-1, payload)
	})
	if !ok {
		// Version was not consumed; the next delta reuses it so the
		// per-workspace sequence stays gapless.
		return
	}
	rec.nextVersion++
	rec.deltasSinceSnap++

	if rec.deltasSinceSnap >= m.opts.SnapshotEvery {
		if snapshot, err := m.snapshotPayload(rec); err == nil {
			if m.guarded("store_snapshot", func() error {
				return m.store.StoreSnapshot(ctx, rec.id, version, snapshot)
			}) {
				rec.deltasSinceSnap = 0
			}
		}
	}
}

// mutatesState selects the events worth a durable delta. Live text and
// thinking deltas are reconstructable from the turn's stream-end
// record and would bloat the log.
func mutatesState(event types.Event) bool {
	switch event.Payload.(type) {
	case types.StreamEnded, types.ToolCompleted, types.ExtensionRequest, types.QuestionnaireRequest:
		return true
	case types.AgentError:
		return event.InputRequired()
	default:
		return false
	}
}

// snapshotPayload captures full workspace state for a checkpoint.
func (m *Manager) snapshotPayload(rec *record) ([]byte, error) {
	type slotCapture struct {
		SlotID    string                `json:"slot_id"`
		Streaming bool                  `json:"streaming"`
		Pending   *types.PendingRequest `json:"pending,omitempty"`
		Messages  []types.Message       `json:"messages"`
	}

	capture := struct {
		Workspace types.WorkspaceInfo `json:"workspace"`
		Slots     []slotCapture       `json:"slots"`
	}{Workspace: m.snapshot(rec)}

	for _, slotID := range rec.orch.Slots() {
		slot, err := rec.orch.Slot(slotID)
		if err != nil {
			continue
		}
		capture.Slots = append(capture.Slots, slotCapture{
			SlotID:    slot.ID(),
			Streaming: slot.Streaming(),
			Pending:   slot.Pending(),
			Messages:  slot.Messages(),
		})
	}
	return json.Marshal(capture)
}

// guarded runs a store write behind the circuit breaker; returns true
// on success.
func (m *Manager) guarded(op string, fn func() error) bool {
	start := time.Now()
	var err error
	if m.breaker != nil {
		err = m.breaker.Do(fn)
	} else {
		err = fn()
	}
	if m.metrics != nil {
		m.metrics.RecordSyncOp(op, time.Since(start), err)
	}
	if err != nil {
		m.logger.Warn("Sync store write failed",
			zap.String("op", op),
			zap.Error(err),
		)
		return false
	}
	return true
}
