package workspace

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentdeck/backend/internal/domain/session"
	"github.com/agentdeck/backend/internal/infrastructure/logging"
	"github.com/agentdeck/backend/internal/shared/types"
)

type fakeSession struct {
	events chan types.Payload
	mu     sync.Mutex
	closed bool
}

func newFakeSession() *fakeSession {
	return &fakeSession{events: make(chan types.Payload, 64)}
}

func (f *fakeSession) Prompt(ctx context.Context, text string) error { return nil }
func (f *fakeSession) Answer(ctx context.Context, requestID, option string) error {
	return nil
}
func (f *fakeSession) Abort(ctx context.Context) error { return nil }
func (f *fakeSession) Events() <-chan types.Payload    { return f.events }
func (f *fakeSession) Messages() []types.Message       { return nil }
func (f *fakeSession) Streaming() bool                 { return false }
func (f *fakeSession) emit(p types.Payload)            { f.events <- p }

func (f *fakeSession) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.events)
	}
	return nil
}

type fakeFactory struct {
	mu       sync.Mutex
	sessions []*fakeSession
	delay    time.Duration
}

func (f *fakeFactory) New(ctx context.Context, workspacePath string) (session.Session, error) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	sess := newFakeSession()
	f.sessions = append(f.sessions, sess)
	return sess, nil
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sessions)
}

func (f *fakeFactory) last() *fakeSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessions[len(f.sessions)-1]
}

// fakeStore records mirrored writes and can fail on demand.
type fakeStore struct {
	mu        sync.Mutex
	deltas    map[string][]types.DeltaRecord
	snapshots map[string][]types.SnapshotRecord
	pending   map[string]types.PendingRequest
	failNext  int
	head      int64 // reported when no deltas are recorded yet
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		deltas:    make(map[string][]types.DeltaRecord),
		snapshots: make(map[string][]types.SnapshotRecord),
		pending:   make(map[string]types.PendingRequest),
	}
}

func (s *fakeStore) StoreDelta(ctx context.Context, workspaceID string, version, baseVersion int64, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNext > 0 {
		s.failNext--
		return types.NewPersistenceError("store_delta", errors.New("disk full"))
	}
	s.deltas[workspaceID] = append(s.deltas[workspaceID], types.DeltaRecord{
		WorkspaceID: workspaceID,
		Version:     version,
		BaseVersion: baseVersion,
		Payload:     payload,
	})
	return nil
}

func (s *fakeStore) StoreSnapshot(ctx context.Context, workspaceID string, version int64, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[workspaceID] = append(s.snapshots[workspaceID], types.SnapshotRecord{
		WorkspaceID: workspaceID,
		Version:     version,
		Payload:     payload,
	})
	return nil
}

func (s *fakeStore) HeadVersion(ctx context.Context, workspaceID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	deltas := s.deltas[workspaceID]
	if len(deltas) == 0 {
		return s.head, nil
	}
	return deltas[len(deltas)-1].Version, nil
}

func (s *fakeStore) SetPending(ctx context.Context, pending types.PendingRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[pending.WorkspaceID+"/"+pending.SlotID] = pending
	return nil
}

func (s *fakeStore) ClearPending(ctx context.Context, workspaceID, slotID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, workspaceID+"/"+slotID)
	return nil
}

func (s *fakeStore) deltaVersions(workspaceID string) []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	versions := make([]int64, 0, len(s.deltas[workspaceID]))
	for _, d := range s.deltas[workspaceID] {
		versions = append(versions, d.Version)
	}
	return versions
}

func newTestManager(t *testing.T, factory session.Factory, opts Options) *Manager {
	t.Helper()
	mgr := NewManager(factory, opts, logging.NewDevelopment())
	t.Cleanup(mgr.Dispose)
	return mgr
}

func waitUntil(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if cond() {
			return
		}
		select {
		case <-deadline:
			t.Fatal(msg)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestOpenCreatesThenAttaches(t *testing.T) {
	factory := &fakeFactory{}
	mgr := newTestManager(t, factory, DefaultOptions())
	dir := t.TempDir()

	first, err := mgr.Open(context.Background(), dir)
	require.NoError(t, err)
	assert.False(t, first.IsExisting)
	assert.Equal(t, 1, first.Workspace.ClientCount)
	assert.Equal(t, session.DefaultSlotID, first.State.SlotID)

	second, err := mgr.Open(context.Background(), dir)
	require.NoError(t, err)
	assert.True(t, second.IsExisting)
	assert.Equal(t, first.Workspace.ID, second.Workspace.ID)
	assert.Equal(t, 2, second.Workspace.ClientCount)

	// One workspace, one agent session.
	assert.Len(t, mgr.List(), 1)
	assert.Equal(t, 1, factory.count())
}

func TestOpenCanonicalizesPathSpellings(t *testing.T) {
	factory := &fakeFactory{}
	mgr := newTestManager(t, factory, DefaultOptions())
	dir := t.TempDir()

	first, err := mgr.Open(context.Background(), dir)
	require.NoError(t, err)

	// A dot-infested spelling of the same directory attaches.
	second, err := mgr.Open(context.Background(), dir+"/./.")
	require.NoError(t, err)
	assert.True(t, second.IsExisting)
	assert.Equal(t, first.Workspace.ID, second.Workspace.ID)
}

func TestConcurrentOpensYieldOneWorkspace(t *testing.T) {
	factory := &fakeFactory{delay: 20 * time.Millisecond}
	mgr := newTestManager(t, factory, DefaultOptions())
	dir := t.TempDir()

	const n = 16
	results := make([]*OpenResult, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = mgr.Open(context.Background(), dir)
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	creators := 0
	for _, res := range results {
		if !res.IsExisting {
			creators++
		}
		assert.Equal(t, results[0].Workspace.ID, res.Workspace.ID)
	}
	assert.Equal(t, 1, creators)
	assert.Equal(t, 1, factory.count())

	info, err := mgr.Get(results[0].Workspace.ID)
	require.NoError(t, err)
	assert.Equal(t, n, info.ClientCount)
}

func TestDetachNeverDestroysWorkspace(t *testing.T) {
	factory := &fakeFactory{}
	mgr := newTestManager(t, factory, DefaultOptions())
	dir := t.TempDir()

	res, err := mgr.Open(context.Background(), dir)
	require.NoError(t, err)
	wsID := res.Workspace.ID

	for i := 0; i < 3; i++ {
		require.NoError(t, mgr.Detach(wsID))

		info, err := mgr.Get(wsID)
		require.NoError(t, err)
		assert.Equal(t, 0, info.ClientCount)
		assert.False(t, factory.last().closed)

		re, err := mgr.Open(context.Background(), dir)
		require.NoError(t, err)
		assert.True(t, re.IsExisting)
	}

	// Extra detaches floor at zero.
	require.NoError(t, mgr.Detach(wsID))
	require.NoError(t, mgr.Detach(wsID))
	info, err := mgr.Get(wsID)
	require.NoError(t, err)
	assert.Equal(t, 0, info.ClientCount)
}

func TestBufferedEventsReplayedOnceInOrder(t *testing.T) {
	factory := &fakeFactory{}
	mgr := newTestManager(t, factory, DefaultOptions())
	dir := t.TempDir()

	res, err := mgr.Open(context.Background(), dir)
	require.NoError(t, err)
	require.NoError(t, mgr.Detach(res.Workspace.ID))

	sess := factory.last()
	sess.emit(types.TextDelta{Text: "one"})
	sess.emit(types.TextDelta{Text: "two"})
	sess.emit(types.TextDelta{Text: "three"})

	rec, err := mgr.record(res.Workspace.ID)
	require.NoError(t, err)
	waitUntil(t, func() bool { return rec.buffer.len() == 3 }, "events never buffered")

	re, err := mgr.Open(context.Background(), dir)
	require.NoError(t, err)
	require.Len(t, re.Buffered, 3)
	for i, want := range []string{"one", "two", "three"} {
		assert.Equal(t, want, re.Buffered[i].Payload.(types.TextDelta).Text)
	}

	// Drained exactly once: another attach sees an empty buffer.
	require.NoError(t, mgr.Detach(res.Workspace.ID))
	again, err := mgr.Open(context.Background(), dir)
	require.NoError(t, err)
	assert.Empty(t, again.Buffered)
}

func TestBufferDropsWhenFull(t *testing.T) {
	factory := &fakeFactory{}
	mgr := newTestManager(t, factory, Options{BufferCap: 2, SnapshotEvery: 50})
	dir := t.TempDir()

	res, err := mgr.Open(context.Background(), dir)
	require.NoError(t, err)
	require.NoError(t, mgr.Detach(res.Workspace.ID))

	sess := factory.last()
	sess.emit(types.TextDelta{Text: "kept-1"})
	sess.emit(types.TextDelta{Text: "kept-2"})
	sess.emit(types.TextDelta{Text: "dropped"})

	rec, err := mgr.record(res.Workspace.ID)
	require.NoError(t, err)
	waitUntil(t, func() bool { return rec.buffer.droppedCount() == 1 }, "drop never recorded")

	re, err := mgr.Open(context.Background(), dir)
	require.NoError(t, err)
	require.Len(t, re.Buffered, 2)
	assert.Equal(t, "kept-1", re.Buffered[0].Payload.(types.TextDelta).Text)
	assert.Equal(t, "kept-2", re.Buffered[1].Payload.(types.TextDelta).Text)
}

func TestInputRequiredEventsAlwaysLive(t *testing.T) {
	factory := &fakeFactory{}
	mgr := newTestManager(t, factory, DefaultOptions())
	dir := t.TempDir()

	var published []types.Event
	var pubMu sync.Mutex
	mgr.SubscribeAll(func(event types.Event) {
		pubMu.Lock()
		defer pubMu.Unlock()
		published = append(published, event)
	})

	res, err := mgr.Open(context.Background(), dir)
	require.NoError(t, err)
	require.NoError(t, mgr.Detach(res.Workspace.ID))

	sess := factory.last()
	sess.emit(types.TextDelta{Text: "buffered only"})
	sess.emit(types.QuestionnaireRequest{RequestID: "req_1", Question: "ok?", Options: []string{"yes"}})

	waitUntil(t, func() bool {
		pubMu.Lock()
		defer pubMu.Unlock()
		return len(published) == 1
	}, "input-required event never published live")

	pubMu.Lock()
	assert.Equal(t, types.EventQuestionnaireRequest, published[0].Kind)
	pubMu.Unlock()

	// Both events are also waiting in the buffer for the next attach.
	re, err := mgr.Open(context.Background(), dir)
	require.NoError(t, err)
	require.Len(t, re.Buffered, 2)
	assert.Equal(t, types.EventTextDelta, re.Buffered[0].Kind)
	assert.Equal(t, types.EventQuestionnaireRequest, re.Buffered[1].Kind)
}

func TestSubscribeByKind(t *testing.T) {
	factory := &fakeFactory{}
	mgr := newTestManager(t, factory, DefaultOptions())
	dir := t.TempDir()

	var got []types.Event
	var gotMu sync.Mutex
	sub := mgr.Subscribe(types.EventStreamEnded, func(event types.Event) {
		gotMu.Lock()
		defer gotMu.Unlock()
		got = append(got, event)
	})

	_, err := mgr.Open(context.Background(), dir)
	require.NoError(t, err)

	sess := factory.last()
	sess.emit(types.TextDelta{Text: "ignored"})
	sess.emit(types.StreamEnded{Message: "done"})

	waitUntil(t, func() bool {
		gotMu.Lock()
		defer gotMu.Unlock()
		return len(got) == 1
	}, "kind-filtered handler never fired")

	mgr.Unsubscribe(sub)
	sess.emit(types.StreamEnded{Message: "after unsubscribe"})
	time.Sleep(20 * time.Millisecond)

	gotMu.Lock()
	assert.Len(t, got, 1)
	gotMu.Unlock()
}

func TestCloseRemovesWorkspace(t *testing.T) {
	factory := &fakeFactory{}
	mgr := newTestManager(t, factory, DefaultOptions())
	dir := t.TempDir()

	res, err := mgr.Open(context.Background(), dir)
	require.NoError(t, err)

	require.NoError(t, mgr.Close(res.Workspace.ID))
	assert.True(t, factory.last().closed)
	assert.Empty(t, mgr.List())

	err = mgr.Close(res.Workspace.ID)
	assert.True(t, errors.Is(err, types.ErrWorkspaceNotFound))

	// The path is free for a fresh workspace.
	re, err := mgr.Open(context.Background(), dir)
	require.NoError(t, err)
	assert.False(t, re.IsExisting)
	assert.NotEqual(t, res.Workspace.ID, re.Workspace.ID)
}

func TestMirrorAssignsGaplessVersions(t *testing.T) {
	factory := &fakeFactory{}
	store := newFakeStore()
	mgr := newTestManager(t, factory, DefaultOptions()).WithStore(store, nil)
	dir := t.TempDir()

	res, err := mgr.Open(context.Background(), dir)
	require.NoError(t, err)
	wsID := res.Workspace.ID

	sess := factory.last()
	sess.emit(types.TextDelta{Text: "not mirrored"})
	sess.emit(types.StreamEnded{Message: "turn 1"})
	sess.emit(types.StreamEnded{Message: "turn 2"})

	waitUntil(t, func() bool { return len(store.deltaVersions(wsID)) == 2 }, "deltas never mirrored")
	assert.Equal(t, []int64{1, 2}, store.deltaVersions(wsID))
}

func TestMirrorReusesVersionAfterFailedWrite(t *testing.T) {
	factory := &fakeFactory{}
	store := newFakeStore()
	mgr := newTestManager(t, factory, DefaultOptions()).WithStore(store, nil)
	dir := t.TempDir()

	res, err := mgr.Open(context.Background(), dir)
	require.NoError(t, err)
	wsID := res.Workspace.ID

	sess := factory.last()
	sess.emit(types.StreamEnded{Message: "turn 1"})
	waitUntil(t, func() bool { return len(store.deltaVersions(wsID)) == 1 }, "first delta never stored")

	store.mu.Lock()
	store.failNext = 1
	store.mu.Unlock()

	sess.emit(types.StreamEnded{Message: "lost"})
	sess.emit(types.StreamEnded{Message: "turn 2"})

	waitUntil(t, func() bool { return len(store.deltaVersions(wsID)) == 2 }, "recovery delta never stored")
	assert.Equal(t, []int64{1, 2}, store.deltaVersions(wsID))
}

func TestMirrorSnapshotsEveryN(t *testing.T) {
	factory := &fakeFactory{}
	store := newFakeStore()
	mgr := newTestManager(t, factory, Options{BufferCap: 512, SnapshotEvery: 3}).WithStore(store, nil)
	dir := t.TempDir()

	res, err := mgr.Open(context.Background(), dir)
	require.NoError(t, err)
	wsID := res.Workspace.ID

	sess := factory.last()
	for i := 1; i <= 7; i++ {
		sess.emit(types.StreamEnded{Message: fmt.Sprintf("turn %d", i)})
	}

	waitUntil(t, func() bool { return len(store.deltaVersions(wsID)) == 7 }, "deltas never mirrored")

	store.mu.Lock()
	defer store.mu.Unlock()
	require.Len(t, store.snapshots[wsID], 2)
	assert.Equal(t, int64(3), store.snapshots[wsID][0].Version)
	assert.Equal(t, int64(6), store.snapshots[wsID][1].Version)
}

func TestMirrorResumesFromStoredHead(t *testing.T) {
	factory := &fakeFactory{}
	store := newFakeStore()
	store.head = 41
	mgr := newTestManager(t, factory, DefaultOptions()).WithStore(store, nil)
	dir := t.TempDir()

	res, err := mgr.Open(context.Background(), dir)
	require.NoError(t, err)
	wsID := res.Workspace.ID

	factory.last().emit(types.StreamEnded{Message: "after restart"})

	waitUntil(t, func() bool { return len(store.deltaVersions(wsID)) == 1 }, "delta never mirrored")
	assert.Equal(t, []int64{42}, store.deltaVersions(wsID))
}

func TestPendingMirroredDurably(t *testing.T) {
	factory := &fakeFactory{}
	store := newFakeStore()
	mgr := newTestManager(t, factory, DefaultOptions()).WithStore(store, nil)
	dir := t.TempDir()

	res, err := mgr.Open(context.Background(), dir)
	require.NoError(t, err)
	wsID := res.Workspace.ID

	sess := factory.last()
	sess.emit(types.QuestionnaireRequest{RequestID: "req_1", Question: "ok?", Options: []string{"yes"}})

	key := wsID + "/" + session.DefaultSlotID
	waitUntil(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		_, ok := store.pending[key]
		return ok
	}, "pending never persisted")

	require.NoError(t, mgr.Answer(context.Background(), wsID, session.DefaultSlotID, "req_1", "yes"))

	store.mu.Lock()
	_, stillPending := store.pending[key]
	store.mu.Unlock()
	assert.False(t, stillPending)
}

func TestOpenRejectsBadPaths(t *testing.T) {
	factory := &fakeFactory{}
	mgr := newTestManager(t, factory, DefaultOptions())

	_, err := mgr.Open(context.Background(), "")
	assert.Error(t, err)

	_, err = mgr.Open(context.Background(), "/definitely/not/a/real/path")
	assert.Error(t, err)
}
