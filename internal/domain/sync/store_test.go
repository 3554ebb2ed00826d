package sync

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentdeck/backend/internal/infrastructure/logging"
	"github.com/agentdeck/backend/internal/shared/types"
)

func newTestStore(t *testing.T, staleness time.Duration) *Store {
	t.Helper()

	store, err := New(filepath.Join(t.TempDir(), "sync.db"), staleness, logging.NewDevelopment())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func appendDeltas(t *testing.T, store *Store, workspaceID string, from, to int64) {
	t.Helper()
	for v := from; v <= to; v++ {
		payload := []byte(fmt.Sprintf(`{"seq":%d}`, v))
		require.NoError(t, store.StoreDelta(context.Background(), workspaceID, v, v-1, payload))
	}
}

func TestStoreDeltaRoundTrip(t *testing.T) {
	store := newTestStore(t, time.Hour)
	ctx := context.Background()

	appendDeltas(t, store, "ws_a", 1, 3)

	deltas, err := store.Deltas(ctx, "ws_a", 1, 3)
	require.NoError(t, err)
	require.Len(t, deltas, 3)
	for i, d := range deltas {
		assert.Equal(t, int64(i+1), d.Version)
		assert.Equal(t, int64(i), d.BaseVersion)
		assert.JSONEq(t, fmt.Sprintf(`{"seq":%d}`, i+1), string(d.Payload))
	}

	head, err := store.HeadVersion(ctx, "ws_a")
	require.NoError(t, err)
	assert.Equal(t, int64(3), head)
}

func TestStoreDeltaRejectsGaps(t *testing.T) {
	store := newTestStore(t, time.Hour)
	ctx := context.Background()

	appendDeltas(t, store, "ws_a", 1, 2)

	// Skipping version 3 must fail without writing anything.
	err := store.StoreDelta(ctx, "ws_a", 4, 3, []byte(`{}`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrVersionConflict))

	// Reusing an existing version fails the same way.
	err = store.StoreDelta(ctx, "ws_a", 2, 1, []byte(`{}`))
	assert.True(t, errors.Is(err, types.ErrVersionConflict))

	head, err := store.HeadVersion(ctx, "ws_a")
	require.NoError(t, err)
	assert.Equal(t, int64(2), head)
}

func TestStoreDeltaVersionsIndependentPerWorkspace(t *testing.T) {
	store := newTestStore(t, time.Hour)

	appendDeltas(t, store, "ws_a", 1, 5)
	appendDeltas(t, store, "ws_b", 1, 2)

	headA, err := store.HeadVersion(context.Background(), "ws_a")
	require.NoError(t, err)
	headB, err := store.HeadVersion(context.Background(), "ws_b")
	require.NoError(t, err)
	assert.Equal(t, int64(5), headA)
	assert.Equal(t, int64(2), headB)
}

func TestHeadVersionIncludesSnapshots(t *testing.T) {
	store := newTestStore(t, time.Hour)
	ctx := context.Background()

	appendDeltas(t, store, "ws_a", 1, 3)
	require.NoError(t, store.StoreSnapshot(ctx, "ws_a", 3, []byte(`{"full":true}`)))

	head, err := store.HeadVersion(ctx, "ws_a")
	require.NoError(t, err)
	assert.Equal(t, int64(3), head)

	snap, err := store.LatestSnapshot(ctx, "ws_a", 3)
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, int64(3), snap.Version)
	assert.JSONEq(t, `{"full":true}`, string(snap.Payload))
}

func TestVacuumKeepsNewestDeltasPerWorkspace(t *testing.T) {
	store := newTestStore(t, time.Hour)
	ctx := context.Background()

	appendDeltas(t, store, "ws_a", 1, 150)
	appendDeltas(t, store, "ws_b", 1, 150)

	stats, err := store.Vacuum(ctx, 50, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(200), stats.DeltasDeleted)

	for _, wsID := range []string{"ws_a", "ws_b"} {
		deltas, err := store.Deltas(ctx, wsID, 1, 150)
		require.NoError(t, err)
		require.Len(t, deltas, 50)
		assert.Equal(t, int64(101), deltas[0].Version)
		assert.Equal(t, int64(150), deltas[len(deltas)-1].Version)
	}
}

func TestVacuumKeepsNewestSnapshots(t *testing.T) {
	store := newTestStore(t, time.Hour)
	ctx := context.Background()

	for _, wsID := range []string{"ws_a", "ws_b"} {
		for v := int64(1); v <= 20; v++ {
			require.NoError(t, store.StoreSnapshot(ctx, wsID, v, []byte(`{}`)))
		}
	}

	stats, err := store.Vacuum(ctx, 100, 5)
	require.NoError(t, err)
	assert.Equal(t, int64(30), stats.SnapshotsDeleted)

	for _, wsID := range []string{"ws_a", "ws_b"} {
		snap, err := store.LatestSnapshot(ctx, wsID, 20)
		require.NoError(t, err)
		require.NotNil(t, snap)
		assert.Equal(t, int64(20), snap.Version)

		// Versions below the kept window are gone.
		old, err := store.LatestSnapshot(ctx, wsID, 15)
		require.NoError(t, err)
		assert.Nil(t, old)
	}
}

func TestVacuumPrunesStaleClients(t *testing.T) {
	store := newTestStore(t, time.Millisecond)
	ctx := context.Background()

	require.NoError(t, store.RegisterClient(ctx, "client_stale", "ws_a"))
	time.Sleep(5 * time.Millisecond)

	stats, err := store.Vacuum(ctx, 100, 100)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.ClientsDeleted)

	rec, err := store.Client(ctx, "client_stale")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestVacuumKeepsRecentClients(t *testing.T) {
	store := newTestStore(t, time.Hour)
	ctx := context.Background()

	require.NoError(t, store.RegisterClient(ctx, "client_live", "ws_a"))

	stats, err := store.Vacuum(ctx, 100, 100)
	require.NoError(t, err)
	assert.Zero(t, stats.ClientsDeleted)

	rec, err := store.Client(ctx, "client_live")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "ws_a", rec.WorkspaceID)
}

func TestAckPreservedAcrossReconnect(t *testing.T) {
	store := newTestStore(t, time.Hour)
	ctx := context.Background()

	require.NoError(t, store.RegisterClient(ctx, "client_1", "ws_a"))
	require.NoError(t, store.Ack(ctx, "client_1", 7))

	// Reconnect re-registers; ack survives.
	require.NoError(t, store.RegisterClient(ctx, "client_1", "ws_a"))

	rec, err := store.Client(ctx, "client_1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, int64(7), rec.LastAckVersion)
}

func TestPlanContiguousDeltas(t *testing.T) {
	store := newTestStore(t, time.Hour)
	ctx := context.Background()

	appendDeltas(t, store, "ws_a", 1, 10)

	plan, err := store.Plan(ctx, "ws_a", 6)
	require.NoError(t, err)
	assert.False(t, plan.FullResync)
	assert.Nil(t, plan.Snapshot)
	require.Len(t, plan.Deltas, 4)
	assert.Equal(t, int64(7), plan.Deltas[0].Version)
	assert.Equal(t, int64(10), plan.Head)
}

func TestPlanUpToDate(t *testing.T) {
	store := newTestStore(t, time.Hour)

	appendDeltas(t, store, "ws_a", 1, 5)

	plan, err := store.Plan(context.Background(), "ws_a", 5)
	require.NoError(t, err)
	assert.False(t, plan.FullResync)
	assert.Nil(t, plan.Snapshot)
	assert.Empty(t, plan.Deltas)
	assert.Equal(t, int64(5), plan.Head)
}

func TestPlanFallsBackToSnapshot(t *testing.T) {
	store := newTestStore(t, time.Hour)
	ctx := context.Background()

	appendDeltas(t, store, "ws_a", 1, 100)
	require.NoError(t, store.StoreSnapshot(ctx, "ws_a", 90, []byte(`{"full":true}`)))

	// Vacuum away the early deltas so an ack of 10 has a gap.
	_, err := store.Vacuum(ctx, 20, 10)
	require.NoError(t, err)

	plan, err := store.Plan(ctx, "ws_a", 10)
	require.NoError(t, err)
	assert.False(t, plan.FullResync)
	require.NotNil(t, plan.Snapshot)
	assert.Equal(t, int64(90), plan.Snapshot.Version)
	require.Len(t, plan.Deltas, 10)
	assert.Equal(t, int64(91), plan.Deltas[0].Version)
	assert.Equal(t, int64(100), plan.Head)
}

func TestPlanFullResyncWhenNothingBridges(t *testing.T) {
	store := newTestStore(t, time.Hour)
	ctx := context.Background()

	appendDeltas(t, store, "ws_a", 1, 100)

	// No snapshots, and vacuum leaves a gap ahead of the ack.
	_, err := store.Vacuum(ctx, 20, 10)
	require.NoError(t, err)

	plan, err := store.Plan(ctx, "ws_a", 10)
	require.NoError(t, err)
	assert.True(t, plan.FullResync)
	assert.Nil(t, plan.Snapshot)
	assert.Equal(t, int64(100), plan.Head)
}

func TestPlanNewClientReplaysFullDeltaLog(t *testing.T) {
	store := newTestStore(t, time.Hour)
	ctx := context.Background()

	appendDeltas(t, store, "ws_a", 1, 5)

	// No snapshot exists, but the log is contiguous from version 1 and
	// delta 1 bases on the empty state, so an unacked client replays it.
	plan, err := store.Plan(ctx, "ws_a", 0)
	require.NoError(t, err)
	assert.False(t, plan.FullResync)
	assert.Nil(t, plan.Snapshot)
	require.Len(t, plan.Deltas, 5)
	assert.Equal(t, int64(1), plan.Deltas[0].Version)
	assert.Equal(t, int64(5), plan.Deltas[4].Version)
	assert.Equal(t, int64(5), plan.Head)
}

func TestPlanNewClientWithSnapshot(t *testing.T) {
	store := newTestStore(t, time.Hour)
	ctx := context.Background()

	appendDeltas(t, store, "ws_a", 1, 100)
	require.NoError(t, store.StoreSnapshot(ctx, "ws_a", 95, []byte(`{"full":true}`)))

	// Vacuum away the early deltas so an unacked client cannot replay
	// from version 1 and must bootstrap from the snapshot.
	_, err := store.Vacuum(ctx, 20, 10)
	require.NoError(t, err)

	plan, err := store.Plan(ctx, "ws_a", 0)
	require.NoError(t, err)
	assert.False(t, plan.FullResync)
	require.NotNil(t, plan.Snapshot)
	assert.Equal(t, int64(95), plan.Snapshot.Version)
	require.Len(t, plan.Deltas, 5)
	assert.Equal(t, int64(96), plan.Deltas[0].Version)
}

func TestPendingLifecycle(t *testing.T) {
	store := newTestStore(t, time.Hour)
	ctx := context.Background()

	pending := types.PendingRequest{
		WorkspaceID: "ws_a",
		SlotID:      "default",
		Kind:        types.EventQuestionnaireRequest,
		Payload:     []byte(`{"question":"continue?"}`),
		CreatedAt:   time.Now(),
	}
	require.NoError(t, store.SetPending(ctx, pending))

	got, err := store.PendingRequests(ctx, "ws_a")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "default", got[0].SlotID)
	assert.Equal(t, types.EventQuestionnaireRequest, got[0].Kind)
	assert.JSONEq(t, `{"question":"continue?"}`, string(got[0].Payload))

	// Replacing the same slot's pending keeps one row.
	pending.Kind = types.EventExtensionRequest
	require.NoError(t, store.SetPending(ctx, pending))
	got, err = store.PendingRequests(ctx, "ws_a")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, types.EventExtensionRequest, got[0].Kind)

	require.NoError(t, store.ClearPending(ctx, "ws_a", "default"))
	got, err = store.PendingRequests(ctx, "ws_a")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestPersistenceErrorsWrapped(t *testing.T) {
	store := newTestStore(t, time.Hour)
	require.NoError(t, store.Close())

	err := store.StoreDelta(context.Background(), "ws_a", 1, 0, []byte(`{}`))
	require.Error(t, err)
	assert.True(t, types.IsPersistence(err))
}
