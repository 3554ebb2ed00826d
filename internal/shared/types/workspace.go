package types

import "time"

// WorkspaceInfo is the externally visible snapshot of a workspace
// record. Managers return copies; mutation goes through manager methods.
type WorkspaceInfo struct {
	ID          string    `json:"id"`
	Path        string    `json:"path"` // canonical filesystem path, the registry key
	Name        string    `json:"name"`
	ClientCount int       `json:"client_count"`
	Active      bool      `json:"active"` // any slot currently streaming
	CreatedAt   time.Time `json:"created_at"`
}

// Message is a conversation message from a slot's agent session,
// returned to clients on attach so they can render history.
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// DeltaRecord is one versioned state change for a workspace. Versions
// are strictly increasing and gapless per workspace under the
// single-writer contract; BaseVersion names the version the delta was
// computed against.
type DeltaRecord struct {
	WorkspaceID string `json:"workspace_id"`
	Version     int64  `json:"version"`
	BaseVersion int64  `json:"base_version"`
	Payload     []byte `json:"payload"`
}

// SnapshotRecord is a complete state capture at a version, used both
// as a compaction checkpoint and a catch-up shortcut.
type SnapshotRecord struct {
	WorkspaceID string `json:"workspace_id"`
	Version     int64  `json:"version"`
	Payload     []byte `json:"payload"`
}

// ClientRecord tracks how far behind a sync client is. Rows whose
// LastSeenAt falls outside the staleness window are pruned by vacuum.
type ClientRecord struct {
	ClientID       string    `json:"client_id"`
	WorkspaceID    string    `json:"workspace_id"`
	LastAckVersion int64     `json:"last_ack_version"`
	ConnectedAt    time.Time `json:"connected_at"`
	LastSeenAt     time.Time `json:"last_seen_at"`
}

// PendingRequest is the durable record of a slot blocked on user input.
type PendingRequest struct {
	WorkspaceID string    `json:"workspace_id"`
	SlotID      string    `json:"slot_id"`
	Kind        EventKind `json:"kind"`
	Payload     []byte    `json:"payload"`
	CreatedAt   time.Time `json:"created_at"`
}

// CatchUpPlan tells a reconnecting client how to reach the head
// version. Either Deltas alone (contiguous from the client's ack),
// Snapshot plus trailing Deltas, or FullResync when neither suffices.
type CatchUpPlan struct {
	FullResync bool            `json:"full_resync,omitempty"`
	Snapshot   *SnapshotRecord `json:"snapshot,omitempty"`
	Deltas     []DeltaRecord   `json:"deltas,omitempty"`
	Head       int64           `json:"head"`
}
