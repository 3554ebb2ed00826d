package sync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/agentdeck/backend/internal/infrastructure/logging"
	"github.com/agentdeck/backend/internal/infrastructure/monitoring"
	"github.com/agentdeck/backend/internal/shared/types"
)

// Store is the sqlite-backed sync persistence store.
type Store struct {
	db        *sql.DB
	logger    *logging.Logger
	metrics   *monitoring.Metrics
	staleness time.Duration

	enc *zstd.Encoder
	dec *zstd.Decoder
}

// New opens (or creates) the store at dbPath. staleness is the window
// after which unseen client rows are vacuumed.
func New(dbPath string, staleness time.Duration, logger *logging.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, types.NewPersistenceError("open", err)
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, types.NewPersistenceError("open", err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, types.NewPersistenceError("open", err)
		}
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		db.Close()
		return nil, types.NewPersistenceError("open", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		db.Close()
		return nil, types.NewPersistenceError("open", err)
	}

	s := &Store{
		db:        db,
		logger:    logger,
		staleness: staleness,
		enc:       enc,
		dec:       dec,
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// WithMetrics adds metrics tracking to the store.
func (s *Store) WithMetrics(metrics *monitoring.Metrics) *Store {
	s.metrics = metrics
	return s
}

// Close closes the underlying database.
func (s *Store) Close() error {
	s.dec.Close()
	s.enc.Close()
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS deltas (
		workspace_id TEXT NOT NULL,
		version INTEGER NOT NULL,
		base_version INTEGER NOT NULL,
		payload BLOB NOT NULL,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (workspace_id, version)
	);

	CREATE TABLE IF NOT EXISTS snapshots (
		workspace_id TEXT NOT NULL,
		version INTEGER NOT NULL,
		payload BLOB NOT NULL,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (workspace_id, version)
	);

	CREATE TABLE IF NOT EXISTS clients (
		client_id TEXT PRIMARY KEY,
		workspace_id TEXT NOT NULL,
		last_ack_version INTEGER NOT NULL DEFAULT 0,
		connected_at DATETIME NOT NULL,
		last_seen_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_clients_workspace ON clients(workspace_id);

	CREATE TABLE IF NOT EXISTS pending_requests (
		workspace_id TEXT NOT NULL,
		slot_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		payload BLOB,
		created_at DATETIME NOT NULL,
		PRIMARY KEY (workspace_id, slot_id)
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return types.NewPersistenceError("migrate", err)
	}
	return nil
}

// StoreDelta appends one versioned delta. version must equal the
// workspace's current head plus one; anything else returns
// ErrVersionConflict and writes nothing.
func (s *Store) StoreDelta(ctx context.Context, workspaceID string, version, baseVersion int64, payload []byte) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return types.NewPersistenceError("store_delta", err)
	}
	defer tx.Rollback()

	var head int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM deltas WHERE workspace_id = ?`,
		workspaceID,
	).Scan(&head); err != nil {
		return types.NewPersistenceError("store_delta", err)
	}
	if version != head+1 {
		return fmt.Errorf("%w: workspace %s head %d, got version %d",
			types.ErrVersionConflict, workspaceID, head, version)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO deltas (workspace_id, version, base_version, payload) VALUES (?, ?, ?, ?)`,
		workspaceID, version, baseVersion, s.enc.EncodeAll(payload, nil),
	); err != nil {
		return types.NewPersistenceError("store_delta", err)
	}
	if err := tx.Commit(); err != nil {
		return types.NewPersistenceError("store_delta", err)
	}
	return nil
}

// StoreSnapshot appends a full-state capture at version.
func (s *Store) StoreSnapshot(ctx context.Context, workspaceID string, version int64, payload []byte) error {
	if _, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO snapshots (workspace_id, version, payload) VALUES (?, ?, ?)`,
		workspaceID, version, s.enc.EncodeAll(payload, nil),
	); err != nil {
		return types.NewPersistenceError("store_snapshot", err)
	}
	return nil
}

// HeadVersion returns the highest version recorded for a workspace,
// across deltas and snapshots. Zero means no history.
func (s *Store) HeadVersion(ctx context.Context, workspaceID string) (int64, error) {
	var head int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(v), 0) FROM (
			SELECT MAX(version) AS v FROM deltas WHERE workspace_id = ?
			UNION ALL
			SELECT MAX(version) AS v FROM snapshots WHERE workspace_id = ?
		)`,
		workspaceID, workspaceID,
	).Scan(&head)
	if err != nil {
		return 0, types.NewPersistenceError("head_version", err)
	}
	return head, nil
}

// Deltas returns the decompressed deltas in [from, to], ascending.
func (s *Store) Deltas(ctx context.Context, workspaceID string, from, to int64) ([]types.DeltaRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT version, base_version, payload FROM deltas
		WHERE workspace_id = ? AND version >= ? AND version <= ?
		ORDER BY version ASC`,
		workspaceID, from, to,
	)
	if err != nil {
		return nil, types.NewPersistenceError("deltas", err)
	}
	defer rows.Close()

	var deltas []types.DeltaRecord
	for rows.Next() {
		rec := types.DeltaRecord{WorkspaceID: workspaceID}
		var compressed []byte
		if err := rows.Scan(&rec.Version, &rec.BaseVersion, &compressed); err != nil {
			return nil, types.NewPersistenceError("deltas", err)
		}
		if rec.Payload, err = s.dec.DecodeAll(compressed, nil); err != nil {
			return nil, types.NewPersistenceError("deltas", err)
		}
		deltas = append(deltas, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewPersistenceError("deltas", err)
	}
	return deltas, nil
}

// LatestSnapshot returns the newest snapshot at or below version, or
// nil when none exists.
func (s *Store) LatestSnapshot(ctx context.Context, workspaceID string, version int64) (*types.SnapshotRecord, error) {
	rec := &types.SnapshotRecord{WorkspaceID: workspaceID}
	var compressed []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT version, payload FROM snapshots
		WHERE workspace_id = ? AND version <= ?
		ORDER BY version DESC LIMIT 1`,
		workspaceID, version,
	).Scan(&rec.Version, &compressed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, types.NewPersistenceError("latest_snapshot", err)
	}
	if rec.Payload, err = s.dec.DecodeAll(compressed, nil); err != nil {
		return nil, types.NewPersistenceError("latest_snapshot", err)
	}
	return rec, nil
}

// Plan computes the catch-up plan for a client at lastAck. Contiguous
// trailing deltas win; otherwise the newest snapshot plus its trailing
// deltas; otherwise a full resync.
func (s *Store) Plan(ctx context.Context, workspaceID string, lastAck int64) (types.CatchUpPlan, error) {
	head, err := s.HeadVersion(ctx, workspaceID)
	if err != nil {
		return types.CatchUpPlan{}, err
	}
	plan := types.CatchUpPlan{Head: head}
	if lastAck >= head {
		return plan, nil
	}

	// An ack of 0 means empty state; delta 1 bases on it, so replaying
	// from the start of a contiguous log is as valid as any other ack.
	deltas, err := s.Deltas(ctx, workspaceID, lastAck+1, head)
	if err != nil {
		return types.CatchUpPlan{}, err
	}
	if contiguous(deltas, lastAck+1, head) {
		plan.Deltas = deltas
		return plan, nil
	}

	snapshot, err := s.LatestSnapshot(ctx, workspaceID, head)
	if err != nil {
		return types.CatchUpPlan{}, err
	}
	if snapshot == nil {
		plan.FullResync = true
		return plan, nil
	}

	deltas, err = s.Deltas(ctx, workspaceID, snapshot.Version+1, head)
	if err != nil {
		return types.CatchUpPlan{}, err
	}
	if !contiguous(deltas, snapshot.Version+1, head) {
		plan.FullResync = true
		return plan, nil
	}
	plan.Snapshot = snapshot
	plan.Deltas = deltas
	return plan, nil
}

func contiguous(deltas []types.DeltaRecord, from, to int64) bool {
	if to < from {
		return true
	}
	if int64(len(deltas)) != to-from+1 {
		return false
	}
	for i, d := range deltas {
		if d.Version != from+int64(i) {
			return false
		}
	}
	return true
}

// RegisterClient upserts a client row, preserving an existing ack.
func (s *Store) RegisterClient(ctx context.Context, clientID, workspaceID string) error {
	now := time.Now().UTC()
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO clients (client_id, workspace_id, last_ack_version, connected_at, last_seen_at)
		VALUES (?, ?, 0, ?, ?)
		ON CONFLICT (client_id) DO UPDATE SET
			workspace_id = excluded.workspace_id,
			connected_at = excluded.connected_at,
			last_seen_at = excluded.last_seen_at`,
		clientID, workspaceID, now, now,
	); err != nil {
		return types.NewPersistenceError("register_client", err)
	}
	return nil
}

// Ack records the highest version a client has applied.
func (s *Store) Ack(ctx context.Context, clientID string, version int64) error {
	if _, err := s.db.ExecContext(ctx, `
		UPDATE clients SET last_ack_version = ?, last_seen_at = ?
		WHERE client_id = ?`,
		version, time.Now().UTC(), clientID,
	); err != nil {
		return types.NewPersistenceError("ack", err)
	}
	return nil
}

// Touch refreshes a client's last-seen timestamp.
func (s *Store) Touch(ctx context.Context, clientID string) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE clients SET last_seen_at = ? WHERE client_id = ?`,
		time.Now().UTC(), clientID,
	); err != nil {
		return types.NewPersistenceError("touch", err)
	}
	return nil
}

// Client returns one client row.
func (s *Store) Client(ctx context.Context, clientID string) (*types.ClientRecord, error) {
	rec := &types.ClientRecord{ClientID: clientID}
	err := s.db.QueryRowContext(ctx, `
		SELECT workspace_id, last_ack_version, connected_at, last_seen_at
		FROM clients WHERE client_id = ?`,
		clientID,
	).Scan(&rec.WorkspaceID, &rec.LastAckVersion, &rec.ConnectedAt, &rec.LastSeenAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, types.NewPersistenceError("client", err)
	}
	return rec, nil
}

// SetPending durably records a slot blocked on user input.
func (s *Store) SetPending(ctx context.Context, pending types.PendingRequest) error {
	if _, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO pending_requests (workspace_id, slot_id, kind, payload, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		pending.WorkspaceID, pending.SlotID, string(pending.Kind), pending.Payload, pending.CreatedAt.UTC(),
	); err != nil {
		return types.NewPersistenceError("set_pending", err)
	}
	return nil
}

// ClearPending removes a slot's pending record.
func (s *Store) ClearPending(ctx context.Context, workspaceID, slotID string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM pending_requests WHERE workspace_id = ? AND slot_id = ?`,
		workspaceID, slotID,
	); err != nil {
		return types.NewPersistenceError("clear_pending", err)
	}
	return nil
}

// PendingRequests lists a workspace's durable pending records.
func (s *Store) PendingRequests(ctx context.Context, workspaceID string) ([]types.PendingRequest, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT slot_id, kind, payload, created_at FROM pending_requests
		WHERE workspace_id = ? ORDER BY slot_id`,
		workspaceID,
	)
	if err != nil {
		return nil, types.NewPersistenceError("pending_requests", err)
	}
	defer rows.Close()

	var pending []types.PendingRequest
	for rows.Next() {
		rec := types.PendingRequest{WorkspaceID: workspaceID}
		var kind string
		if err := rows.Scan(&rec.SlotID, &kind, &rec.Payload, &rec.CreatedAt); err != nil {
			return nil, types.NewPersistenceError("pending_requests", err)
		}
		rec.Kind = types.EventKind(kind)
		pending = append(pending, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewPersistenceError("pending_requests", err)
	}
	return pending, nil
}

// VacuumStats reports what a vacuum pass removed.
type VacuumStats struct {
	DeltasDeleted    int64
	SnapshotsDeleted int64
	ClientsDeleted   int64
}

// Vacuum retains the keepDeltas / keepSnapshots highest-version rows
// per workspace, deletes the rest, and prunes clients unseen for the
// staleness window.
func (s *Store) Vacuum(ctx context.Context, keepDeltas, keepSnapshots int) (VacuumStats, error) {
	var stats VacuumStats

	res, err := s.db.ExecContext(ctx, `
		DELETE FROM deltas WHERE rowid IN (
			SELECT rowid FROM (
				SELECT rowid, ROW_NUMBER() OVER (
					PARTITION BY workspace_id ORDER BY version DESC
				) AS rn FROM deltas
			) WHERE rn > ?
		)`, keepDeltas)
	if err != nil {
		return stats, types.NewPersistenceError("vacuum", err)
	}
	stats.DeltasDeleted, _ = res.RowsAffected()

	res, err = s.db.ExecContext(ctx, `
		DELETE FROM snapshots WHERE rowid IN (
			SELECT rowid FROM (
				SELECT rowid, ROW_NUMBER() OVER (
					PARTITION BY workspace_id ORDER BY version DESC
				) AS rn FROM snapshots
			) WHERE rn > ?
		)`, keepSnapshots)
	if err != nil {
		return stats, types.NewPersistenceError("vacuum", err)
	}
	stats.SnapshotsDeleted, _ = res.RowsAffected()

	cutoff := time.Now().UTC().Add(-s.staleness)
	res, err = s.db.ExecContext(ctx,
		`DELETE FROM clients WHERE last_seen_at < ?`, cutoff)
	if err != nil {
		return stats, types.NewPersistenceError("vacuum", err)
	}
	stats.ClientsDeleted, _ = res.RowsAffected()

	if s.metrics != nil {
		s.metrics.VacuumRuns.Inc()
		s.metrics.VacuumDeleted.WithLabelValues("deltas").Add(float64(stats.DeltasDeleted))
		s.metrics.VacuumDeleted.WithLabelValues("snapshots").Add(float64(stats.SnapshotsDeleted))
		s.metrics.VacuumDeleted.WithLabelValues("clients").Add(float64(stats.ClientsDeleted))
	}
	s.logger.Debug("Vacuum completed",
		zap.Int64("deltas_deleted", stats.DeltasDeleted),
		zap.Int64("snapshots_deleted", stats.SnapshotsDeleted),
		zap.Int64("clients_deleted", stats.ClientsDeleted),
	)
	return stats, nil
}

// RunVacuumLoop vacuums on the given interval until ctx is canceled.
func (s *Store) RunVacuumLoop(ctx context.Context, interval time.Duration, keepDeltas, keepSnapshots int) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Vacuum(ctx, keepDeltas, keepSnapshots); err != nil {
				s.logger.Warn("Vacuum failed", zap.Error(err))
			}
		}
	}
}
