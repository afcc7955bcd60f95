package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SnapshotManager stores point-in-time state snapshots so a warm restart can
// skip replaying the whole event log. The snapshot body is an opaque JSON
// document owned by the engine; this layer only keys it by sequence.
type SnapshotManager struct {
	db *sql.DB
}

func NewSnapshotManager(db *sql.DB) *SnapshotManager {
	return &SnapshotManager{db: db}
}

// SaveSnapshot persists a snapshot keyed by the sequence it was taken at.
// Snapshots start unverified; MarkVerified flips them once a replay check
// confirms they reproduce the log.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, sequence int64, state interface{}) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	snapshotID := uuid.New()
	formatVersion := int32(1) // v1: JSON-encoded engine.CoreSnapshot

	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO reserve_ledger.snapshots
			(snapshot_id, sequence, data, format_version, size_bytes, verified, created_at)
		VALUES ($1, $2, $3, $4, $5, FALSE, $6)
		ON CONFLICT (sequence) DO UPDATE SET data = $3, size_bytes = $5
	`, snapshotID, sequence, data, formatVersion, len(data), time.Now().UTC())

	return err
}

// LoadLatestSnapshot returns the most recent verified snapshot body, or nil
// data when none exists and the caller must cold start.
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context) (int64, []byte, error) {
	row := sm.db.QueryRowContext(ctx, `
		SELECT sequence, data FROM reserve_ledger.snapshots
		WHERE verified = TRUE
		ORDER BY sequence DESC
		LIMIT 1
	`)

	var sequence int64
	var data []byte
	if err := row.Scan(&sequence, &data); err != nil {
		if err == sql.ErrNoRows {
			return 0, nil, nil
		}
		return 0, nil, fmt.Errorf("load snapshot: %w", err)
	}
	return sequence, data, nil
}

// MarkVerified marks a snapshot as verified after an integrity check.
func (sm *SnapshotManager) MarkVerified(ctx context.Context, sequence int64) error {
	_, err := sm.db.ExecContext(ctx, `
		UPDATE reserve_ledger.snapshots SET verified = TRUE WHERE sequence = $1
	`, sequence)
	return err
}

// GetLatestSequence returns the highest sequence in the event log, zero when
// the log is empty.
func (sm *SnapshotManager) GetLatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := sm.db.QueryRowContext(ctx, `
		SELECT MAX(sequence) FROM reserve_ledger.events
	`).Scan(&seq)
	if err != nil {
		return 0, err
	}
	if !seq.Valid {
		return 0, nil
	}
	return seq.Int64, nil
}
