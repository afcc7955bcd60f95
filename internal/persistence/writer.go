package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"ReserveLedger/internal/event"
)

// EventLogWriter writes committed engine events to Postgres using multi-row
// INSERT batches. Sequence is the primary key; replays of the same batch are
// absorbed by ON CONFLICT DO NOTHING.
type EventLogWriter struct {
	db *sql.DB
}

// EventRow is a row in reserve_ledger.events.
type EventRow struct {
	Sequence  int64
	EventID   uuid.UUID
	EventType string
	Caller    uuid.UUID
	Payload   []byte
	Timestamp time.Time
}

// LiquidationRow is a row in reserve_ledger.liquidations, the audit history
// of grace windows and their outcomes.
type LiquidationRow struct {
	Borrower      uuid.UUID
	InitiatedAt   time.Time
	GraceDeadline time.Time
	Outcome       string
	DebtFace      string
	ClosedAt      *time.Time
}

func NewEventLogWriter(db *sql.DB) *EventLogWriter {
	return &EventLogWriter{db: db}
}

// RowFromEnvelope converts a committed envelope to its storage row.
func RowFromEnvelope(env event.Envelope) EventRow {
	return EventRow{
		Sequence:  env.Sequence,
		EventID:   env.EventID,
		EventType: env.EventType.String(),
		Caller:    env.Caller,
		Payload:   env.Payload,
		Timestamp: env.Timestamp,
	}
}

// Envelope reconstructs the committed envelope for replay.
func (r EventRow) Envelope() event.Envelope {
	return event.Envelope{
		Sequence:  r.Sequence,
		EventID:   r.EventID,
		EventType: event.ParseEventType(r.EventType),
		Caller:    r.Caller,
		Timestamp: r.Timestamp,
		Payload:   r.Payload,
	}
}

// WriteEventBatch inserts a batch inside the caller's transaction.
func (w *EventLogWriter) WriteEventBatch(ctx context.Context, tx *sql.Tx, events []EventRow) error {
	if len(events) == 0 {
		return nil
	}

	query := `INSERT INTO reserve_ledger.events
		(sequence, event_id, event_type, caller, payload, ts)
		VALUES `

	values := make([]string, 0, len(events))
	args := make([]interface{}, 0, len(events)*6)

	for i, e := range events {
		base := i * 6
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6,
		))
		args = append(args,
			e.Sequence, e.EventID, e.EventType, e.Caller, e.Payload, e.Timestamp,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence) DO NOTHING"

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// UpsertLiquidation records a grace window opening or its outcome.
func (w *EventLogWriter) UpsertLiquidation(ctx context.Context, tx *sql.Tx, row LiquidationRow) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO reserve_ledger.liquidations
			(borrower, initiated_at, grace_deadline, outcome, debt_face, closed_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (borrower, initiated_at)
		DO UPDATE SET outcome = $4, debt_face = $5, closed_at = $6
	`, row.Borrower, row.InitiatedAt, row.GraceDeadline, row.Outcome, row.DebtFace, row.ClosedAt)
	return err
}

// closeLiquidationOutcome settles the open grace-window row for a borrower.
// Already-settled rows are left alone.
func (w *EventLogWriter) closeLiquidationOutcome(ctx context.Context, tx *sql.Tx, borrower uuid.UUID, outcome string, closedAt time.Time) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE reserve_ledger.liquidations
		SET outcome = $2, closed_at = $3
		WHERE borrower = $1 AND outcome = 'pending'
	`, borrower, outcome, closedAt)
	return err
}

// RecordLiquidationHistory projects liquidation lifecycle events from a batch
// into the history table: a started event opens a pending row, a close or
// finalize settles it.
func (w *EventLogWriter) RecordLiquidationHistory(ctx context.Context, tx *sql.Tx, events []EventRow) error {
	for _, e := range events {
		switch event.ParseEventType(e.EventType) {
		case event.EventTypeLiquidationStarted:
			var p event.LiquidationStarted
			if err := json.Unmarshal(e.Payload, &p); err != nil {
				return fmt.Errorf("liquidation history sequence %d: %w", e.Sequence, err)
			}
			row := LiquidationRow{
				Borrower:      p.Borrower,
				InitiatedAt:   e.Timestamp,
				GraceDeadline: p.GraceDeadline,
				Outcome:       "pending",
				DebtFace:      p.DebtFace,
			}
			if err := w.UpsertLiquidation(ctx, tx, row); err != nil {
				return fmt.Errorf("liquidation history sequence %d: %w", e.Sequence, err)
			}
		case event.EventTypeLiquidationClosed:
			var p event.LiquidationClosed
			if err := json.Unmarshal(e.Payload, &p); err != nil {
				return fmt.Errorf("liquidation history sequence %d: %w", e.Sequence, err)
			}
			if err := w.closeLiquidationOutcome(ctx, tx, p.Borrower, "repaid", e.Timestamp); err != nil {
				return fmt.Errorf("liquidation history sequence %d: %w", e.Sequence, err)
			}
		case event.EventTypeLiquidationFinalized:
			var p event.LiquidationFinalized
			if err := json.Unmarshal(e.Payload, &p); err != nil {
				return fmt.Errorf("liquidation history sequence %d: %w", e.Sequence, err)
			}
			if err := w.closeLiquidationOutcome(ctx, tx, p.Borrower, "liquidated", e.Timestamp); err != nil {
				return fmt.Errorf("liquidation history sequence %d: %w", e.Sequence, err)
			}
		}
	}
	return nil
}

// LoadEventsFrom streams the log from a sequence, for warm-start replay and
// the events query endpoint.
func (w *EventLogWriter) LoadEventsFrom(ctx context.Context, fromSequence int64, limit int) ([]EventRow, error) {
	rows, err := w.db.QueryContext(ctx, `
		SELECT sequence, event_id, event_type, caller, payload, ts
		FROM reserve_ledger.events
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, fmt.Errorf("load events: %w", err)
	}
	defer rows.Close()

	var out []EventRow
	for rows.Next() {
		var r EventRow
		if err := rows.Scan(&r.Sequence, &r.EventID, &r.EventType, &r.Caller, &r.Payload, &r.Timestamp); err != nil {
			return nil, fmt.Errorf("scan event row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
