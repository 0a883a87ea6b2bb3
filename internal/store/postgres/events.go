package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"clinicq/internal/models"
	"clinicq/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// emitEntryEvent writes the outbox row the dispatcher publishes and the
// hash-chained audit row, both inside the caller's transaction.
func emitEntryEvent(ctx context.Context, tx pgx.Tx, eventType string, entry models.Entry) error {
	payload := map[string]interface{}{
		"entry_id":   entry.EntryID,
		"scope_id":   entry.ScopeID,
		"day":        entry.Day,
		"number":     entry.Number,
		"patient_id": entry.PatientID,
		"status":     entry.Status,
		"source":     entry.Source,
		"queue_time": entry.QueueTime,
		"created_at": entry.CreatedAt,
	}
	if entry.AppointmentID != nil {
		payload["appointment_id"] = *entry.AppointmentID
	}
	if entry.RescheduledFrom != nil {
		payload["rescheduled_from"] = *entry.RescheduledFrom
	}
	if entry.CalledAt != nil {
		payload["called_at"] = *entry.CalledAt
	}
	if entry.ServedAt != nil {
		payload["served_at"] = *entry.ServedAt
	}
	if entry.CompletedAt != nil {
		payload["completed_at"] = *entry.CompletedAt
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if err := insertOutboxEvent(ctx, tx, eventType, raw); err != nil {
		return err
	}
	return insertEntryAuditEvent(ctx, tx, entry.EntryID, eventType, raw)
}

func emitRefundEvent(ctx context.Context, tx pgx.Tx, refund models.RefundRequest) error {
	raw, err := json.Marshal(refund)
	if err != nil {
		return err
	}
	if err := insertOutboxEvent(ctx, tx, "refund.requested", raw); err != nil {
		return err
	}
	return insertEntryAuditEvent(ctx, tx, refund.EntryID, "refund.requested", raw)
}

func insertOutboxEvent(ctx context.Context, tx pgx.Tx, eventType string, payload json.RawMessage) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO outbox_events (event_id, type, payload_json, created_at)
		VALUES ($1, $2, $3, $4)
	`, uuid.NewString(), eventType, payload, time.Now().UTC())
	return err
}

func insertEntryAuditEvent(ctx context.Context, tx pgx.Tx, entryID, eventType string, payload json.RawMessage) error {
	var prevSeq int
	var prevHash string
	row := tx.QueryRow(ctx, `
		SELECT entry_seq, hash
		FROM entry_events
		WHERE entry_id = $1
		ORDER BY entry_seq DESC
		LIMIT 1
	`, entryID)
	if err := row.Scan(&prevSeq, &prevHash); err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return err
		}
		prevSeq = 0
		prevHash = ""
	}

	seq := prevSeq + 1
	createdAt := time.Now().UTC()
	hash := store.ComputeEntryEventHash(prevHash, entryID, eventType, payload, createdAt, seq)
	_, err := tx.Exec(ctx, `
		INSERT INTO entry_events (entry_id, entry_seq, type, payload, created_at, prev_hash, hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, entryID, seq, eventType, payload, createdAt, prevHash, hash)
	return err
}

func (s *Store) ListEntryEvents(ctx context.Context, entryID string) ([]store.EntryEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT entry_id, entry_seq, type, payload, created_at, prev_hash, hash
		FROM entry_events
		WHERE entry_id = $1
		ORDER BY entry_seq ASC
	`, entryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []store.EntryEvent
	for rows.Next() {
		var event store.EntryEvent
		if err := rows.Scan(&event.EntryID, &event.EntrySeq, &event.Type, &event.Payload, &event.CreatedAt, &event.PrevHash, &event.Hash); err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

func (s *Store) ListOutboxEvents(ctx context.Context, after time.Time, limit int) ([]store.OutboxEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT event_id, type, payload_json, created_at
		FROM outbox_events
		WHERE created_at > $1
		ORDER BY created_at ASC
		LIMIT $2
	`, after, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []store.OutboxEvent
	for rows.Next() {
		var event store.OutboxEvent
		if err := rows.Scan(&event.EventID, &event.Type, &event.Payload, &event.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

const dispatchOffsetName = "notifier"

func (s *Store) GetDispatchOffset(ctx context.Context) (time.Time, error) {
	var offset time.Time
	row := s.pool.QueryRow(ctx, `
		SELECT last_event_at
		FROM dispatch_offsets
		WHERE name = $1
	`, dispatchOffsetName)
	if err := row.Scan(&offset); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return time.Time{}, nil
		}
		return time.Time{}, err
	}
	return offset, nil
}

func (s *Store) SetDispatchOffset(ctx context.Context, offset time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO dispatch_offsets (name, last_event_at)
		VALUES ($1, $2)
		ON CONFLICT (name) DO UPDATE SET last_event_at = EXCLUDED.last_event_at
	`, dispatchOffsetName, offset)
	return err
}
