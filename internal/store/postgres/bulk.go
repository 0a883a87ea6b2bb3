package postgres

import (
	"context"
	"errors"

	"clinicq/internal/models"
	"clinicq/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// RescheduleEntry moves one active entry to the target day's queue: the
// original is marked rescheduled and a fresh number is allocated on the
// target queue, preserving the patient's original queue_time so the
// rescheduled group keeps its relative order. Original and replacement
// change in one transaction.
func (s *Store) RescheduleEntry(ctx context.Context, entryID, targetDay string) (models.Entry, error) {
	var replacement models.Entry
	err := s.withQueueTx(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			SELECT `+entryColumns+`
			FROM queue_entries
			WHERE entry_id = $1
			FOR UPDATE
		`, entryID)
		original, err := scanEntry(row)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return store.ErrEntryNotFound
			}
			return err
		}
		if !store.ValidTransition(store.ActionReschedule, original.Status) {
			return store.ErrInvalidState
		}

		_, err = tx.Exec(ctx, `
			UPDATE queue_entries
			SET status = $2
			WHERE entry_id = $1
		`, original.EntryID, models.StatusRescheduled)
		if err != nil {
			return err
		}
		original.Status = models.StatusRescheduled
		if err := emitEntryEvent(ctx, tx, "entry.rescheduled", original); err != nil {
			return err
		}

		queue, err := s.lockQueue(ctx, tx, original.ScopeID, targetDay)
		if err != nil {
			return err
		}
		number, err := allocateNumber(ctx, tx, queue.QueueID)
		if err != nil {
			return err
		}

		originalID := original.EntryID
		replacement = models.Entry{
			EntryID:         uuid.NewString(),
			QueueID:         queue.QueueID,
			ScopeID:         original.ScopeID,
			Day:             queue.Day,
			Number:          number,
			PatientID:       original.PatientID,
			Status:          models.StatusWaiting,
			Source:          original.Source,
			QueueTime:       original.QueueTime,
			CreatedAt:       s.now(),
			RescheduledFrom: &originalID,
		}
		if err := insertEntry(ctx, tx, replacement); err != nil {
			return err
		}
		return emitEntryEvent(ctx, tx, "entry.created", replacement)
	})
	if err != nil {
		return models.Entry{}, err
	}
	return replacement, nil
}

// CancelEntryWithRefund cancels one active entry and, when a payment
// exists for it, records a refund request toward the payment
// collaborator. Cancellation and the refund record are one transaction.
// The returned bool reports whether a refund was requested.
func (s *Store) CancelEntryWithRefund(ctx context.Context, entryID string) (models.Entry, bool, error) {
	var entry models.Entry
	var refunded bool
	err := s.withQueueTx(ctx, func(tx pgx.Tx) error {
		refunded = false
		row := tx.QueryRow(ctx, `
			UPDATE queue_entries
			SET status = $2
			WHERE entry_id = $1 AND status = ANY($3)
			RETURNING `+entryColumns+`
		`, entryID, models.StatusCanceled, store.TransitionSources(store.ActionCancel))
		canceled, err := scanEntry(row)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return s.classifyMissedTransition(ctx, tx, entryID)
			}
			return err
		}
		entry = canceled
		if err := emitEntryEvent(ctx, tx, "entry.canceled", canceled); err != nil {
			return err
		}

		var amount int64
		paymentRow := tx.QueryRow(ctx, `
			SELECT COALESCE(SUM(amount), 0)
			FROM payments
			WHERE entry_id = $1
		`, entryID)
		if err := paymentRow.Scan(&amount); err != nil {
			return err
		}
		if amount <= 0 {
			return nil
		}

		refund := models.RefundRequest{
			RefundID:  uuid.NewString(),
			EntryID:   canceled.EntryID,
			PatientID: canceled.PatientID,
			Amount:    amount,
			Status:    "requested",
			CreatedAt: s.now(),
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO refund_requests (refund_id, entry_id, patient_id, amount, status, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, refund.RefundID, refund.EntryID, refund.PatientID, refund.Amount, refund.Status, refund.CreatedAt)
		if err != nil {
			return err
		}
		refunded = true
		return emitRefundEvent(ctx, tx, refund)
	})
	if err != nil {
		return models.Entry{}, false, err
	}
	return entry, refunded, nil
}
