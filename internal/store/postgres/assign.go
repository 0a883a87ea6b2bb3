package postgres

import (
	"context"
	"sort"

	"clinicq/internal/models"
	"clinicq/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

func (s *Store) ListAssignmentScopes(ctx context.Context, day string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT scope_id
		FROM appointments
		WHERE day = $1::date AND status = $2
		ORDER BY scope_id ASC
	`, day, models.AppointmentConfirmed)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var scopes []string
	for rows.Next() {
		var scope string
		if err := rows.Scan(&scope); err != nil {
			return nil, err
		}
		scopes = append(scopes, scope)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return scopes, nil
}

// ConvertAppointments turns one scope's confirmed appointments into a
// contiguous reserved block of entries ordered by appointment time.
// Idempotent: appointments that already produced an entry are excluded
// by the anti-join, so a re-run assigns nothing new. Candidates failing
// validation are skipped before the block is reserved, which keeps the
// numbering gap-free.
func (s *Store) ConvertAppointments(ctx context.Context, scopeID, day string) (store.ConvertResult, error) {
	var result store.ConvertResult
	err := s.withQueueTx(ctx, func(tx pgx.Tx) error {
		result = store.ConvertResult{}

		queue, err := s.lockQueue(ctx, tx, scopeID, day)
		if err != nil {
			return err
		}

		candidates, err := listUnconvertedAppointments(ctx, tx, scopeID, day)
		if err != nil {
			return err
		}

		var valid []models.Appointment
		for _, candidate := range candidates {
			if candidate.PatientID == "" || candidate.ScheduledAt == nil {
				result.Skipped = append(result.Skipped, candidate.AppointmentID)
				continue
			}
			valid = append(valid, candidate)
		}
		if len(valid) == 0 {
			return nil
		}

		// Deterministic numbering: appointment time, then id.
		sort.SliceStable(valid, func(i, j int) bool {
			if !valid[i].ScheduledAt.Equal(*valid[j].ScheduledAt) {
				return valid[i].ScheduledAt.Before(*valid[j].ScheduledAt)
			}
			return valid[i].AppointmentID < valid[j].AppointmentID
		})

		block, err := reserveBlockInTx(ctx, tx, queue.QueueID, len(valid))
		if err != nil {
			return err
		}

		for i, candidate := range valid {
			appointmentID := candidate.AppointmentID
			entry := models.Entry{
				EntryID:       uuid.NewString(),
				QueueID:       queue.QueueID,
				ScopeID:       scopeID,
				Day:           queue.Day,
				Number:        block.Start + i,
				PatientID:     candidate.PatientID,
				Status:        models.StatusWaiting,
				Source:        models.SourceMorningAssignment,
				QueueTime:     *candidate.ScheduledAt,
				CreatedAt:     s.now(),
				AppointmentID: &appointmentID,
			}
			if err := insertEntry(ctx, tx, entry); err != nil {
				return err
			}
			if err := emitEntryEvent(ctx, tx, "entry.created", entry); err != nil {
				return err
			}
		}
		result.Assigned = len(valid)
		result.Block = block
		return nil
	})
	if err != nil {
		return store.ConvertResult{}, err
	}
	return result, nil
}

func listUnconvertedAppointments(ctx context.Context, tx pgx.Tx, scopeID, day string) ([]models.Appointment, error) {
	rows, err := tx.Query(ctx, `
		SELECT a.appointment_id, COALESCE(a.patient_id, ''), a.scheduled_at
		FROM appointments a
		LEFT JOIN queue_entries e ON e.appointment_id = a.appointment_id
		WHERE a.scope_id = $1 AND a.day = $2::date AND a.status = $3 AND e.entry_id IS NULL
		ORDER BY a.scheduled_at ASC, a.appointment_id ASC
	`, scopeID, day, models.AppointmentConfirmed)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var candidates []models.Appointment
	for rows.Next() {
		candidate := models.Appointment{ScopeID: scopeID, Day: day, Status: models.AppointmentConfirmed}
		if err := rows.Scan(&candidate.AppointmentID, &candidate.PatientID, &candidate.ScheduledAt); err != nil {
			return nil, err
		}
		candidates = append(candidates, candidate)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return candidates, nil
}
