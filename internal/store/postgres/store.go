package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"clinicq/internal/admission"
	"clinicq/internal/clock"
	"clinicq/internal/models"
	"clinicq/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const maxTxAttempts = 3

type Store struct {
	pool       *pgxpool.Pool
	clk        clock.Clock
	defaults   QueueDefaults
	sessionTTL time.Duration
}

// QueueDefaults seed a daily queue row on its lazy first touch. Admin
// edits to the row supersede them for that (scope, day).
type QueueDefaults struct {
	StartNumber      int
	OnlineStartTime  string
	OnlineEndTime    string
	MaxOnlineEntries int
}

type Options struct {
	Clock      clock.Clock
	Defaults   QueueDefaults
	SessionTTL time.Duration
}

func NewStore(pool *pgxpool.Pool, options Options) *Store {
	defaults := options.Defaults
	if defaults.StartNumber <= 0 {
		defaults.StartNumber = 1
	}
	if defaults.OnlineStartTime == "" {
		defaults.OnlineStartTime = "07:00"
	}
	if defaults.OnlineEndTime == "" {
		defaults.OnlineEndTime = "09:00"
	}
	ttl := options.SessionTTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Store{
		pool:       pool,
		clk:        options.Clock,
		defaults:   defaults,
		sessionTTL: ttl,
	}
}

func (s *Store) now() time.Time {
	return s.clk.Now()
}

// withQueueTx runs fn in a transaction and retries serialization and
// deadlock failures with a short jittered backoff. Anything else
// surfaces as-is; the retry budget is bounded so the allocator always
// returns in bounded time.
func (s *Store) withQueueTx(ctx context.Context, fn func(pgx.Tx) error) error {
	var lastErr error
	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(25*attempt)*time.Millisecond + time.Duration(rand.Intn(25))*time.Millisecond
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}

		tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
		if err != nil {
			return err
		}
		err = fn(tx)
		if err == nil {
			err = tx.Commit(ctx)
			if err == nil {
				return nil
			}
		}
		_ = tx.Rollback(ctx)
		if !retryableTxError(err) {
			return err
		}
		lastErr = err
	}
	return &store.TransientError{Err: lastErr}
}

func retryableTxError(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	// serialization_failure, deadlock_detected
	return pgErr.Code == "40001" || pgErr.Code == "40P01"
}

// lockQueue creates the (scope, day) row if this is the first touch and
// returns it locked. The row lock is the single serialization point for
// every number-producing operation on that queue; queues for other
// scopes or days are never blocked.
func (s *Store) lockQueue(ctx context.Context, tx pgx.Tx, scopeID, day string) (models.Queue, error) {
	_, err := tx.Exec(ctx, `
		INSERT INTO daily_queues (
			queue_id, scope_id, day, start_number, last_ticket,
			online_start_time, online_end_time, max_online_entries, is_open, created_at
		) VALUES ($1, $2, $3::date, $4, $4 - 1, $5, $6, $7, TRUE, $8)
		ON CONFLICT (scope_id, day) DO NOTHING
	`, uuid.NewString(), scopeID, day, s.defaults.StartNumber,
		s.defaults.OnlineStartTime, s.defaults.OnlineEndTime, s.defaults.MaxOnlineEntries, s.now())
	if err != nil {
		return models.Queue{}, err
	}

	var queue models.Queue
	row := tx.QueryRow(ctx, `
		SELECT queue_id, scope_id, to_char(day, 'YYYY-MM-DD'), start_number, last_ticket,
			online_start_time, online_end_time, max_online_entries, is_open, created_at
		FROM daily_queues
		WHERE scope_id = $1 AND day = $2::date
		FOR UPDATE
	`, scopeID, day)
	if err := row.Scan(&queue.QueueID, &queue.ScopeID, &queue.Day, &queue.StartNumber, &queue.LastTicket,
		&queue.OnlineStartTime, &queue.OnlineEndTime, &queue.MaxOnlineEntries, &queue.IsOpen, &queue.CreatedAt); err != nil {
		return models.Queue{}, err
	}
	return queue, nil
}

// allocateNumber advances the high-water mark by one and returns the
// issued number. Must run with the queue row already locked in tx.
func allocateNumber(ctx context.Context, tx pgx.Tx, queueID string) (int, error) {
	var number int
	row := tx.QueryRow(ctx, `
		UPDATE daily_queues
		SET last_ticket = last_ticket + 1
		WHERE queue_id = $1
		RETURNING last_ticket
	`, queueID)
	if err := row.Scan(&number); err != nil {
		return 0, err
	}
	return number, nil
}

func countOnlineEntries(ctx context.Context, tx pgx.Tx, queueID string) (int, error) {
	var count int
	row := tx.QueryRow(ctx, `
		SELECT COUNT(1)
		FROM queue_entries
		WHERE queue_id = $1 AND source = $2
	`, queueID, models.SourceOnline)
	if err := row.Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

func (s *Store) CreateEntry(ctx context.Context, input store.CreateEntryInput) (models.Entry, error) {
	queueTime := input.QueueTime
	if queueTime.IsZero() {
		queueTime = s.now()
	}

	var entry models.Entry
	err := s.withQueueTx(ctx, func(tx pgx.Tx) error {
		created, err := s.createEntryInTx(ctx, tx, input, queueTime)
		if err != nil {
			return err
		}
		entry = created
		return nil
	})
	if err != nil {
		return models.Entry{}, err
	}
	return entry, nil
}

// createEntryInTx is the allocate-and-insert unit: admission check,
// high-water mark increment, entry insert, outbox and audit events, all
// under the queue row lock so the capacity check and the insert cannot
// race.
func (s *Store) createEntryInTx(ctx context.Context, tx pgx.Tx, input store.CreateEntryInput, queueTime time.Time) (models.Entry, error) {
	queue, err := s.lockQueue(ctx, tx, input.ScopeID, input.Day)
	if err != nil {
		return models.Entry{}, err
	}

	onlineCount := 0
	if input.Source == models.SourceOnline {
		onlineCount, err = countOnlineEntries(ctx, tx, queue.QueueID)
		if err != nil {
			return models.Entry{}, err
		}
	}

	decision := admission.Check(queue.Config(), input.Source, s.clk, onlineCount)
	if !decision.Allowed {
		return models.Entry{}, store.Denied(decision.Reason)
	}

	number, err := allocateNumber(ctx, tx, queue.QueueID)
	if err != nil {
		return models.Entry{}, err
	}

	entry := models.Entry{
		EntryID:   uuid.NewString(),
		QueueID:   queue.QueueID,
		ScopeID:   input.ScopeID,
		Day:       queue.Day,
		Number:    number,
		PatientID: input.PatientID,
		Status:    models.StatusWaiting,
		Source:    input.Source,
		QueueTime: queueTime,
		CreatedAt: s.now(),
	}
	if err := insertEntry(ctx, tx, entry); err != nil {
		return models.Entry{}, err
	}
	if err := emitEntryEvent(ctx, tx, "entry.created", entry); err != nil {
		return models.Entry{}, err
	}
	return entry, nil
}

func insertEntry(ctx context.Context, tx pgx.Tx, entry models.Entry) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO queue_entries (
			entry_id, queue_id, scope_id, day, number, patient_id, status, source,
			queue_time, created_at, appointment_id, rescheduled_from
		) VALUES ($1, $2, $3, $4::date, $5, $6, $7, $8, $9, $10, $11, $12)
	`, entry.EntryID, entry.QueueID, entry.ScopeID, entry.Day, entry.Number, entry.PatientID,
		entry.Status, entry.Source, entry.QueueTime, entry.CreatedAt, entry.AppointmentID, entry.RescheduledFrom)
	return err
}

const entryColumns = `
	entry_id, queue_id, scope_id, to_char(day, 'YYYY-MM-DD'), number, patient_id, status, source,
	queue_time, created_at, appointment_id, rescheduled_from, called_at, served_at, completed_at`

func scanEntry(row pgx.Row) (models.Entry, error) {
	var entry models.Entry
	var appointmentID sql.NullString
	var rescheduledFrom sql.NullString
	var calledAt sql.NullTime
	var servedAt sql.NullTime
	var completedAt sql.NullTime
	if err := row.Scan(&entry.EntryID, &entry.QueueID, &entry.ScopeID, &entry.Day, &entry.Number,
		&entry.PatientID, &entry.Status, &entry.Source, &entry.QueueTime, &entry.CreatedAt,
		&appointmentID, &rescheduledFrom, &calledAt, &servedAt, &completedAt); err != nil {
		return models.Entry{}, err
	}
	entry.AppointmentID = nullStringPtr(appointmentID)
	entry.RescheduledFrom = nullStringPtr(rescheduledFrom)
	entry.CalledAt = nullTimePtr(calledAt)
	entry.ServedAt = nullTimePtr(servedAt)
	entry.CompletedAt = nullTimePtr(completedAt)
	return entry, nil
}

func (s *Store) GetEntry(ctx context.Context, entryID string) (models.Entry, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+entryColumns+`
		FROM queue_entries
		WHERE entry_id = $1
	`, entryID)
	entry, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Entry{}, store.ErrEntryNotFound
		}
		return models.Entry{}, err
	}
	return entry, nil
}

var transitionTimestampColumn = map[string]string{
	store.ActionCall:         "called_at",
	store.ActionStartServing: "served_at",
	store.ActionComplete:     "completed_at",
}

func (s *Store) TransitionEntry(ctx context.Context, input store.TransitionInput) (models.Entry, error) {
	target, ok := store.TransitionTarget(input.Action)
	if !ok {
		return models.Entry{}, store.ErrInvalidState
	}
	occurredAt := input.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = s.now()
	}

	setClause := "status = $2"
	args := []interface{}{input.EntryID, target}
	if column, ok := transitionTimestampColumn[input.Action]; ok {
		setClause += ", " + column + " = $3"
		args = append(args, occurredAt)
	}

	var entry models.Entry
	err := s.withQueueTx(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			UPDATE queue_entries
			SET `+setClause+`
			WHERE entry_id = $1 AND status = ANY(`+fmt.Sprintf("$%d", len(args)+1)+`)
			RETURNING `+entryColumns+`
		`, append(args, store.TransitionSources(input.Action))...)
		updated, err := scanEntry(row)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return s.classifyMissedTransition(ctx, tx, input.EntryID)
			}
			return err
		}
		entry = updated
		return emitEntryEvent(ctx, tx, "entry."+target, updated)
	})
	if err != nil {
		return models.Entry{}, err
	}
	return entry, nil
}

func (s *Store) classifyMissedTransition(ctx context.Context, tx pgx.Tx, entryID string) error {
	var status string
	row := tx.QueryRow(ctx, `SELECT status FROM queue_entries WHERE entry_id = $1`, entryID)
	if err := row.Scan(&status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.ErrEntryNotFound
		}
		return err
	}
	return store.ErrInvalidState
}

func (s *Store) ListActiveEntries(ctx context.Context, scopeID, day string) ([]models.Entry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+entryColumns+`
		FROM queue_entries
		WHERE scope_id = $1 AND day = $2::date AND status IN ($3, $4)
		ORDER BY queue_time ASC, number ASC
	`, scopeID, day, models.StatusWaiting, models.StatusCalled)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []models.Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

func (s *Store) GetQueueState(ctx context.Context, scopeID, day string) (models.QueueState, error) {
	state := models.QueueState{ScopeID: scopeID, Day: day, IsOpen: true}

	row := s.pool.QueryRow(ctx, `
		SELECT last_ticket, is_open
		FROM daily_queues
		WHERE scope_id = $1 AND day = $2::date
	`, scopeID, day)
	if err := row.Scan(&state.LastTicket, &state.IsOpen); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Queue not materialized yet: an empty board, not an error.
			return state, nil
		}
		return models.QueueState{}, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT status, COUNT(1)
		FROM queue_entries
		WHERE scope_id = $1 AND day = $2::date
		GROUP BY status
	`, scopeID, day)
	if err != nil {
		return models.QueueState{}, err
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return models.QueueState{}, err
		}
		switch status {
		case models.StatusWaiting:
			state.WaitingCount = count
		case models.StatusCalled:
			state.CalledCount = count
		case models.StatusServing:
			state.ServingCount = count
		case models.StatusDone:
			state.DoneCount = count
		}
	}
	if err := rows.Err(); err != nil {
		return models.QueueState{}, err
	}
	return state, nil
}

func (s *Store) SetQueueConfig(ctx context.Context, input store.QueueConfigInput) (models.Queue, error) {
	var queue models.Queue
	err := s.withQueueTx(ctx, func(tx pgx.Tx) error {
		locked, err := s.lockQueue(ctx, tx, input.ScopeID, input.Day)
		if err != nil {
			return err
		}
		if input.OnlineStartTime != nil {
			locked.OnlineStartTime = *input.OnlineStartTime
		}
		if input.OnlineEndTime != nil {
			locked.OnlineEndTime = *input.OnlineEndTime
		}
		if input.MaxOnlineEntries != nil {
			locked.MaxOnlineEntries = *input.MaxOnlineEntries
		}
		if input.IsOpen != nil {
			locked.IsOpen = *input.IsOpen
		}
		_, err = tx.Exec(ctx, `
			UPDATE daily_queues
			SET online_start_time = $2, online_end_time = $3, max_online_entries = $4, is_open = $5
			WHERE queue_id = $1
		`, locked.QueueID, locked.OnlineStartTime, locked.OnlineEndTime, locked.MaxOnlineEntries, locked.IsOpen)
		if err != nil {
			return err
		}
		queue = locked
		return nil
	})
	if err != nil {
		return models.Queue{}, err
	}
	return queue, nil
}

// ReserveBlock claims count contiguous numbers for batch assignment.
// The online allocator continues from End because the same high-water
// mark advanced.
func (s *Store) ReserveBlock(ctx context.Context, scopeID, day string, count int) (store.Block, error) {
	if count <= 0 {
		return store.Block{}, fmt.Errorf("block count must be positive, got %d", count)
	}
	var block store.Block
	err := s.withQueueTx(ctx, func(tx pgx.Tx) error {
		queue, err := s.lockQueue(ctx, tx, scopeID, day)
		if err != nil {
			return err
		}
		reserved, err := reserveBlockInTx(ctx, tx, queue.QueueID, count)
		if err != nil {
			return err
		}
		block = reserved
		return nil
	})
	if err != nil {
		return store.Block{}, err
	}
	return block, nil
}

func reserveBlockInTx(ctx context.Context, tx pgx.Tx, queueID string, count int) (store.Block, error) {
	var end int
	row := tx.QueryRow(ctx, `
		UPDATE daily_queues
		SET last_ticket = last_ticket + $2
		WHERE queue_id = $1
		RETURNING last_ticket
	`, queueID, count)
	if err := row.Scan(&end); err != nil {
		return store.Block{}, err
	}
	return store.Block{Start: end - count + 1, End: end}, nil
}

func nullStringPtr(value sql.NullString) *string {
	if !value.Valid {
		return nil
	}
	text := value.String
	return &text
}

func nullTimePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	t := value.Time
	return &t
}
