package postgres

import (
	"context"
	"errors"
	"time"

	"clinicq/internal/models"
	"clinicq/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// CreateSession mints a single-use QR token binding (scope, day). The
// token is an unguessable uuid; nothing about the queue changes until
// commit.
func (s *Store) CreateSession(ctx context.Context, scopeID, day string) (models.JoinSession, error) {
	session := models.JoinSession{
		Token:     uuid.NewString(),
		ScopeID:   scopeID,
		Day:       day,
		IssuedAt:  s.now(),
		ExpiresAt: s.now().Add(s.sessionTTL),
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO join_sessions (token, scope_id, day, issued_at, expires_at, consumed)
		VALUES ($1, $2, $3::date, $4, $5, FALSE)
	`, session.Token, session.ScopeID, session.Day, session.IssuedAt, session.ExpiresAt)
	if err != nil {
		return models.JoinSession{}, err
	}
	return session, nil
}

// ResolveSession is the read-only preview half of the protocol: it
// never consumes and may be called any number of times.
func (s *Store) ResolveSession(ctx context.Context, token string) (models.JoinSession, models.QueueState, error) {
	session, err := s.getSession(ctx, token)
	if err != nil {
		return models.JoinSession{}, models.QueueState{}, err
	}
	state, err := s.GetQueueState(ctx, session.ScopeID, session.Day)
	if err != nil {
		return models.JoinSession{}, models.QueueState{}, err
	}
	return session, state, nil
}

func (s *Store) getSession(ctx context.Context, token string) (models.JoinSession, error) {
	var session models.JoinSession
	row := s.pool.QueryRow(ctx, `
		SELECT token, scope_id, to_char(day, 'YYYY-MM-DD'), issued_at, expires_at, consumed, consumed_at
		FROM join_sessions
		WHERE token = $1
	`, token)
	var consumedAt *time.Time
	if err := row.Scan(&session.Token, &session.ScopeID, &session.Day, &session.IssuedAt,
		&session.ExpiresAt, &session.Consumed, &consumedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.JoinSession{}, store.ErrSessionNotFound
		}
		return models.JoinSession{}, err
	}
	session.ConsumedAt = consumedAt
	return session, nil
}

// CommitSession consumes the token and creates the entry as one
// transaction. Two concurrent commits race on the conditional UPDATE:
// exactly one sees a row, the other gets ErrSessionUsed. A failure
// anywhere after consumption rolls the consumption back too, so no
// consumed-token-without-entry state can persist.
func (s *Store) CommitSession(ctx context.Context, input store.CommitSessionInput) (models.Entry, error) {
	now := s.now()

	var entry models.Entry
	err := s.withQueueTx(ctx, func(tx pgx.Tx) error {
		var scopeID, day string
		var expiresAt time.Time
		row := tx.QueryRow(ctx, `
			UPDATE join_sessions
			SET consumed = TRUE, consumed_at = $2
			WHERE token = $1 AND NOT consumed
			RETURNING scope_id, to_char(day, 'YYYY-MM-DD'), expires_at
		`, input.Token, now)
		if err := row.Scan(&scopeID, &day, &expiresAt); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return s.classifyMissedConsume(ctx, tx, input.Token)
			}
			return err
		}
		if !now.Before(expiresAt) {
			return store.ErrSessionExpired
		}

		// queue_time is commit time, not scan time: browsing a QR
		// without committing reserves nothing.
		created, err := s.createEntryInTx(ctx, tx, store.CreateEntryInput{
			ScopeID:   scopeID,
			Day:       day,
			PatientID: input.PatientID,
			Source:    models.SourceOnline,
		}, now)
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

func (s *Store) classifyMissedConsume(ctx context.Context, tx pgx.Tx, token string) error {
	var consumed bool
	row := tx.QueryRow(ctx, `SELECT consumed FROM join_sessions WHERE token = $1`, token)
	if err := row.Scan(&consumed); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.ErrSessionNotFound
		}
		return err
	}
	if consumed {
		return store.ErrSessionUsed
	}
	return store.ErrSessionNotFound
}

// DeleteExpiredSessions garbage-collects tokens past their expiry,
// consumed or not. Consumption already left its trace on the entry.
func (s *Store) DeleteExpiredSessions(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM join_sessions
		WHERE expires_at <= $1
	`, s.now())
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}
