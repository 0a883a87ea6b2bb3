package store

import (
	"context"
	"encoding/json"
	"time"

	"clinicq/internal/models"
)

type CreateEntryInput struct {
	ScopeID   string
	Day       string
	PatientID string
	Source    string
	QueueTime time.Time
}

type TransitionInput struct {
	EntryID    string
	Action     string
	OccurredAt time.Time
}

type CommitSessionInput struct {
	Token     string
	PatientID string
}

type QueueConfigInput struct {
	ScopeID          string
	Day              string
	OnlineStartTime  *string
	OnlineEndTime    *string
	MaxOnlineEntries *int
	IsOpen           *bool
}

// Block is a contiguous reserved number range, inclusive on both ends.
type Block struct {
	Start int
	End   int
}

func (b Block) Count() int {
	if b.End < b.Start {
		return 0
	}
	return b.End - b.Start + 1
}

// ConvertResult reports one scope's morning conversion. Skipped holds
// appointment ids that failed validation and were left untouched.
type ConvertResult struct {
	Assigned int
	Block    Block
	Skipped  []string
}

type OutboxEvent struct {
	EventID   string          `json:"event_id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// Store is the full persistence surface. Every number-producing method
// runs its critical section under the owning queue's row lock; read
// methods never lock.
type Store interface {
	CreateEntry(ctx context.Context, input CreateEntryInput) (models.Entry, error)
	GetEntry(ctx context.Context, entryID string) (models.Entry, error)
	TransitionEntry(ctx context.Context, input TransitionInput) (models.Entry, error)
	ListActiveEntries(ctx context.Context, scopeID, day string) ([]models.Entry, error)

	GetQueueState(ctx context.Context, scopeID, day string) (models.QueueState, error)
	SetQueueConfig(ctx context.Context, input QueueConfigInput) (models.Queue, error)
	ReserveBlock(ctx context.Context, scopeID, day string, count int) (Block, error)

	CreateSession(ctx context.Context, scopeID, day string) (models.JoinSession, error)
	ResolveSession(ctx context.Context, token string) (models.JoinSession, models.QueueState, error)
	CommitSession(ctx context.Context, input CommitSessionInput) (models.Entry, error)
	DeleteExpiredSessions(ctx context.Context) (int, error)

	ListAssignmentScopes(ctx context.Context, day string) ([]string, error)
	ConvertAppointments(ctx context.Context, scopeID, day string) (ConvertResult, error)

	RescheduleEntry(ctx context.Context, entryID, targetDay string) (models.Entry, error)
	CancelEntryWithRefund(ctx context.Context, entryID string) (models.Entry, bool, error)

	ListOutboxEvents(ctx context.Context, after time.Time, limit int) ([]OutboxEvent, error)
	GetDispatchOffset(ctx context.Context) (time.Time, error)
	SetDispatchOffset(ctx context.Context, offset time.Time) error
}
