package models

import "time"

// Queue is one daily queue row: the registry record for a (scope, day)
// and the counter cell the allocator increments.
type Queue struct {
	QueueID          string    `json:"queue_id"`
	ScopeID          string    `json:"scope_id"`
	Day              string    `json:"day"`
	StartNumber      int       `json:"start_number"`
	LastTicket       int       `json:"last_ticket"`
	OnlineStartTime  string    `json:"online_start_time"`
	OnlineEndTime    string    `json:"online_end_time"`
	MaxOnlineEntries int       `json:"max_online_entries"`
	IsOpen           bool      `json:"is_open"`
	CreatedAt        time.Time `json:"created_at"`
}

// QueueConfig is the admission-relevant snapshot of a queue row, read
// under the row lock so same-day admin edits apply on the next join.
type QueueConfig struct {
	OnlineStartTime  string
	OnlineEndTime    string
	MaxOnlineEntries int
	IsOpen           bool
}

func (q Queue) Config() QueueConfig {
	return QueueConfig{
		OnlineStartTime:  q.OnlineStartTime,
		OnlineEndTime:    q.OnlineEndTime,
		MaxOnlineEntries: q.MaxOnlineEntries,
		IsOpen:           q.IsOpen,
	}
}

type QueueState struct {
	ScopeID      string `json:"scope_id"`
	Day          string `json:"day"`
	IsOpen       bool   `json:"is_open"`
	LastTicket   int    `json:"last_ticket"`
	WaitingCount int    `json:"waiting_count"`
	CalledCount  int    `json:"called_count"`
	ServingCount int    `json:"serving_count"`
	DoneCount    int    `json:"done_count"`
}
