package store

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"time"

	"clinicq/internal/models"
)

// EntryEvent is one link of an entry's hash-chained audit history.
// Mass transitions write these like any other mutation, so a
// force-majeure sweep leaves a verifiable trail per ticket.
type EntryEvent struct {
	EntryID   string          `json:"entry_id"`
	EntrySeq  int             `json:"entry_seq"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
	PrevHash  string          `json:"prev_hash"`
	Hash      string          `json:"hash"`
}

type entryEventPayload struct {
	EntryID         string     `json:"entry_id"`
	ScopeID         string     `json:"scope_id"`
	Day             string     `json:"day"`
	Number          int        `json:"number"`
	PatientID       string     `json:"patient_id"`
	Status          string     `json:"status"`
	Source          string     `json:"source"`
	QueueTime       *time.Time `json:"queue_time"`
	CreatedAt       *time.Time `json:"created_at"`
	CalledAt        *time.Time `json:"called_at"`
	ServedAt        *time.Time `json:"served_at"`
	CompletedAt     *time.Time `json:"completed_at"`
	RescheduledFrom *string    `json:"rescheduled_from"`
}

func ComputeEntryEventHash(prevHash, entryID, eventType string, payload json.RawMessage, createdAt time.Time, seq int) string {
	raw := fmt.Sprintf("%s|%s|%s|%s|%d|%s", prevHash, entryID, eventType, createdAt.UTC().Format(time.RFC3339Nano), seq, payload)
	sum := sha256.Sum256([]byte(raw))
	return fmt.Sprintf("%x", sum)
}

// VerifyEntryEvents walks the chain and reports the first broken link.
func VerifyEntryEvents(events []EntryEvent) error {
	prev := ""
	for i, event := range events {
		want := ComputeEntryEventHash(prev, event.EntryID, event.Type, event.Payload, event.CreatedAt, event.EntrySeq)
		if event.Hash != want {
			return fmt.Errorf("entry event chain broken at seq %d", i+1)
		}
		prev = event.Hash
	}
	return nil
}

// RehydrateEntry folds an audit history back into the entry's final
// observable state.
func RehydrateEntry(events []EntryEvent) (models.Entry, error) {
	var entry models.Entry
	for _, event := range events {
		if len(event.Payload) == 0 {
			continue
		}
		var payload entryEventPayload
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			return models.Entry{}, err
		}
		if payload.EntryID != "" {
			entry.EntryID = payload.EntryID
		}
		if payload.ScopeID != "" {
			entry.ScopeID = payload.ScopeID
		}
		if payload.Day != "" {
			entry.Day = payload.Day
		}
		if payload.Number != 0 {
			entry.Number = payload.Number
		}
		if payload.PatientID != "" {
			entry.PatientID = payload.PatientID
		}
		if payload.Status != "" {
			entry.Status = payload.Status
		}
		if payload.Source != "" {
			entry.Source = payload.Source
		}
		if payload.QueueTime != nil {
			entry.QueueTime = *payload.QueueTime
		}
		if payload.CreatedAt != nil {
			entry.CreatedAt = *payload.CreatedAt
		}
		if payload.CalledAt != nil {
			entry.CalledAt = payload.CalledAt
		}
		if payload.ServedAt != nil {
			entry.ServedAt = payload.ServedAt
		}
		if payload.CompletedAt != nil {
			entry.CompletedAt = payload.CompletedAt
		}
		if payload.RescheduledFrom != nil {
			entry.RescheduledFrom = payload.RescheduledFrom
		}
	}
	return entry, nil
}
