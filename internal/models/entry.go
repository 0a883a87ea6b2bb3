package models

import "time"

type Entry struct {
	EntryID         string     `json:"entry_id"`
	QueueID         string     `json:"queue_id,omitempty"`
	ScopeID         string     `json:"scope_id"`
	Day             string     `json:"day"`
	Number          int        `json:"number"`
	PatientID       string     `json:"patient_id"`
	Status          string     `json:"status"`
	Source          string     `json:"source"`
	QueueTime       time.Time  `json:"queue_time"`
	CreatedAt       time.Time  `json:"created_at"`
	AppointmentID   *string    `json:"appointment_id,omitempty"`
	RescheduledFrom *string    `json:"rescheduled_from,omitempty"`
	CalledAt        *time.Time `json:"called_at,omitempty"`
	ServedAt        *time.Time `json:"served_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

const (
	StatusWaiting     = "waiting"
	StatusCalled      = "called"
	StatusServing     = "serving"
	StatusDone        = "done"
	StatusNoShow      = "no_show"
	StatusCanceled    = "canceled"
	StatusRescheduled = "rescheduled"
)

const (
	SourceOnline            = "online"
	SourceDesk              = "desk"
	SourceMorningAssignment = "morning_assignment"
)

func ValidSource(source string) bool {
	switch source {
	case SourceOnline, SourceDesk, SourceMorningAssignment:
		return true
	}
	return false
}
