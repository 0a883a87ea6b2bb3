package models

import "time"

const AppointmentConfirmed = "confirmed"

// Appointment rows belong to the booking collaborator; the morning
// batch only reads confirmed ones for a day. PatientID and ScheduledAt
// can be absent, which makes the appointment a skip candidate.
type Appointment struct {
	AppointmentID string     `json:"appointment_id"`
	ScopeID       string     `json:"scope_id"`
	PatientID     string     `json:"patient_id"`
	Day           string     `json:"day"`
	ScheduledAt   *time.Time `json:"scheduled_at,omitempty"`
	Status        string     `json:"status"`
}

// RefundRequest is the record emitted toward the payment collaborator
// when a paid entry is canceled; execution happens elsewhere.
type RefundRequest struct {
	RefundID  string    `json:"refund_id"`
	EntryID   string    `json:"entry_id"`
	PatientID string    `json:"patient_id"`
	Amount    int64     `json:"amount"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}
