package models

import "time"

// JoinSession is a short-lived, single-use token minted when a QR code
// is rendered or scanned. Consumption happens exactly once, inside the
// same transaction that creates the queue entry.
type JoinSession struct {
	Token      string     `json:"token"`
	ScopeID    string     `json:"scope_id"`
	Day        string     `json:"day"`
	IssuedAt   time.Time  `json:"issued_at"`
	ExpiresAt  time.Time  `json:"expires_at"`
	Consumed   bool       `json:"consumed"`
	ConsumedAt *time.Time `json:"consumed_at,omitempty"`
}
