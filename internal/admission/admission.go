package admission

import (
	"clinicq/internal/clock"
	"clinicq/internal/models"
)

// Deny reason codes surfaced to clients. TOO_EARLY and WINDOW_CLOSED
// mean "try later"; CAPACITY_FULL means try tomorrow; QUEUE_CLOSED is
// the desk override.
const (
	ReasonTooEarly     = "TOO_EARLY"
	ReasonWindowClosed = "WINDOW_CLOSED"
	ReasonCapacityFull = "CAPACITY_FULL"
	ReasonQueueClosed  = "QUEUE_CLOSED"
)

type Decision struct {
	Allowed bool
	Reason  string
}

var allow = Decision{Allowed: true}

func deny(reason string) Decision {
	return Decision{Reason: reason}
}

// Check evaluates the admission rules for one join attempt. It is pure:
// the caller supplies the queue config snapshot, the clinic-local time,
// and the current count of online-sourced entries, all read inside the
// same transaction that allocates the number. Desk joins bypass the
// window and capacity rules but respect the is_open override; the
// morning batch bypasses everything because it runs before the window.
func Check(cfg models.QueueConfig, source string, now clock.Clock, onlineCount int) Decision {
	switch source {
	case models.SourceMorningAssignment:
		return allow
	case models.SourceDesk:
		if !cfg.IsOpen {
			return deny(ReasonQueueClosed)
		}
		return allow
	}

	if !cfg.IsOpen {
		return deny(ReasonQueueClosed)
	}

	// One clock read: two reads could straddle an hour rollover and
	// combine the old hour with the new minute.
	at := now.Now()
	minute := at.Hour()*60 + at.Minute()
	start, err := clock.MinutesOfDay(cfg.OnlineStartTime)
	if err != nil {
		return deny(ReasonWindowClosed)
	}
	end, err := clock.MinutesOfDay(cfg.OnlineEndTime)
	if err != nil {
		return deny(ReasonWindowClosed)
	}
	if minute < start {
		return deny(ReasonTooEarly)
	}
	if minute >= end {
		return deny(ReasonWindowClosed)
	}

	if cfg.MaxOnlineEntries > 0 && onlineCount >= cfg.MaxOnlineEntries {
		return deny(ReasonCapacityFull)
	}
	return allow
}
