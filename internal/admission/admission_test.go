package admission

import (
	"testing"
	"time"

	"clinicq/internal/clock"
	"clinicq/internal/models"
)

func at(hour, minute int) clock.Clock {
	return clock.Fixed(time.Date(2026, 8, 31, hour, minute, 0, 0, time.UTC))
}

func TestCheckOnlineWindow(t *testing.T) {
	cfg := models.QueueConfig{
		OnlineStartTime:  "07:00",
		OnlineEndTime:    "09:00",
		MaxOnlineEntries: 15,
		IsOpen:           true,
	}

	cases := []struct {
		name        string
		now         clock.Clock
		onlineCount int
		allowed     bool
		reason      string
	}{
		{"before window", at(6, 59), 0, false, ReasonTooEarly},
		{"window opens", at(7, 0), 0, true, ""},
		{"mid window", at(7, 5), 14, true, ""},
		{"at capacity", at(7, 5), 15, false, ReasonCapacityFull},
		{"over capacity", at(7, 5), 20, false, ReasonCapacityFull},
		{"window closes exactly", at(9, 0), 10, false, ReasonWindowClosed},
		{"after window", at(10, 30), 0, false, ReasonWindowClosed},
	}
	for _, tt := range cases {
		got := Check(cfg, models.SourceOnline, tt.now, tt.onlineCount)
		if got.Allowed != tt.allowed || got.Reason != tt.reason {
			t.Fatalf("%s: got %+v, want allowed=%v reason=%q", tt.name, got, tt.allowed, tt.reason)
		}
	}
}

func TestCheckWindowBeatsCapacity(t *testing.T) {
	// Window denial wins even when the queue is empty.
	cfg := models.QueueConfig{
		OnlineStartTime:  "07:00",
		OnlineEndTime:    "09:00",
		MaxOnlineEntries: 15,
		IsOpen:           true,
	}
	got := Check(cfg, models.SourceOnline, at(9, 0), 0)
	if got.Allowed || got.Reason != ReasonWindowClosed {
		t.Fatalf("got %+v, want WINDOW_CLOSED", got)
	}
}

func TestCheckDesk(t *testing.T) {
	cfg := models.QueueConfig{
		OnlineStartTime:  "07:00",
		OnlineEndTime:    "09:00",
		MaxOnlineEntries: 1,
		IsOpen:           true,
	}
	// Desk bypasses window and capacity.
	if got := Check(cfg, models.SourceDesk, at(5, 0), 99); !got.Allowed {
		t.Fatalf("desk join denied: %+v", got)
	}
	cfg.IsOpen = false
	if got := Check(cfg, models.SourceDesk, at(8, 0), 0); got.Allowed || got.Reason != ReasonQueueClosed {
		t.Fatalf("closed queue allowed desk join: %+v", got)
	}
}

func TestCheckMorningAssignmentBypassesEverything(t *testing.T) {
	cfg := models.QueueConfig{
		OnlineStartTime:  "07:00",
		OnlineEndTime:    "09:00",
		MaxOnlineEntries: 1,
		IsOpen:           false,
	}
	if got := Check(cfg, models.SourceMorningAssignment, at(4, 0), 100); !got.Allowed {
		t.Fatalf("morning assignment denied: %+v", got)
	}
}

// steppingClock returns a later instant on every Now() call.
type steppingClock struct {
	times []time.Time
	calls int
}

func (c *steppingClock) Now() time.Time {
	i := c.calls
	if i >= len(c.times) {
		i = len(c.times) - 1
	}
	c.calls++
	return c.times[i]
}

func TestCheckWindowSingleClockRead(t *testing.T) {
	cfg := models.QueueConfig{
		OnlineStartTime:  "08:30",
		OnlineEndTime:    "09:00",
		MaxOnlineEntries: 15,
		IsOpen:           true,
	}
	// 08:45 is inside the window. A second read would land on 09:10;
	// mixing the 08 hour with the :10 minute computes 08:10 and
	// wrongly denies TOO_EARLY.
	clk := &steppingClock{times: []time.Time{
		time.Date(2026, 8, 31, 8, 45, 0, 0, time.UTC),
		time.Date(2026, 8, 31, 9, 10, 0, 0, time.UTC),
	}}
	if got := Check(cfg, models.SourceOnline, clk, 0); !got.Allowed {
		t.Fatalf("in-window join denied: %+v", got)
	}
	if clk.calls != 1 {
		t.Fatalf("clock read %d times, want once", clk.calls)
	}
}

func TestCheckUnlimitedCapacity(t *testing.T) {
	cfg := models.QueueConfig{
		OnlineStartTime:  "07:00",
		OnlineEndTime:    "09:00",
		MaxOnlineEntries: 0,
		IsOpen:           true,
	}
	if got := Check(cfg, models.SourceOnline, at(8, 0), 10000); !got.Allowed {
		t.Fatalf("zero cap should mean unlimited: %+v", got)
	}
}
