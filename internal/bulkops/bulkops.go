package bulkops

import (
	"context"
	"errors"

	"clinicq/internal/clock"
	"clinicq/internal/metrics"
	"clinicq/internal/models"
	"clinicq/internal/store"

	"go.uber.org/zap"
)

type Store interface {
	ListActiveEntries(ctx context.Context, scopeID, day string) ([]models.Entry, error)
	RescheduleEntry(ctx context.Context, entryID, targetDay string) (models.Entry, error)
	CancelEntryWithRefund(ctx context.Context, entryID string) (models.Entry, bool, error)
}

type ScopeSummary struct {
	ScopeID      string `json:"scope_id"`
	Transitioned int    `json:"transitioned"`
	Failed       int    `json:"failed"`
	Refunds      int    `json:"refunds,omitempty"`
}

type Summary struct {
	Day          string         `json:"day"`
	TargetDay    string         `json:"target_day,omitempty"`
	Transitioned int            `json:"transitioned"`
	Failed       int            `json:"failed"`
	Refunds      int            `json:"refunds,omitempty"`
	Scopes       []ScopeSummary `json:"scopes"`
}

// Controller runs the force-majeure bulk transitions. Each entry is
// transitioned in its own transaction: one entry's failure never blocks
// the rest, and the summary tells the operator exactly what moved.
type Controller struct {
	store     Store
	logger    *zap.Logger
	collector *metrics.Collector
}

func NewController(st Store, logger *zap.Logger, collector *metrics.Collector) *Controller {
	return &Controller{store: st, logger: logger, collector: collector}
}

// MassReschedule moves every waiting or called entry of the given
// scopes to the next business day. Entries are processed in queue_time
// order, and each replacement keeps its original queue_time, so the
// rescheduled group lands on the new day in its promised order.
func (c *Controller) MassReschedule(ctx context.Context, scopeIDs []string, day string) (Summary, error) {
	targetDay, err := clock.NextBusinessDay(day)
	if err != nil {
		return Summary{}, err
	}

	summary := Summary{Day: day, TargetDay: targetDay}
	for _, scopeID := range scopeIDs {
		scopeSummary := ScopeSummary{ScopeID: scopeID}
		entries, err := c.store.ListActiveEntries(ctx, scopeID, day)
		if err != nil {
			c.logger.Error("mass reschedule list failed",
				zap.String("scope_id", scopeID), zap.String("day", day), zap.Error(err))
			scopeSummary.Failed++
			summary.Failed++
			summary.Scopes = append(summary.Scopes, scopeSummary)
			continue
		}

		for _, entry := range entries {
			if _, err := c.store.RescheduleEntry(ctx, entry.EntryID, targetDay); err != nil {
				// Raced into a terminal state since listing: nothing to move.
				if errors.Is(err, store.ErrInvalidState) {
					continue
				}
				scopeSummary.Failed++
				summary.Failed++
				c.logger.Error("mass reschedule entry failed",
					zap.String("scope_id", scopeID),
					zap.String("day", day),
					zap.String("entry_id", entry.EntryID),
					zap.Error(err))
				continue
			}
			scopeSummary.Transitioned++
			summary.Transitioned++
			c.collector.MassTransitionsTotal.WithLabelValues("reschedule").Inc()
		}
		summary.Scopes = append(summary.Scopes, scopeSummary)
	}
	c.logger.Info("mass reschedule finished",
		zap.String("day", day),
		zap.String("target_day", targetDay),
		zap.Int("transitioned", summary.Transitioned),
		zap.Int("failed", summary.Failed))
	return summary, nil
}

// MassCancel cancels every waiting or called entry of the given scopes
// and emits a refund request for each one that had a payment. Entries
// already past the active states are left untouched.
func (c *Controller) MassCancel(ctx context.Context, scopeIDs []string, day string) (Summary, error) {
	summary := Summary{Day: day}
	for _, scopeID := range scopeIDs {
		scopeSummary := ScopeSummary{ScopeID: scopeID}
		entries, err := c.store.ListActiveEntries(ctx, scopeID, day)
		if err != nil {
			c.logger.Error("mass cancel list failed",
				zap.String("scope_id", scopeID), zap.String("day", day), zap.Error(err))
			scopeSummary.Failed++
			summary.Failed++
			summary.Scopes = append(summary.Scopes, scopeSummary)
			continue
		}

		for _, entry := range entries {
			_, refunded, err := c.store.CancelEntryWithRefund(ctx, entry.EntryID)
			if err != nil {
				if errors.Is(err, store.ErrInvalidState) {
					continue
				}
				scopeSummary.Failed++
				summary.Failed++
				c.logger.Error("mass cancel entry failed",
					zap.String("scope_id", scopeID),
					zap.String("day", day),
					zap.String("entry_id", entry.EntryID),
					zap.Error(err))
				continue
			}
			scopeSummary.Transitioned++
			summary.Transitioned++
			c.collector.MassTransitionsTotal.WithLabelValues("cancel").Inc()
			if refunded {
				scopeSummary.Refunds++
				summary.Refunds++
				c.collector.RefundRequestsTotal.Inc()
			}
		}
		summary.Scopes = append(summary.Scopes, scopeSummary)
	}
	c.logger.Info("mass cancel finished",
		zap.String("day", day),
		zap.Int("transitioned", summary.Transitioned),
		zap.Int("refunds", summary.Refunds),
		zap.Int("failed", summary.Failed))
	return summary, nil
}
