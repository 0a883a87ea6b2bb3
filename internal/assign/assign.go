package assign

import (
	"context"

	"clinicq/internal/metrics"
	"clinicq/internal/store"

	"go.uber.org/zap"
)

// Store is the slice of the persistence surface the batch needs.
type Store interface {
	ListAssignmentScopes(ctx context.Context, day string) ([]string, error)
	ConvertAppointments(ctx context.Context, scopeID, day string) (store.ConvertResult, error)
}

type ScopeSummary struct {
	ScopeID  string   `json:"scope_id"`
	Assigned int      `json:"assigned"`
	Skipped  []string `json:"skipped,omitempty"`
	Error    string   `json:"error,omitempty"`
}

type Summary struct {
	Day      string         `json:"day"`
	Assigned int            `json:"assigned"`
	Skipped  int            `json:"skipped"`
	Failed   int            `json:"failed_scopes"`
	Scopes   []ScopeSummary `json:"scopes"`
}

// Runner is the morning assignment batch: once per clinic-day, before
// online joins open, it converts confirmed appointments into the
// initial block of queue entries.
type Runner struct {
	store     Store
	logger    *zap.Logger
	collector *metrics.Collector
}

func NewRunner(st Store, logger *zap.Logger, collector *metrics.Collector) *Runner {
	return &Runner{store: st, logger: logger, collector: collector}
}

// Run converts every scope with confirmed appointments on day. A
// scope's failure is recorded in the summary and does not stop the
// batch; re-running is safe because conversion is idempotent per
// appointment.
func (r *Runner) Run(ctx context.Context, day string) (Summary, error) {
	scopes, err := r.store.ListAssignmentScopes(ctx, day)
	if err != nil {
		return Summary{}, err
	}

	summary := Summary{Day: day}
	for _, scopeID := range scopes {
		scopeSummary := ScopeSummary{ScopeID: scopeID}
		result, err := r.store.ConvertAppointments(ctx, scopeID, day)
		if err != nil {
			scopeSummary.Error = err.Error()
			summary.Failed++
			r.logger.Error("morning assignment scope failed",
				zap.String("scope_id", scopeID),
				zap.String("day", day),
				zap.Error(err))
			summary.Scopes = append(summary.Scopes, scopeSummary)
			continue
		}

		scopeSummary.Assigned = result.Assigned
		scopeSummary.Skipped = result.Skipped
		summary.Assigned += result.Assigned
		summary.Skipped += len(result.Skipped)
		summary.Scopes = append(summary.Scopes, scopeSummary)

		r.collector.AssignmentConvertedTotal.Add(float64(result.Assigned))
		r.collector.AssignmentSkippedTotal.Add(float64(len(result.Skipped)))
		for _, appointmentID := range result.Skipped {
			r.logger.Warn("morning assignment skipped appointment",
				zap.String("scope_id", scopeID),
				zap.String("day", day),
				zap.String("appointment_id", appointmentID))
		}
		if result.Assigned > 0 {
			r.logger.Info("morning assignment converted scope",
				zap.String("scope_id", scopeID),
				zap.String("day", day),
				zap.Int("assigned", result.Assigned),
				zap.Int("block_start", result.Block.Start),
				zap.Int("block_end", result.Block.End))
		}
	}
	return summary, nil
}
