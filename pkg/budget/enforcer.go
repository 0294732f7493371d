package budget

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pario-ai/llmbatch/pkg/models"
)

// ErrBudgetExceeded is returned when a request exceeds the budget.
var ErrBudgetExceeded = errors.New("budget exceeded")

// Usage reports billed tokens. tracker.SQLiteTracker satisfies it.
type Usage interface {
	TotalTokens(ctx context.Context, model string, since time.Time) (int64, error)
}

// Enforcer checks billed token usage against budget policies.
type Enforcer struct {
	policies []models.BudgetPolicy
	usage    Usage
	now      func() time.Time
}

// New creates an Enforcer with the given policies and usage source.
func New(policies []models.BudgetPolicy, u Usage) *Enforcer {
	return &Enforcer{policies: policies, usage: u, now: time.Now}
}

// Policies returns the configured policies.
func (e *Enforcer) Policies() []models.BudgetPolicy {
	return e.policies
}

// Check returns ErrBudgetExceeded if model has exceeded any applicable policy.
// A nil Enforcer allows everything.
func (e *Enforcer) Check(ctx context.Context, model string) error {
	if e == nil {
		return nil
	}
	for _, p := range e.applicablePolicies(model) {
		used, err := e.used(ctx, p)
		if err != nil {
			return fmt.Errorf("budget check: %w", err)
		}
		if used >= p.MaxTokens {
			return ErrBudgetExceeded
		}
	}
	return nil
}

// Status returns the budget status across all policies.
func (e *Enforcer) Status(ctx context.Context) ([]models.BudgetStatus, error) {
	statuses := make([]models.BudgetStatus, 0, len(e.policies))
	for _, p := range e.policies {
		used, err := e.used(ctx, p)
		if err != nil {
			return nil, fmt.Errorf("budget status: %w", err)
		}
		remaining := max(p.MaxTokens-used, 0)
		statuses = append(statuses, models.BudgetStatus{
			Policy:    p,
			Used:      used,
			Remaining: remaining,
		})
	}
	return statuses, nil
}

func (e *Enforcer) used(ctx context.Context, p models.BudgetPolicy) (int64, error) {
	return e.usage.TotalTokens(ctx, p.Model, periodStart(p.Period, e.now()))
}

func (e *Enforcer) applicablePolicies(model string) []models.BudgetPolicy {
	var result []models.BudgetPolicy
	for _, p := range e.policies {
		if p.Model == "" || p.Model == model {
			result = append(result, p)
		}
	}
	return result
}

func periodStart(period models.BudgetPeriod, now time.Time) time.Time {
	now = now.UTC()
	switch period {
	case models.BudgetMonthly:
		return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	default: // daily
		return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	}
}
