package schedule

import (
	"fmt"
	"strings"
	"time"

	"tablerun/internal/table"
)

// Policy names a job-selection strategy.
type Policy string

const (
	// PolicySimple claims the first pending row unconditionally.
	PolicySimple Policy = "simple"

	// PolicyBudgeted claims the first pending row whose scaled estimate fits
	// the remaining wall-clock budget. Rows without a numeric estimate_time
	// are never selected.
	PolicyBudgeted Policy = "budgeted"
)

// ParsePolicy normalizes a policy name.
func ParsePolicy(raw string) (Policy, error) {
	switch Policy(strings.ToLower(strings.TrimSpace(raw))) {
	case "", PolicySimple:
		return PolicySimple, nil
	case PolicyBudgeted:
		return PolicyBudgeted, nil
	default:
		return "", fmt.Errorf("unknown policy %q (use simple or budgeted)", raw)
	}
}

// Selector builds claim predicates for a policy.
type Selector struct {
	Policy      Policy
	SpeedFactor float64
}

// Predicate returns the claim predicate for the given remaining budget.
// Selection order stays table row order; the predicate only filters.
func (s Selector) Predicate(available time.Duration) func(table.Job) bool {
	if s.Policy != PolicyBudgeted {
		return nil // simple: every pending row qualifies
	}
	return func(j table.Job) bool {
		est, ok := j.EstimateDuration(s.SpeedFactor)
		if !ok {
			return false
		}
		return est <= available
	}
}
