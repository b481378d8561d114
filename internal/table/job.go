package table

import (
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status is a job's scheduling state. Transitions:
//
//	pending -> running -> done|error
//
// plus running -> pending when recovery finds the lease stale.
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusDone    Status = "done"
	StatusError   Status = "error"
)

// Reserved column names. Everything else in the table is an opaque job
// parameter forwarded to the external command.
const (
	ColJobID    = "job_id"
	ColStatus   = "status"
	ColElapsed  = "elapsed_time"
	ColEstimate = "estimate_time"
)

// ReservedColumns in the order schema setup appends them.
var ReservedColumns = []string{ColJobID, ColStatus, ColElapsed, ColEstimate}

func isReserved(name string) bool {
	switch name {
	case ColJobID, ColStatus, ColElapsed, ColEstimate:
		return true
	}
	return false
}

// Param is one non-reserved cell, kept in column order.
type Param struct {
	Name  string
	Value string
}

// Job is one row of the table, decoupled from the row's storage.
type Job struct {
	ID       string
	Status   Status
	Estimate string // estimate_time cell, hours, verbatim
	Elapsed  string // elapsed_time cell, seconds, verbatim
	Params   []Param
}

// Args returns the external command arguments: every non-reserved value in
// column order, with empty cells omitted rather than passed as "".
func (j Job) Args() []string {
	args := make([]string, 0, len(j.Params))
	for _, p := range j.Params {
		if strings.TrimSpace(p.Value) == "" {
			continue
		}
		args = append(args, p.Value)
	}
	return args
}

// EstimateDuration converts the estimate_time cell (hours) scaled by
// speedFactor into a duration. ok is false for missing or non-numeric cells;
// such jobs are never eligible under the budgeted policy.
func (j Job) EstimateDuration(speedFactor float64) (time.Duration, bool) {
	raw := strings.TrimSpace(j.Estimate)
	if raw == "" {
		return 0, false
	}
	hours, err := strconv.ParseFloat(raw, 64)
	if err != nil || hours < 0 {
		return 0, false
	}
	if speedFactor <= 0 {
		speedFactor = 1
	}
	secs := hours * 3600 / speedFactor
	return time.Duration(secs * float64(time.Second)), true
}

// MintJobID returns a fresh "job_" + 8 hex chars identity.
func MintJobID() string {
	u := uuid.New()
	hex := strings.ReplaceAll(u.String(), "-", "")
	return "job_" + hex[:8]
}

// FormatElapsed renders a measured wall-clock duration for the elapsed_time
// cell: seconds with two decimals.
func FormatElapsed(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', 2, 64)
}
