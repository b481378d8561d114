package schedule

// StopReason explains why a drain pass terminated.
type StopReason string

const (
	// StopDrained: no pending row qualified; remaining rows (if any) did not
	// fit the budget and stay pending for a future run.
	StopDrained StopReason = "drained"

	// StopTimedOut: the wall-clock budget (minus margin, in budgeted mode)
	// was exhausted between iterations.
	StopTimedOut StopReason = "timed_out"

	// StopCanceled: the context was canceled (signal or shutdown).
	StopCanceled StopReason = "canceled"
)
