// Package table implements the shared job table: the single source of truth
// every worker re-reads under the master lock on every mutation.
package table

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	logx "tablerun/pkg/logx"
)

// ErrResetNotImplemented is returned by Table.Reset. The administrative
// reset's semantics (regenerate ids, clear leases, fence out other workers)
// are not settled, so the operation fails loudly instead of guessing.
var ErrResetNotImplemented = errors.New("table reset is not implemented")

// ErrMasterLock marks a failure to take the backend's master mutual
// exclusion. Unlike per-job lease problems, these are fatal to the worker:
// a process that cannot serialize against the table must not keep looping.
var ErrMasterLock = errors.New("master lock unavailable")

// Liveness is the verdict of a lease probe, as seen by ReclaimRunning.
type Liveness int

const (
	// LivenessAbsent: no lease file exists. Definitely abandoned.
	LivenessAbsent Liveness = iota
	// LivenessStale: a lease file exists but nobody holds the lock.
	LivenessStale
	// LivenessLive: the lock is held; a worker is executing the job.
	LivenessLive
)

func (l Liveness) String() string {
	switch l {
	case LivenessAbsent:
		return "absent"
	case LivenessStale:
		return "stale"
	case LivenessLive:
		return "live"
	default:
		return "unknown"
	}
}

// ProbeFunc checks whether a running job's lease is actually held.
type ProbeFunc func(jobID string) (Liveness, error)

// Table is the persistence API for the shared job table.
//
// Every method is a whole read-modify-write under the backend's master
// mutual exclusion; callers never observe a partially rewritten table.
type Table interface {
	// EnsureSchema idempotently adds missing reserved columns, fills blank
	// statuses with pending and mints ids for rows lacking one. It rewrites
	// the table at most once, and only if something changed.
	EnsureSchema(ctx context.Context) error

	// ClaimNext scans rows in table order and atomically flips the first
	// pending row accepted by pred to running. It returns a copy of the row
	// as it was selected (status still pending) and ok=false when no row
	// qualifies. A nil pred accepts every pending row.
	ClaimNext(ctx context.Context, pred func(Job) bool) (Job, bool, error)

	// RecordOutcome sets the row's terminal status and elapsed time.
	RecordOutcome(ctx context.Context, jobID string, status Status, elapsed time.Duration) error

	// ReclaimRunning probes every running row and reverts the abandoned ones
	// (absent or stale lease) to pending, all under the master lock. It
	// returns the reverted job ids and their probe verdicts.
	ReclaimRunning(ctx context.Context, probe ProbeFunc) ([]Reclaimed, error)

	// Snapshot returns a copy of all rows, for health endpoints and tests.
	Snapshot(ctx context.Context) ([]Job, error)

	// Reset always fails with ErrResetNotImplemented and leaves the table
	// unmodified.
	Reset(ctx context.Context) error

	Close() error
}

// Reclaimed pairs a reverted job with the probe verdict that justified it.
type Reclaimed struct {
	JobID    string
	Liveness Liveness
}

// Config selects and parameterizes a table backend.
type Config struct {
	// Driver: "csv" (default) or "sqlite".
	Driver string

	// Path is the table file (csv) or database file (sqlite).
	Path string

	// LockFile is the master lock path for the csv driver.
	LockFile string

	// BusyTimeout bounds sqlite lock waits.
	BusyTimeout time.Duration
}

// Open initializes the configured table backend.
func Open(cfg Config, log logx.Logger) (Table, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "csv":
		return openCSV(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, fmt.Errorf("unknown table driver: %s", driver)
	}
}
