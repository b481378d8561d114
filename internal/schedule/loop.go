// Package schedule runs the worker's drain pass: recover, select, run,
// record, until the table is drained or the wall budget is spent.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tablerun/internal/eventbus"
	"tablerun/internal/lease"
	"tablerun/internal/metrics"
	"tablerun/internal/runner"
	"tablerun/internal/table"
	logx "tablerun/pkg/logx"
)

// Config tunes one drain pass.
type Config struct {
	// MaxRuntime is the wall-clock budget for the whole pass.
	MaxRuntime time.Duration

	// MarginTime shrinks the budget handed to the budgeted selector so a job
	// started near the deadline still finishes inside MaxRuntime.
	MarginTime time.Duration

	Policy      Policy
	SpeedFactor float64
}

// Loop coordinates one worker process against the shared table.
//
// Several Loops in separate processes may run against the same table and
// lease directory; the table's master mutual exclusion is the only
// cross-process ordering guarantee.
type Loop struct {
	tbl    table.Table
	leases *lease.Store
	run    *runner.Runner
	bus    *eventbus.Bus
	mtr    *metrics.Set
	log    logx.Logger
}

func NewLoop(tbl table.Table, leases *lease.Store, run *runner.Runner, bus *eventbus.Bus, mtr *metrics.Set, log logx.Logger) *Loop {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Loop{tbl: tbl, leases: leases, run: run, bus: bus, mtr: mtr, log: log}
}

// EnsureSchema prepares the table once, before the first pass. Failures here
// are fatal to the process.
func (l *Loop) EnsureSchema(ctx context.Context) error {
	l.phase("initializing", "looping")
	if err := l.tbl.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("schema setup: %w", err)
	}
	return nil
}

// Run executes one drain pass and reports why it stopped. Per-job failures
// are contained to that job's record; only table/master-lock failures
// surface as an error.
func (l *Loop) Run(ctx context.Context, cfg Config) (StopReason, error) {
	if cfg.MaxRuntime <= 0 {
		cfg.MaxRuntime = 24 * time.Hour
	}
	if cfg.SpeedFactor <= 0 {
		cfg.SpeedFactor = 1
	}
	sel := Selector{Policy: cfg.Policy, SpeedFactor: cfg.SpeedFactor}
	start := time.Now()

	for {
		if ctx.Err() != nil {
			l.phase("looping", "canceled")
			return StopCanceled, nil
		}

		elapsed := time.Since(start)
		if elapsed >= cfg.MaxRuntime {
			l.phase("looping", "timed_out")
			return StopTimedOut, nil
		}

		available := cfg.MaxRuntime - elapsed
		if cfg.Policy == PolicyBudgeted {
			available -= cfg.MarginTime
			if available <= 0 {
				l.phase("looping", "timed_out")
				return StopTimedOut, nil
			}
		}

		if err := l.reclaim(ctx); err != nil {
			if ctx.Err() != nil {
				l.phase("looping", "canceled")
				return StopCanceled, nil
			}
			// Master-lock failures are fatal; only per-job probe trouble is
			// contained to the iteration.
			if errors.Is(err, table.ErrMasterLock) {
				return "", fmt.Errorf("recovery sweep: %w", err)
			}
			// Back off briefly so a persistent lease-dir problem doesn't
			// spin the loop.
			l.log.Error("recovery sweep failed", logx.Err(err))
			if !sleepCtx(ctx, time.Second) {
				l.phase("looping", "canceled")
				return StopCanceled, nil
			}
			continue
		}

		job, ok, err := l.tbl.ClaimNext(ctx, sel.Predicate(available))
		if err != nil {
			return "", fmt.Errorf("claim next job: %w", err)
		}
		if !ok {
			l.phase("looping", "draining")
			return StopDrained, nil
		}

		l.mtr.IncClaims()
		l.bus.Emit(eventbus.TypeClaim, eventbus.Claim{JobID: job.ID, Args: job.Args()})

		if err := l.runOne(ctx, job); err != nil {
			return "", err
		}
		l.mtr.IncIterations()
	}
}

// runOne executes a claimed job and records its outcome. Only the record
// write can return an error; execution failures become the job's record.
func (l *Loop) runOne(ctx context.Context, job table.Job) error {
	res, runErr := l.run.Execute(ctx, job)

	status := table.StatusDone
	outcome := eventbus.Outcome{JobID: job.ID, ExitCode: res.ExitCode, Elapsed: res.Elapsed}
	if runErr != nil {
		status = table.StatusError
		outcome.Err = runErr.Error()
		l.log.Warn("job failed",
			logx.String("job_id", job.ID),
			logx.Int("exit_code", res.ExitCode),
			logx.Duration("elapsed", res.Elapsed),
			logx.Err(runErr))
	} else {
		l.log.Info("job done",
			logx.String("job_id", job.ID),
			logx.Duration("elapsed", res.Elapsed))
	}
	outcome.Status = string(status)

	if err := l.tbl.RecordOutcome(ctx, job.ID, status, res.Elapsed); err != nil {
		return fmt.Errorf("record outcome for %s: %w", job.ID, err)
	}
	l.mtr.ObserveOutcome(string(status), res.Elapsed)
	l.bus.Emit(eventbus.TypeOutcome, outcome)
	return nil
}

// reclaim reverts rows whose lease probe shows an abandoned execution.
func (l *Loop) reclaim(ctx context.Context) error {
	reclaimed, err := l.tbl.ReclaimRunning(ctx, l.leases.ProbeFunc())
	if err != nil {
		return err
	}
	for _, r := range reclaimed {
		l.log.Warn("stale lease reclaimed",
			logx.String("job_id", r.JobID),
			logx.String("liveness", r.Liveness.String()))
		l.mtr.IncReclaims()
		l.bus.Emit(eventbus.TypeReclaim, eventbus.Reclaim{
			JobID:    r.JobID,
			Liveness: r.Liveness.String(),
		})
	}
	return nil
}

func (l *Loop) phase(from, to string) {
	l.log.Debug("phase", logx.String("from", from), logx.String("to", to))
	l.bus.Emit(eventbus.TypePhase, eventbus.Phase{From: from, To: to})
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
