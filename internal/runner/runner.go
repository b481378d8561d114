// Package runner executes the external command for a claimed job.
package runner

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"tablerun/internal/eventbus"
	"tablerun/internal/lease"
	"tablerun/internal/table"
	logx "tablerun/pkg/logx"
)

// Config controls how jobs are invoked.
type Config struct {
	// ScriptPath is the external command. Required.
	ScriptPath string

	// Interpreter, when set, is prepended: <interpreter> <script> <args...>.
	Interpreter string
}

// Result reports one finished execution attempt.
type Result struct {
	ExitCode int
	Elapsed  time.Duration
}

// OK reports whether the attempt counts as a success for the job record.
func (r Result) OK() bool { return r.ExitCode == 0 }

// Runner holds a job's lease while the external command runs and streams its
// output line-by-line to the event bus as it arrives.
type Runner struct {
	cfg     Config
	leases  *lease.Store
	bus     *eventbus.Bus
	log     logx.Logger
	spawner Spawner
}

// Option customizes a Runner.
type Option func(*Runner)

// WithSpawner makes the runner use the provided spawner for its drain
// goroutines, enabling ownership by the caller.
func WithSpawner(s Spawner) Option { return func(r *Runner) { r.spawner = s } }

func New(cfg Config, leases *lease.Store, bus *eventbus.Bus, log logx.Logger, opts ...Option) (*Runner, error) {
	if cfg.ScriptPath == "" {
		return nil, errors.New("script path is required")
	}
	if leases == nil {
		return nil, errors.New("lease store is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Runner{cfg: cfg, leases: leases, bus: bus, log: log}
	for _, o := range opts {
		o(r)
	}
	return r, nil
}

// Argv builds the full invocation for a job.
func (r *Runner) Argv(job table.Job) []string {
	argv := make([]string, 0, len(job.Params)+2)
	if r.cfg.Interpreter != "" {
		argv = append(argv, r.cfg.Interpreter)
	}
	argv = append(argv, r.cfg.ScriptPath)
	return append(argv, job.Args()...)
}

// Execute runs the job's command to completion.
//
// The job's lease is acquired first and released on every exit path. Elapsed
// time covers process start to process exit only; lease acquisition and
// drain joins are excluded. A non-zero exit or a start failure is reported
// through the returned error; the runner never retries.
func (r *Runner) Execute(ctx context.Context, job table.Job) (Result, error) {
	ls, err := r.leases.Acquire(ctx, job.ID)
	if err != nil {
		return Result{}, err
	}
	defer func() {
		if err := ls.Release(); err != nil {
			r.log.Warn("lease release failed", logx.String("job_id", job.ID), logx.Err(err))
		}
	}()

	argv := r.Argv(job)
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Result{}, fmt.Errorf("job %s: stdout pipe: %w", job.ID, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return Result{}, fmt.Errorf("job %s: stderr pipe: %w", job.ID, err)
	}

	r.log.Info("job starting",
		logx.String("job_id", job.ID),
		logx.String("cmd", argv[0]),
		logx.Int("args", len(argv)-1))

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return Result{}, fmt.Errorf("job %s: start %s: %w", job.ID, argv[0], err)
	}

	// Two drains, one per stream. Line interleaving between the streams is
	// not ordered; each stream's own lines stay in order.
	var wg sync.WaitGroup
	wg.Add(2)
	r.spawn("drain-stdout-"+job.ID, func() {
		defer wg.Done()
		r.drain(job.ID, "stdout", stdout)
	})
	r.spawn("drain-stderr-"+job.ID, func() {
		defer wg.Done()
		r.drain(job.ID, "stderr", stderr)
	})

	// The pipes reach EOF at process exit, so both drains finish before Wait
	// can return the exit status.
	wg.Wait()
	waitErr := cmd.Wait()
	elapsed := time.Since(start)

	res := Result{Elapsed: elapsed}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, fmt.Errorf("job %s: exit status %d", job.ID, res.ExitCode)
		}
		res.ExitCode = -1
		return res, fmt.Errorf("job %s: %w", job.ID, waitErr)
	}
	return res, nil
}

func (r *Runner) spawn(name string, fn func()) {
	if r.spawner != nil {
		r.spawner.Go(name, fn)
		return
	}
	go fn()
}

func (r *Runner) drain(jobID, stream string, src io.Reader) {
	sc := bufio.NewScanner(src)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if r.bus != nil {
			r.bus.Emit(eventbus.TypeOutput, eventbus.OutputLine{
				JobID:  jobID,
				Stream: stream,
				Line:   line,
			})
		}
	}
	if err := sc.Err(); err != nil {
		r.log.Debug("output drain ended",
			logx.String("job_id", jobID),
			logx.String("stream", stream),
			logx.Err(err))
	}
}
