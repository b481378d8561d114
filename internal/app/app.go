// Package app wires configuration, logging, the event bus, the table backend
// and the scheduling loop into a runnable worker.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	sdnotify "github.com/coreos/go-systemd/v22/daemon"

	"tablerun/internal/config"
	"tablerun/internal/eventbus"
	"tablerun/internal/lease"
	"tablerun/internal/metrics"
	"tablerun/internal/runner"
	"tablerun/internal/schedule"
	"tablerun/internal/table"
	logx "tablerun/pkg/logx"
)

// Options are CLI-level overrides on top of the config file.
type Options struct {
	// Reset requests the unimplemented administrative reset.
	Reset bool

	// Once forces a single drain pass even when the config has a schedule.
	Once bool
}

type App struct {
	cfgm *config.Manager
	opts Options

	log  logx.Logger
	logs *logx.Service
	bus  *eventbus.Bus
	mtr  *metrics.Set

	tbl    table.Table
	leases *lease.Store
	loop   *schedule.Loop
}

func New(cfgPath string, opts Options) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfgm.SetLogger(logx.NewConsole("INFO").With(logx.String("comp", "config")))
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console || !cfg.Logging.File.Enabled,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		OutputRatePerSec: cfg.Logging.OutputRatePerSec,
	})
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()
	mtr := metrics.New()

	tbl, err := table.Open(table.Config{
		Driver:      cfg.Driver,
		Path:        cfg.CSVFile,
		LockFile:    cfg.LockFile,
		BusyTimeout: 5 * time.Second,
	}, log.With(logx.String("comp", "table")))
	if err != nil {
		_ = logSvc.Close()
		return nil, fmt.Errorf("open table: %w", err)
	}

	leases, err := lease.NewStore(cfg.JobLockDir, log.With(logx.String("comp", "lease")))
	if err != nil {
		_ = tbl.Close()
		_ = logSvc.Close()
		return nil, err
	}

	run, err := runner.New(runner.Config{
		ScriptPath:  cfg.ScriptPath,
		Interpreter: cfg.Interpreter,
	}, leases, bus, log.With(logx.String("comp", "runner")))
	if err != nil {
		_ = tbl.Close()
		_ = logSvc.Close()
		return nil, err
	}

	loop := schedule.NewLoop(tbl, leases, run, bus, mtr, log.With(logx.String("comp", "loop")))

	return &App{
		cfgm:   cfgm,
		opts:   opts,
		log:    log,
		logs:   logSvc,
		bus:    bus,
		mtr:    mtr,
		tbl:    tbl,
		leases: leases,
		loop:   loop,
	}, nil
}

// Run drives the worker to completion and returns a process exit code. The
// code reflects only whether the worker itself stopped cleanly, not the
// success of individual jobs.
func (a *App) Run(ctx context.Context) int {
	defer a.close()

	cfg := a.cfgm.Get()

	// The reset path is rejected before any table mutation, loudly.
	if a.opts.Reset || cfg.Reset {
		err := a.tbl.Reset(ctx)
		if err == nil {
			err = table.ErrResetNotImplemented
		}
		a.log.Error("reset requested", logx.Err(err))
		return 1
	}

	if cfg.Metrics != nil && cfg.Metrics.Listen != "" {
		go func() {
			if err := metrics.Serve(ctx, cfg.Metrics.Listen, a.mtr, a.health, a.log.With(logx.String("comp", "metrics"))); err != nil {
				a.log.Warn("metrics listener failed", logx.Err(err))
			}
		}()
	}

	// Bridge job output lines from the bus into the log sinks.
	stopBridge := a.startOutputBridge()
	defer stopBridge()

	if err := a.loop.EnsureSchema(ctx); err != nil {
		a.log.Error("startup failed", logx.Err(err))
		return 1
	}

	if cfg.Schedule == "" || a.opts.Once {
		return a.runOnce(ctx)
	}
	return a.runDaemon(ctx, cfg.Schedule)
}

func (a *App) runOnce(ctx context.Context) int {
	reason, err := a.loop.Run(ctx, a.loopConfig())
	if err != nil {
		a.log.Error("run aborted", logx.Err(err))
		return 1
	}
	a.log.Info("run finished", logx.String("reason", string(reason)))
	return 0
}

// runDaemon re-runs the drain pass on the configured schedule, reloading
// config between passes (the manager watch publishes validated updates).
func (a *App) runDaemon(ctx context.Context, rawSpec string) int {
	spec, err := schedule.ParseSchedule(rawSpec)
	if err != nil {
		a.log.Error("invalid schedule", logx.String("schedule", rawSpec), logx.Err(err))
		return 1
	}

	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if cfg.Schedule != "" {
			if _, err := schedule.ParseSchedule(cfg.Schedule); err != nil {
				return err
			}
		}
		return nil
	})
	go func() {
		if err := a.cfgm.Watch(ctx); err != nil {
			a.log.Warn("config watch stopped", logx.Err(err))
		}
	}()

	updates := a.cfgm.Subscribe(1)
	defer a.cfgm.Unsubscribe(updates)

	// Under systemd Type=notify this unblocks the unit's start job.
	if ok, err := sdnotify.SdNotify(false, sdnotify.SdNotifyReady); err != nil {
		a.log.Debug("sd_notify failed", logx.Err(err))
	} else if ok {
		a.log.Debug("sd_notify ready sent")
	}

	for pass := 1; ; pass++ {
		a.bus.Emit(eventbus.TypeSchedule, eventbus.ScheduledRun{Pass: pass})
		a.log.Info("drain pass starting", logx.Int("pass", pass))

		reason, err := a.loop.Run(ctx, a.loopConfig())
		if err != nil {
			a.log.Error("run aborted", logx.Err(err))
			return 1
		}
		a.log.Info("drain pass finished",
			logx.Int("pass", pass),
			logx.String("reason", string(reason)))
		if reason == schedule.StopCanceled || ctx.Err() != nil {
			return 0
		}

		next := spec.Next(time.Now())
		a.log.Info("next pass scheduled", logx.Time("at", next))
		select {
		case <-ctx.Done():
			return 0
		case cfg := <-updates:
			if cfg != nil {
				a.applyConfig(cfg)
				if cfg.Schedule != "" {
					if ns, err := schedule.ParseSchedule(cfg.Schedule); err == nil {
						spec = ns
					}
				}
			}
			// Fall through to waiting out the remainder of the window.
			select {
			case <-ctx.Done():
				return 0
			case <-time.After(time.Until(next)):
			}
		case <-time.After(time.Until(next)):
		}
	}
}

// loopConfig derives loop tuning from the currently committed config, so
// budgeted-mode knobs follow config reloads between passes.
func (a *App) loopConfig() schedule.Config {
	cfg := a.cfgm.Get()
	policy, err := schedule.ParsePolicy(cfg.Policy)
	if err != nil {
		policy = schedule.PolicySimple
	}
	return schedule.Config{
		MaxRuntime:  cfg.MaxRuntime.Duration(),
		MarginTime:  cfg.MarginTime.Duration(),
		Policy:      policy,
		SpeedFactor: cfg.SpeedFactor,
	}
}

func (a *App) applyConfig(cfg *config.Config) {
	a.logs.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console || !cfg.Logging.File.Enabled,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		OutputRatePerSec: cfg.Logging.OutputRatePerSec,
	})
}

// startOutputBridge forwards per-line command output to the log sinks,
// bounded by the configured rate limit.
func (a *App) startOutputBridge() func() {
	ch, unsub := a.bus.Subscribe(256)
	done := make(chan struct{})
	go func() {
		defer close(done)
		outLog := a.log.With(logx.String("comp", "job"))
		for e := range ch {
			if e.Type != eventbus.TypeOutput {
				continue
			}
			line, ok := e.Data.(eventbus.OutputLine)
			if !ok || !a.logs.AllowOutputLine() {
				continue
			}
			if line.Stream == "stderr" {
				outLog.Warn(line.Line, logx.String("job_id", line.JobID), logx.String("stream", line.Stream))
			} else {
				outLog.Info(line.Line, logx.String("job_id", line.JobID), logx.String("stream", line.Stream))
			}
		}
	}()
	return func() {
		unsub()
		<-done
	}
}

// health summarizes the table for the /healthz endpoint.
func (a *App) health(ctx context.Context) (any, error) {
	jobs, err := a.tbl.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	counts := map[string]int{}
	for _, j := range jobs {
		counts[string(j.Status)]++
	}
	return map[string]any{
		"status": "ok",
		"jobs":   counts,
		"total":  len(jobs),
	}, nil
}

func (a *App) close() {
	if err := a.tbl.Close(); err != nil && !errors.Is(err, context.Canceled) {
		a.log.Debug("table close failed", logx.Err(err))
	}
	_ = a.logs.Close()
}
