package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// Config is the full worker configuration.
//
// All duration-like fields accept either a Go duration string ("2h", "90s")
// or a bare number of seconds ("86400" / 86400), because job tables written
// for older tooling carry plain seconds.
type Config struct {
	// CSVFile is the shared job table. Required.
	// For driver=sqlite this is the database file instead.
	CSVFile string `json:"csv_file"`

	// ScriptPath is the external command run once per claimed job. Required.
	ScriptPath string `json:"script_path"`

	// Interpreter, when set, is prepended to the invocation:
	//   <interpreter> <script_path> <params...>
	// When empty the script is executed directly.
	Interpreter string `json:"interpreter,omitempty"`

	// Driver selects the table backend: "csv" (default) or "sqlite".
	Driver string `json:"driver,omitempty"`

	// LockFile is the master lock guarding whole-table rewrites.
	// Default: <csv_file>.lock
	LockFile string `json:"lock_file,omitempty"`

	// JobLockDir holds one lease file per running job.
	// Default: <dir of csv_file>/job_locks (created if absent).
	JobLockDir string `json:"job_lock_dir,omitempty"`

	// MaxRuntime is the wall-clock budget for one drain pass. Default 24h.
	MaxRuntime Seconds `json:"max_runtime,omitempty"`

	// MarginTime is subtracted from the remaining budget in budgeted mode.
	MarginTime Seconds `json:"margin_time,omitempty"`

	// SpeedFactor divides per-job estimates in budgeted mode. Default 1.
	SpeedFactor float64 `json:"speed_factor,omitempty"`

	// Policy selects job selection: "simple" (default) or "budgeted".
	Policy string `json:"policy,omitempty"`

	// Schedule, when set, re-runs the drain pass on a schedule instead of
	// exiting after one pass. Accepts cron ("*/5 * * * *"), a Go duration
	// ("30m") or HH:MM.
	Schedule string `json:"schedule,omitempty"`

	// Reset requests the (unimplemented) administrative reset. It must fail
	// visibly, never silently no-op.
	Reset bool `json:"reset,omitempty"`

	Logging LoggingConfig  `json:"logging"`
	Metrics *MetricsConfig `json:"metrics,omitempty"`
}

type LoggingConfig struct {
	Level   string        `json:"level,omitempty"`
	Console bool          `json:"console,omitempty"`
	File    LogFileConfig `json:"file,omitempty"`

	// OutputRatePerSec caps forwarded job output lines per second. 0 = no cap.
	OutputRatePerSec int `json:"output_rate_per_sec,omitempty"`
}

type LogFileConfig struct {
	Enabled bool   `json:"enabled,omitempty"`
	Path    string `json:"path,omitempty"`
}

type MetricsConfig struct {
	// Listen is an optional address ("127.0.0.1:9090") serving /metrics
	// and /healthz. Empty disables the listener.
	Listen string `json:"listen,omitempty"`
}

const (
	DriverCSV    = "csv"
	DriverSQLite = "sqlite"

	PolicySimple   = "simple"
	PolicyBudgeted = "budgeted"
)

// Normalize applies defaults in place. Call after decoding, before Validate.
func (c *Config) Normalize() {
	c.CSVFile = strings.TrimSpace(c.CSVFile)
	c.ScriptPath = strings.TrimSpace(c.ScriptPath)
	c.Driver = strings.ToLower(strings.TrimSpace(c.Driver))
	c.Policy = strings.ToLower(strings.TrimSpace(c.Policy))

	if c.Driver == "" {
		c.Driver = DriverCSV
	}
	if c.Policy == "" {
		c.Policy = PolicySimple
	}
	if c.LockFile == "" && c.CSVFile != "" {
		c.LockFile = c.CSVFile + ".lock"
	}
	if c.JobLockDir == "" && c.CSVFile != "" {
		c.JobLockDir = filepath.Join(filepath.Dir(c.CSVFile), "job_locks")
	}
	if c.MaxRuntime.Duration() <= 0 {
		c.MaxRuntime = FromSeconds(86400)
	}
	if c.SpeedFactor == 0 {
		c.SpeedFactor = 1
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "INFO"
	}
}

// Validate reports the first structural problem with the config.
func (c *Config) Validate() error {
	if c.CSVFile == "" {
		return errors.New("csv_file is required")
	}
	if c.ScriptPath == "" {
		return errors.New("script_path is required")
	}
	switch c.Driver {
	case DriverCSV, DriverSQLite:
	default:
		return fmt.Errorf("unknown driver %q (use csv or sqlite)", c.Driver)
	}
	switch c.Policy {
	case PolicySimple, PolicyBudgeted:
	default:
		return fmt.Errorf("unknown policy %q (use simple or budgeted)", c.Policy)
	}
	if c.SpeedFactor <= 0 {
		return errors.New("speed_factor must be > 0")
	}
	if c.MarginTime.Duration() < 0 {
		return errors.New("margin_time must be >= 0")
	}
	if c.MarginTime.Duration() >= c.MaxRuntime.Duration() {
		return errors.New("margin_time must be smaller than max_runtime")
	}
	return nil
}
