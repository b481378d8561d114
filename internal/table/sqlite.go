//go:build sqlite
// +build sqlite

package table

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "tablerun/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// sqliteTable stores the job table in a single-writer SQLite database.
// Mutual exclusion comes from SQLite's own locking: every mutating operation
// runs in one IMMEDIATE transaction, which plays the master lock's role.
// The DSN forces _txlock=immediate so the write lock is taken at BEGIN;
// deferred transactions would upgrade at the first UPDATE and lose to
// SQLITE_BUSY_SNAPSHOT under cross-process contention, which busy_timeout
// does not retry.
type sqliteTable struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Table, error) {
	if cfg.Path == "" {
		return nil, errors.New("table path is required for sqlite driver")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path+"?_txlock=immediate")
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	t := &sqliteTable{db: db, log: log}
	if err := t.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return t, nil
}

func (t *sqliteTable) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = t.db.ExecContext(ctx, string(b))
	return err
}

func (t *sqliteTable) Close() error {
	if t == nil || t.db == nil {
		return nil
	}
	return t.db.Close()
}

func (t *sqliteTable) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrMasterLock, err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (t *sqliteTable) EnsureSchema(ctx context.Context) error {
	return t.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`UPDATE jobs SET status = ? WHERE status = '' OR status IS NULL`,
			string(StatusPending),
		); err != nil {
			return err
		}

		rows, err := tx.QueryContext(ctx,
			`SELECT pos FROM jobs WHERE job_id = '' OR job_id IS NULL ORDER BY pos`)
		if err != nil {
			return err
		}
		var missing []int64
		for rows.Next() {
			var pos int64
			if err := rows.Scan(&pos); err != nil {
				_ = rows.Close()
				return err
			}
			missing = append(missing, pos)
		}
		if err := rows.Err(); err != nil {
			_ = rows.Close()
			return err
		}
		_ = rows.Close()

		for _, pos := range missing {
			for {
				// UNIQUE(job_id) catches the (unlikely) collision.
				_, err := tx.ExecContext(ctx,
					`UPDATE jobs SET job_id = ? WHERE pos = ?`, MintJobID(), pos)
				if err == nil {
					break
				}
				if !isUniqueViolation(err) {
					return err
				}
			}
		}
		return nil
	})
}

func (t *sqliteTable) ClaimNext(ctx context.Context, pred func(Job) bool) (Job, bool, error) {
	var (
		claimed Job
		found   bool
	)
	err := t.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT job_id, status, elapsed_time, estimate_time, params
			 FROM jobs WHERE status = ? ORDER BY pos`, string(StatusPending))
		if err != nil {
			return err
		}
		for rows.Next() {
			job, err := scanJob(rows)
			if err != nil {
				_ = rows.Close()
				return err
			}
			if pred != nil && !pred(job) {
				continue
			}
			claimed = job
			found = true
			break
		}
		if err := rows.Err(); err != nil {
			_ = rows.Close()
			return err
		}
		_ = rows.Close()

		if !found {
			return nil
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE jobs SET status = ? WHERE job_id = ?`,
			string(StatusRunning), claimed.ID)
		return err
	})
	if err != nil {
		return Job{}, false, err
	}
	return claimed, found, nil
}

func (t *sqliteTable) RecordOutcome(ctx context.Context, jobID string, status Status, elapsed time.Duration) error {
	return t.withTx(ctx, func(tx *sql.Tx) error {
		var res sql.Result
		var err error
		if elapsed > 0 {
			res, err = tx.ExecContext(ctx,
				`UPDATE jobs SET status = ?, elapsed_time = ? WHERE job_id = ?`,
				string(status), FormatElapsed(elapsed), jobID)
		} else {
			res, err = tx.ExecContext(ctx,
				`UPDATE jobs SET status = ? WHERE job_id = ?`, string(status), jobID)
		}
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("job %s not found", jobID)
		}
		return nil
	})
}

func (t *sqliteTable) ReclaimRunning(ctx context.Context, probe ProbeFunc) ([]Reclaimed, error) {
	var reclaimed []Reclaimed
	err := t.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT job_id FROM jobs WHERE status = ? ORDER BY pos`, string(StatusRunning))
		if err != nil {
			return err
		}
		var running []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				_ = rows.Close()
				return err
			}
			running = append(running, id)
		}
		if err := rows.Err(); err != nil {
			_ = rows.Close()
			return err
		}
		_ = rows.Close()

		for _, id := range running {
			liveness, err := probe(id)
			if err != nil {
				return fmt.Errorf("probe lease %s: %w", id, err)
			}
			if liveness == LivenessLive {
				continue
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE jobs SET status = ? WHERE job_id = ?`,
				string(StatusPending), id); err != nil {
				return err
			}
			reclaimed = append(reclaimed, Reclaimed{JobID: id, Liveness: liveness})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return reclaimed, nil
}

func (t *sqliteTable) Snapshot(ctx context.Context) ([]Job, error) {
	rows, err := t.db.QueryContext(ctx,
		`SELECT job_id, status, elapsed_time, estimate_time, params FROM jobs ORDER BY pos`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (t *sqliteTable) Reset(ctx context.Context) error {
	_ = ctx
	return ErrResetNotImplemented
}

func scanJob(rows *sql.Rows) (Job, error) {
	var j Job
	var status, params string
	if err := rows.Scan(&j.ID, &status, &j.Elapsed, &j.Estimate, &params); err != nil {
		return Job{}, err
	}
	j.Status = Status(status)
	if params != "" {
		if err := json.Unmarshal([]byte(params), &j.Params); err != nil {
			return Job{}, fmt.Errorf("job %s: decode params: %w", j.ID, err)
		}
	}
	return j, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "constraint failed")
}
