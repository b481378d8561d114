package table

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	logx "tablerun/pkg/logx"
)

// csvTable stores the job table as a flat CSV file with a header row.
//
// Mutual exclusion is a single flock'd master lock file, held for the whole
// read-modify-write of every operation. Rewrites go to a temp file in the
// same directory and are published with os.Rename, so a crash mid-rewrite
// never leaves a torn table behind.
type csvTable struct {
	path     string
	lockPath string
	log      logx.Logger
}

// lockRetryDelay paces context-aware lock acquisition attempts.
const lockRetryDelay = 25 * time.Millisecond

func openCSV(cfg Config, log logx.Logger) (Table, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("table path is required for csv driver")
	}
	lockPath := cfg.LockFile
	if lockPath == "" {
		lockPath = cfg.Path + ".lock"
	}
	return &csvTable{path: cfg.Path, lockPath: lockPath, log: log}, nil
}

func (t *csvTable) Close() error { return nil }

// withLock runs fn with the master lock held. When fn reports a change, the
// table is rewritten before the lock is released.
func (t *csvTable) withLock(ctx context.Context, fn func(g *grid) (changed bool, err error)) error {
	fl := flock.New(t.lockPath)
	ok, err := fl.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrMasterLock, t.lockPath, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s: %w", ErrMasterLock, t.lockPath, ctx.Err())
	}
	defer func() { _ = fl.Unlock() }()

	g, err := t.load()
	if err != nil {
		return err
	}
	changed, err := fn(g)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}
	return t.rewrite(g)
}

func (t *csvTable) load() (*grid, error) {
	f, err := os.Open(t.path)
	if err != nil {
		return nil, fmt.Errorf("read table %s: %w", t.path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1 // rows are padded to the header below
	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse table %s: %w", t.path, err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("table %s has no header row", t.path)
	}
	return newGrid(records[0], records[1:]), nil
}

func (t *csvTable) rewrite(g *grid) error {
	dir := filepath.Dir(t.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(t.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("rewrite table %s: %w", t.path, err)
	}
	tmpName := tmp.Name()

	w := csv.NewWriter(tmp)
	if err := w.Write(g.header); err == nil {
		err = w.WriteAll(g.rows)
	} else {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("rewrite table %s: %w", t.path, err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("rewrite table %s: %w", t.path, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("rewrite table %s: %w", t.path, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("rewrite table %s: %w", t.path, err)
	}
	if err := os.Rename(tmpName, t.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("publish table %s: %w", t.path, err)
	}
	return nil
}

func (t *csvTable) EnsureSchema(ctx context.Context) error {
	return t.withLock(ctx, func(g *grid) (bool, error) {
		changed := false
		for _, col := range ReservedColumns {
			if g.addColumn(col) {
				changed = true
			}
		}

		seen := make(map[string]bool, len(g.rows))
		for _, row := range g.rows {
			if id := g.get(row, ColJobID); id != "" {
				seen[id] = true
			}
		}
		for _, row := range g.rows {
			if g.get(row, ColStatus) == "" {
				g.set(row, ColStatus, string(StatusPending))
				changed = true
			}
			if g.get(row, ColJobID) == "" {
				id := MintJobID()
				for seen[id] {
					id = MintJobID()
				}
				seen[id] = true
				g.set(row, ColJobID, id)
				changed = true
			}
		}
		if changed {
			t.log.Info("table schema updated", logx.String("table", t.path), logx.Int("rows", len(g.rows)))
		}
		return changed, nil
	})
}

func (t *csvTable) ClaimNext(ctx context.Context, pred func(Job) bool) (Job, bool, error) {
	var (
		claimed Job
		found   bool
	)
	err := t.withLock(ctx, func(g *grid) (bool, error) {
		for _, row := range g.rows {
			job := g.job(row)
			if job.Status != StatusPending {
				continue
			}
			if pred != nil && !pred(job) {
				continue
			}
			// Return the row as selected; the stored copy becomes running.
			claimed = job
			found = true
			g.set(row, ColStatus, string(StatusRunning))
			return true, nil
		}
		return false, nil
	})
	if err != nil {
		return Job{}, false, err
	}
	return claimed, found, nil
}

func (t *csvTable) RecordOutcome(ctx context.Context, jobID string, status Status, elapsed time.Duration) error {
	return t.withLock(ctx, func(g *grid) (bool, error) {
		for _, row := range g.rows {
			if g.get(row, ColJobID) != jobID {
				continue
			}
			g.set(row, ColStatus, string(status))
			if elapsed > 0 {
				g.set(row, ColElapsed, FormatElapsed(elapsed))
			}
			return true, nil
		}
		return false, fmt.Errorf("job %s not found in %s", jobID, t.path)
	})
}

func (t *csvTable) ReclaimRunning(ctx context.Context, probe ProbeFunc) ([]Reclaimed, error) {
	var reclaimed []Reclaimed
	err := t.withLock(ctx, func(g *grid) (bool, error) {
		changed := false
		for _, row := range g.rows {
			if g.get(row, ColStatus) != string(StatusRunning) {
				continue
			}
			id := g.get(row, ColJobID)
			liveness, err := probe(id)
			if err != nil {
				return changed, fmt.Errorf("probe lease %s: %w", id, err)
			}
			if liveness == LivenessLive {
				continue
			}
			g.set(row, ColStatus, string(StatusPending))
			reclaimed = append(reclaimed, Reclaimed{JobID: id, Liveness: liveness})
			changed = true
		}
		return changed, nil
	})
	if err != nil {
		return nil, err
	}
	return reclaimed, nil
}

func (t *csvTable) Snapshot(ctx context.Context) ([]Job, error) {
	var jobs []Job
	err := t.withLock(ctx, func(g *grid) (bool, error) {
		jobs = make([]Job, 0, len(g.rows))
		for _, row := range g.rows {
			jobs = append(jobs, g.job(row))
		}
		return false, nil
	})
	if err != nil {
		return nil, err
	}
	return jobs, nil
}

func (t *csvTable) Reset(ctx context.Context) error {
	_ = ctx
	return ErrResetNotImplemented
}

// ---- grid ----

// grid is the in-memory form of the table between read and rewrite.
// Row and column order are preserved; rows are padded to the header width.
type grid struct {
	header []string
	rows   [][]string
	index  map[string]int
}

func newGrid(header []string, rows [][]string) *grid {
	g := &grid{header: header, rows: rows}
	g.reindex()
	for i, row := range g.rows {
		for len(row) < len(g.header) {
			row = append(row, "")
		}
		g.rows[i] = row[:len(g.header)]
	}
	return g
}

func (g *grid) reindex() {
	g.index = make(map[string]int, len(g.header))
	for i, name := range g.header {
		g.index[name] = i
	}
}

// addColumn appends a column when missing. Existing columns are never
// removed or moved.
func (g *grid) addColumn(name string) bool {
	if _, ok := g.index[name]; ok {
		return false
	}
	g.header = append(g.header, name)
	g.index[name] = len(g.header) - 1
	for i := range g.rows {
		g.rows[i] = append(g.rows[i], "")
	}
	return true
}

func (g *grid) get(row []string, col string) string {
	i, ok := g.index[col]
	if !ok || i >= len(row) {
		return ""
	}
	return row[i]
}

func (g *grid) set(row []string, col, val string) {
	if i, ok := g.index[col]; ok && i < len(row) {
		row[i] = val
	}
}

func (g *grid) job(row []string) Job {
	j := Job{
		ID:       g.get(row, ColJobID),
		Status:   Status(g.get(row, ColStatus)),
		Estimate: g.get(row, ColEstimate),
		Elapsed:  g.get(row, ColElapsed),
	}
	for i, name := range g.header {
		if isReserved(name) {
			continue
		}
		val := ""
		if i < len(row) {
			val = row[i]
		}
		j.Params = append(j.Params, Param{Name: name, Value: val})
	}
	return j
}
