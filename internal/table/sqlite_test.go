//go:build sqlite
// +build sqlite

package table

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	logx "tablerun/pkg/logx"
)

func openTestSQLite(t *testing.T, path string) Table {
	t.Helper()
	tbl, err := Open(Config{Driver: "sqlite", Path: path, BusyTimeout: 5 * time.Second}, logx.Nop())
	if err != nil {
		t.Fatalf("open sqlite table: %v", err)
	}
	t.Cleanup(func() { _ = tbl.Close() })
	return tbl
}

func insertJob(t *testing.T, tbl Table, jobID, status, estimate, params string) {
	t.Helper()
	st := tbl.(*sqliteTable)
	if params == "" {
		params = "[]"
	}
	_, err := st.db.Exec(
		`INSERT INTO jobs (job_id, status, estimate_time, params) VALUES (?, ?, ?, ?)`,
		jobID, status, estimate, params)
	if err != nil {
		t.Fatalf("insert job: %v", err)
	}
}

func TestSQLiteEnsureSchemaFills(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "jobs.db")
	tbl := openTestSQLite(t, path)
	ctx := context.Background()

	insertJob(t, tbl, "", "", "", "")
	insertJob(t, tbl, "job_aaaa0001", "done", "", "")

	if err := tbl.EnsureSchema(ctx); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}
	jobs, err := tbl.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(jobs) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(jobs))
	}
	if !strings.HasPrefix(jobs[0].ID, "job_") || jobs[0].Status != StatusPending {
		t.Fatalf("blank row not filled: %+v", jobs[0])
	}
	if jobs[1].ID != "job_aaaa0001" || jobs[1].Status != StatusDone {
		t.Fatalf("existing row was rewritten: %+v", jobs[1])
	}
}

func TestSQLiteClaimRecordRoundTrip(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "jobs.db")
	tbl := openTestSQLite(t, path)
	ctx := context.Background()

	insertJob(t, tbl, "job_00000001", "pending", "", `[{"Name":"sample","Value":"a01"}]`)

	job, ok, err := tbl.ClaimNext(ctx, nil)
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if !ok || job.ID != "job_00000001" {
		t.Fatalf("claimed %+v, want job_00000001", job)
	}
	if job.Status != StatusPending {
		t.Fatalf("returned copy has status %q, want the pre-mutation pending", job.Status)
	}
	if args := job.Args(); len(args) != 1 || args[0] != "a01" {
		t.Fatalf("Args = %v, want [a01]", args)
	}

	if err := tbl.RecordOutcome(ctx, "job_00000001", StatusDone, 90*time.Second); err != nil {
		t.Fatalf("RecordOutcome: %v", err)
	}
	jobs, err := tbl.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if jobs[0].Status != StatusDone || jobs[0].Elapsed != "90.00" {
		t.Fatalf("recorded row = %+v", jobs[0])
	}

	if err := tbl.RecordOutcome(ctx, "job_unknown", StatusDone, 0); err == nil {
		t.Fatal("expected error for unknown job id")
	}
}

func TestSQLiteConcurrentClaimSingleWinner(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "jobs.db")
	tbl := openTestSQLite(t, path)
	ctx := context.Background()

	insertJob(t, tbl, "job_00000001", "pending", "", "")

	// Separate Open handles stand in for separate worker processes. The
	// immediate transaction mode must make losers queue behind busy_timeout
	// rather than fail on a stale read snapshot.
	const workers = 4
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := Open(Config{Driver: "sqlite", Path: path, BusyTimeout: 5 * time.Second}, logx.Nop())
			if err != nil {
				t.Errorf("open: %v", err)
				return
			}
			defer h.Close()
			_, ok, err := h.ClaimNext(ctx, nil)
			if err != nil {
				t.Errorf("ClaimNext errored under contention: %v", err)
				return
			}
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Fatalf("expected exactly 1 winner, got %d", wins)
	}
	jobs, err := tbl.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if jobs[0].Status != StatusRunning {
		t.Fatalf("row status = %q, want running", jobs[0].Status)
	}
}

func TestSQLiteReclaimRunning(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "jobs.db")
	tbl := openTestSQLite(t, path)
	ctx := context.Background()

	insertJob(t, tbl, "job_00000001", "running", "", "")
	insertJob(t, tbl, "job_00000002", "running", "", "")

	probe := func(jobID string) (Liveness, error) {
		if jobID == "job_00000002" {
			return LivenessLive, nil
		}
		return LivenessAbsent, nil
	}
	reclaimed, err := tbl.ReclaimRunning(ctx, probe)
	if err != nil {
		t.Fatalf("ReclaimRunning: %v", err)
	}
	if len(reclaimed) != 1 || reclaimed[0].JobID != "job_00000001" {
		t.Fatalf("reclaimed = %+v, want only job_00000001", reclaimed)
	}

	jobs, err := tbl.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if jobs[0].Status != StatusPending || jobs[1].Status != StatusRunning {
		t.Fatalf("statuses after reclaim: %q %q", jobs[0].Status, jobs[1].Status)
	}
}
