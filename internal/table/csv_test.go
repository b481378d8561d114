package table

import (
	"context"
	"encoding/csv"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	logx "tablerun/pkg/logx"
)

func writeTable(t *testing.T, rows [][]string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "jobs.csv")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create table: %v", err)
	}
	w := csv.NewWriter(f)
	if err := w.WriteAll(rows); err != nil {
		t.Fatalf("write table: %v", err)
	}
	w.Flush()
	if err := f.Close(); err != nil {
		t.Fatalf("close table: %v", err)
	}
	return path
}

func openTestTable(t *testing.T, path string) Table {
	t.Helper()
	tbl, err := Open(Config{Driver: "csv", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("open table: %v", err)
	}
	t.Cleanup(func() { _ = tbl.Close() })
	return tbl
}

func readFileString(t *testing.T, path string) string {
	t.Helper()
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return string(b)
}

func TestEnsureSchemaFillsAndIsIdempotent(t *testing.T) {
	t.Parallel()
	path := writeTable(t, [][]string{
		{"sample", "threads"},
		{"a01", "4"},
		{"a02", "8"},
	})
	tbl := openTestTable(t, path)
	ctx := context.Background()

	if err := tbl.EnsureSchema(ctx); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}
	first := readFileString(t, path)

	jobs, err := tbl.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(jobs) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(jobs))
	}
	seen := map[string]bool{}
	for _, j := range jobs {
		if j.Status != StatusPending {
			t.Fatalf("row %s: status = %q, want pending", j.ID, j.Status)
		}
		if j.ID == "" {
			t.Fatal("row has blank job_id after EnsureSchema")
		}
		if seen[j.ID] {
			t.Fatalf("duplicate job_id %q", j.ID)
		}
		seen[j.ID] = true
		if len(j.Params) != 2 || j.Params[0].Name != "sample" || j.Params[1].Name != "threads" {
			t.Fatalf("unexpected params: %v", j.Params)
		}
	}

	// Second call must not change the file.
	if err := tbl.EnsureSchema(ctx); err != nil {
		t.Fatalf("EnsureSchema (second): %v", err)
	}
	if second := readFileString(t, path); second != first {
		t.Fatalf("EnsureSchema not idempotent:\nfirst:\n%s\nsecond:\n%s", first, second)
	}
}

func TestEnsureSchemaKeepsExistingValues(t *testing.T) {
	t.Parallel()
	path := writeTable(t, [][]string{
		{"sample", "job_id", "status"},
		{"a01", "job_aaaa0001", "done"},
		{"a02", "", ""},
	})
	tbl := openTestTable(t, path)
	ctx := context.Background()

	if err := tbl.EnsureSchema(ctx); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}
	jobs, err := tbl.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if jobs[0].ID != "job_aaaa0001" || jobs[0].Status != StatusDone {
		t.Fatalf("existing row was rewritten: %+v", jobs[0])
	}
	if jobs[1].ID == "" || jobs[1].Status != StatusPending {
		t.Fatalf("blank row not filled: %+v", jobs[1])
	}
}

func TestClaimNextReturnsPreMutationCopy(t *testing.T) {
	t.Parallel()
	path := writeTable(t, [][]string{
		{"sample", "job_id", "status"},
		{"a01", "job_00000001", "done"},
		{"a02", "job_00000002", "pending"},
		{"a03", "job_00000003", "pending"},
	})
	tbl := openTestTable(t, path)
	ctx := context.Background()

	job, ok, err := tbl.ClaimNext(ctx, nil)
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if !ok {
		t.Fatal("expected a claim")
	}
	if job.ID != "job_00000002" {
		t.Fatalf("claimed %q, want first pending row job_00000002", job.ID)
	}
	if job.Status != StatusPending {
		t.Fatalf("returned copy has status %q, want the pre-mutation pending", job.Status)
	}

	jobs, err := tbl.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if jobs[1].Status != StatusRunning {
		t.Fatalf("stored row status = %q, want running", jobs[1].Status)
	}
	if jobs[2].Status != StatusPending {
		t.Fatalf("later pending row was touched: %+v", jobs[2])
	}
}

func TestClaimNextNoneQualifies(t *testing.T) {
	t.Parallel()
	path := writeTable(t, [][]string{
		{"sample", "job_id", "status"},
		{"a01", "job_00000001", "done"},
	})
	tbl := openTestTable(t, path)

	_, ok, err := tbl.ClaimNext(context.Background(), nil)
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if ok {
		t.Fatal("claimed a job from a table with no pending rows")
	}
}

func TestClaimNextConcurrentSingleWinner(t *testing.T) {
	t.Parallel()
	path := writeTable(t, [][]string{
		{"sample", "job_id", "status"},
		{"a01", "job_00000001", "pending"},
	})

	const workers = 8
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tbl, err := Open(Config{Driver: "csv", Path: path}, logx.Nop())
			if err != nil {
				t.Errorf("open: %v", err)
				return
			}
			defer tbl.Close()
			_, ok, err := tbl.ClaimNext(context.Background(), nil)
			if err != nil {
				t.Errorf("ClaimNext: %v", err)
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
}

func TestRecordOutcome(t *testing.T) {
	t.Parallel()
	path := writeTable(t, [][]string{
		{"sample", "job_id", "status", "elapsed_time"},
		{"a01", "job_00000001", "running", ""},
	})
	tbl := openTestTable(t, path)
	ctx := context.Background()

	if err := tbl.RecordOutcome(ctx, "job_00000001", StatusDone, 90*time.Second); err != nil {
		t.Fatalf("RecordOutcome: %v", err)
	}
	jobs, err := tbl.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if jobs[0].Status != StatusDone {
		t.Fatalf("status = %q, want done", jobs[0].Status)
	}
	if jobs[0].Elapsed != "90.00" {
		t.Fatalf("elapsed_time = %q, want 90.00", jobs[0].Elapsed)
	}

	if err := tbl.RecordOutcome(ctx, "job_unknown", StatusDone, 0); err == nil {
		t.Fatal("expected error for unknown job id")
	}
}

func TestReclaimRunning(t *testing.T) {
	t.Parallel()
	path := writeTable(t, [][]string{
		{"sample", "job_id", "status"},
		{"a01", "job_00000001", "running"},
		{"a02", "job_00000002", "running"},
		{"a03", "job_00000003", "pending"},
	})
	tbl := openTestTable(t, path)
	ctx := context.Background()

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
	if jobs[0].Status != StatusPending {
		t.Fatalf("abandoned row status = %q, want pending", jobs[0].Status)
	}
	if jobs[1].Status != StatusRunning {
		t.Fatalf("live row status = %q, want running", jobs[1].Status)
	}
}

func TestResetNotImplemented(t *testing.T) {
	t.Parallel()
	path := writeTable(t, [][]string{
		{"sample", "job_id", "status"},
		{"a01", "job_00000001", "pending"},
	})
	tbl := openTestTable(t, path)
	before := readFileString(t, path)

	err := tbl.Reset(context.Background())
	if !errors.Is(err, ErrResetNotImplemented) {
		t.Fatalf("Reset error = %v, want ErrResetNotImplemented", err)
	}
	if after := readFileString(t, path); after != before {
		t.Fatal("Reset modified the table")
	}
}

func TestRowOrderPreservedAcrossRewrites(t *testing.T) {
	t.Parallel()
	path := writeTable(t, [][]string{
		{"sample", "job_id", "status"},
		{"a01", "job_00000001", "pending"},
		{"a02", "job_00000002", "pending"},
		{"a03", "job_00000003", "pending"},
	})
	tbl := openTestTable(t, path)
	ctx := context.Background()

	if _, _, err := tbl.ClaimNext(ctx, nil); err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if err := tbl.RecordOutcome(ctx, "job_00000001", StatusDone, time.Second); err != nil {
		t.Fatalf("RecordOutcome: %v", err)
	}

	jobs, err := tbl.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	want := []string{"job_00000001", "job_00000002", "job_00000003"}
	for i, id := range want {
		if jobs[i].ID != id {
			t.Fatalf("row %d = %q, want %q (order must be stable)", i, jobs[i].ID, id)
		}
	}
}
