package runner

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"tablerun/internal/eventbus"
	"tablerun/internal/lease"
	"tablerun/internal/table"
	logx "tablerun/pkg/logx"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "job.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func newTestRunner(t *testing.T, script string, bus *eventbus.Bus) (*Runner, *lease.Store) {
	t.Helper()
	leases, err := lease.NewStore(filepath.Join(t.TempDir(), "job_locks"), logx.Nop())
	if err != nil {
		t.Fatalf("lease store: %v", err)
	}
	r, err := New(Config{ScriptPath: script}, leases, bus, logx.Nop())
	if err != nil {
		t.Fatalf("runner: %v", err)
	}
	return r, leases
}

// collectOutput returns a func that stops collection and yields the lines.
func collectOutput(bus *eventbus.Bus) func() []eventbus.OutputLine {
	ch, unsub := bus.Subscribe(128)
	done := make(chan struct{})
	var lines []eventbus.OutputLine
	go func() {
		defer close(done)
		for e := range ch {
			if e.Type != eventbus.TypeOutput {
				continue
			}
			if l, ok := e.Data.(eventbus.OutputLine); ok {
				lines = append(lines, l)
			}
		}
	}()
	return func() []eventbus.OutputLine {
		unsub()
		<-done
		return lines
	}
}

func TestExecuteStreamsBothOutputs(t *testing.T) {
	t.Parallel()
	script := writeScript(t, `echo "out $1"
echo "err $1" >&2`)
	bus := eventbus.New()
	r, _ := newTestRunner(t, script, bus)
	collect := collectOutput(bus)

	job := table.Job{ID: "job_00000001", Params: []table.Param{{Name: "sample", Value: "a01"}}}
	res, err := r.Execute(context.Background(), job)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.OK() {
		t.Fatalf("exit code = %d, want 0", res.ExitCode)
	}
	if res.Elapsed <= 0 {
		t.Fatalf("elapsed = %v, want > 0", res.Elapsed)
	}

	lines := collect()
	// Interleaving between the streams is not guaranteed; only presence is.
	var got []string
	for _, l := range lines {
		got = append(got, l.Stream+":"+l.Line)
	}
	sort.Strings(got)
	want := []string{"stderr:err a01", "stdout:out a01"}
	if len(got) != len(want) {
		t.Fatalf("lines = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("lines = %v, want %v", got, want)
		}
	}
}

func TestExecuteNonZeroExit(t *testing.T) {
	t.Parallel()
	script := writeScript(t, "exit 2")
	r, _ := newTestRunner(t, script, nil)

	res, err := r.Execute(context.Background(), table.Job{ID: "job_00000002"})
	if err == nil {
		t.Fatal("expected error for exit status 2")
	}
	if res.ExitCode != 2 {
		t.Fatalf("exit code = %d, want 2", res.ExitCode)
	}
	if res.OK() {
		t.Fatal("Result.OK() must be false for non-zero exit")
	}
}

func TestExecuteStartFailure(t *testing.T) {
	t.Parallel()
	r, _ := newTestRunner(t, filepath.Join(t.TempDir(), "missing.sh"), nil)

	_, err := r.Execute(context.Background(), table.Job{ID: "job_00000003"})
	if err == nil {
		t.Fatal("expected error for missing script")
	}
}

func TestExecuteReleasesLease(t *testing.T) {
	t.Parallel()
	script := writeScript(t, "exit 0")
	r, leases := newTestRunner(t, script, nil)

	if _, err := r.Execute(context.Background(), table.Job{ID: "job_00000004"}); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	liveness, err := leases.Probe("job_00000004")
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if liveness != table.LivenessAbsent {
		t.Fatalf("liveness after run = %v, want absent", liveness)
	}

	// Same check for the failure path.
	failing := writeScript(t, "exit 7")
	rf, leasesF := newTestRunner(t, failing, nil)
	if _, err := rf.Execute(context.Background(), table.Job{ID: "job_00000005"}); err == nil {
		t.Fatal("expected failure")
	}
	liveness, err = leasesF.Probe("job_00000005")
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if liveness != table.LivenessAbsent {
		t.Fatalf("liveness after failed run = %v, want absent", liveness)
	}
}

func TestArgvOrderAndInterpreter(t *testing.T) {
	t.Parallel()
	leases, err := lease.NewStore(filepath.Join(t.TempDir(), "job_locks"), logx.Nop())
	if err != nil {
		t.Fatalf("lease store: %v", err)
	}
	r, err := New(Config{ScriptPath: "/opt/run.py", Interpreter: "python3"}, leases, nil, logx.Nop())
	if err != nil {
		t.Fatalf("runner: %v", err)
	}

	job := table.Job{ID: "job_x", Params: []table.Param{
		{Name: "sample", Value: "a01"},
		{Name: "skip", Value: ""},
		{Name: "mode", Value: "fast"},
	}}
	got := r.Argv(job)
	want := []string{"python3", "/opt/run.py", "a01", "fast"}
	if len(got) != len(want) {
		t.Fatalf("Argv = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Argv = %v, want %v", got, want)
		}
	}
}

func TestExecuteHonorsSpawner(t *testing.T) {
	t.Parallel()
	script := writeScript(t, "echo hello")
	leases, err := lease.NewStore(filepath.Join(t.TempDir(), "job_locks"), logx.Nop())
	if err != nil {
		t.Fatalf("lease store: %v", err)
	}

	var spawned []string
	sp := SpawnerFunc(func(name string, fn func()) {
		spawned = append(spawned, name)
		go fn()
	})
	r, err := New(Config{ScriptPath: script}, leases, nil, logx.Nop(), WithSpawner(sp))
	if err != nil {
		t.Fatalf("runner: %v", err)
	}
	if _, err := r.Execute(context.Background(), table.Job{ID: "job_00000006"}); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(spawned) != 2 {
		t.Fatalf("spawner saw %d goroutines, want 2 (stdout+stderr)", len(spawned))
	}
}
