// Package lease tracks job execution with one flock'd lock file per job id.
//
// A lease that exists and whose lock is held is the sole proof that some
// worker is executing that job right now. Liveness is binary and
// instantaneous: there is no expiry, no heartbeat. A worker that holds the
// lock but is hung is indistinguishable from one that is genuinely working;
// that is an accepted limitation of the flock heuristic.
package lease

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"tablerun/internal/table"
	logx "tablerun/pkg/logx"
)

// acquireRetryDelay paces context-aware blocking acquisition.
const acquireRetryDelay = 25 * time.Millisecond

// Store manages the lease directory.
type Store struct {
	dir string
	log logx.Logger
}

func NewStore(dir string, log logx.Logger) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("lease dir is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create lease dir %s: %w", dir, err)
	}
	return &Store{dir: dir, log: log}, nil
}

// Dir returns the lease directory path.
func (s *Store) Dir() string { return s.dir }

func (s *Store) path(jobID string) string {
	return filepath.Join(s.dir, jobID+".lock")
}

// Lease is a held exclusive lock on a job's lock file.
type Lease struct {
	jobID string
	path  string
	fl    *flock.Flock
	log   logx.Logger
}

// Acquire creates (or opens) the job's lock file and blocks until the
// exclusive lock is held or ctx is done.
func (s *Store) Acquire(ctx context.Context, jobID string) (*Lease, error) {
	if jobID == "" {
		return nil, fmt.Errorf("job id is required")
	}
	path := s.path(jobID)
	fl := flock.New(path)
	ok, err := fl.TryLockContext(ctx, acquireRetryDelay)
	if err != nil {
		return nil, fmt.Errorf("acquire lease %s: %w", path, err)
	}
	if !ok {
		return nil, fmt.Errorf("acquire lease %s: %w", path, ctx.Err())
	}
	s.log.Debug("lease acquired", logx.String("job_id", jobID))
	return &Lease{jobID: jobID, path: path, fl: fl, log: s.log}, nil
}

// Release unlocks and removes the lock file. Safe to call exactly once per
// lease; it must run on every exit path of the protected work.
func (l *Lease) Release() error {
	if l == nil || l.fl == nil {
		return nil
	}
	err := l.fl.Unlock()
	l.fl = nil
	if rmErr := os.Remove(l.path); rmErr != nil && !os.IsNotExist(rmErr) && err == nil {
		err = rmErr
	}
	if err != nil {
		return fmt.Errorf("release lease %s: %w", l.path, err)
	}
	l.log.Debug("lease released", logx.String("job_id", l.jobID))
	return nil
}

// Probe checks, without blocking, whether a job's lease is actually held.
//
//   - No lock file: LivenessAbsent.
//   - Lock file present and the non-blocking exclusive lock succeeds: nobody
//     held it, so the previous holder died. The prober removes the file and
//     reports LivenessStale.
//   - Lock attempt refused: a live worker holds it, LivenessLive.
func (s *Store) Probe(jobID string) (table.Liveness, error) {
	path := s.path(jobID)
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return table.LivenessAbsent, nil
		}
		return table.LivenessAbsent, fmt.Errorf("stat lease %s: %w", path, err)
	}

	fl := flock.New(path)
	ok, err := fl.TryLock()
	if err != nil {
		return table.LivenessAbsent, fmt.Errorf("probe lease %s: %w", path, err)
	}
	if !ok {
		return table.LivenessLive, nil
	}
	// We won the lock, so the previous holder is gone. Clear the leftover
	// file while we still hold it.
	rmErr := os.Remove(path)
	if err := fl.Unlock(); err != nil && rmErr == nil {
		rmErr = err
	}
	if rmErr != nil && !os.IsNotExist(rmErr) {
		return table.LivenessStale, fmt.Errorf("clear stale lease %s: %w", path, rmErr)
	}
	return table.LivenessStale, nil
}

// ProbeFunc adapts the store to table.ReclaimRunning.
func (s *Store) ProbeFunc() table.ProbeFunc {
	return func(jobID string) (table.Liveness, error) {
		return s.Probe(jobID)
	}
}
