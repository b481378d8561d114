// Package eventbus decouples the scheduling core from observers.
//
// The loop, runner and recovery sweep publish phase events and per-line job
// output here; the logging bridge (and anything else, e.g. tests) subscribes.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Type enumerates the event kinds the core emits.
type Type string

const (
	TypePhase    Type = "phase"     // Data: Phase
	TypeClaim    Type = "claim"     // Data: Claim
	TypeOutput   Type = "output"    // Data: OutputLine
	TypeOutcome  Type = "outcome"   // Data: Outcome
	TypeReclaim  Type = "reclaim"   // Data: Reclaim
	TypeSchedule Type = "scheduled" // Data: ScheduledRun
)

// Event is a lightweight, in-memory signal.
//
// Contract:
//   - Publish MUST be non-blocking.
//   - Subscribers MUST use buffered channels.
//   - Slow subscribers may drop events (bounded backpressure).
type Event struct {
	Type Type
	Time time.Time
	Data any
}

// Phase marks a scheduling-loop state transition.
type Phase struct {
	From string
	To   string
}

// Claim marks a job transitioning pending -> running.
type Claim struct {
	JobID string
	Args  []string
}

// OutputLine is one line of external-command output, as it arrived.
type OutputLine struct {
	JobID  string
	Stream string // "stdout" | "stderr"
	Line   string
}

// Outcome records a finished execution attempt.
type Outcome struct {
	JobID    string
	Status   string // "done" | "error"
	ExitCode int
	Elapsed  time.Duration
	Err      string
}

// Reclaim records a running row reverted to pending after a stale lease.
type Reclaim struct {
	JobID    string
	Liveness string // "absent" | "stale"
}

// ScheduledRun marks the start of a daemon-mode drain pass.
type ScheduledRun struct {
	Pass int
}

// Bus is an in-memory fanout with drop-on-full delivery. It owns no
// background goroutines.
type Bus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
}

func New() *Bus {
	return &Bus{subs: map[uint64]chan Event{}}
}

func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	// Snapshot subscribers so Publish doesn't hold locks while sending.
	b.mu.RLock()
	chs := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		chs = append(chs, ch)
	}
	b.mu.RUnlock()

	for _, ch := range chs {
		// Non-blocking delivery; a concurrently closed channel is tolerated.
		func() {
			defer func() { _ = recover() }()
			select {
			case ch <- e:
			default:
			}
		}()
	}
}

// Emit is shorthand for Publish with the current time.
func (b *Bus) Emit(t Type, data any) {
	b.Publish(Event{Type: t, Data: data})
}

func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			// Safe because Publish recovers from send-on-closed panics.
			close(ch)
		})
	}
	return ch, unsub
}
