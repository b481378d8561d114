// Package metrics exposes operational counters for the worker. The Set is
// optional everywhere: a nil *Set is a no-op, so the core never needs a
// metrics guard.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Set struct {
	registry *prometheus.Registry

	claims     prometheus.Counter
	reclaims   prometheus.Counter
	iterations prometheus.Counter
	outcomes   *prometheus.CounterVec

	jobDuration prometheus.Histogram
}

func New() *Set {
	reg := prometheus.NewRegistry()
	s := &Set{
		registry: reg,
		claims: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tablerun_jobs_claimed_total",
			Help: "Jobs transitioned pending -> running by this worker.",
		}),
		reclaims: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tablerun_jobs_reclaimed_total",
			Help: "Running rows reverted to pending after a stale lease probe.",
		}),
		iterations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tablerun_loop_iterations_total",
			Help: "Completed recover/select/run/record iterations.",
		}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tablerun_job_outcomes_total",
			Help: "Recorded job outcomes by terminal status.",
		}, []string{"status"}),
		jobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tablerun_job_duration_seconds",
			Help:    "Wall-clock duration of external command executions.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 16),
		}),
	}
	reg.MustRegister(s.claims, s.reclaims, s.iterations, s.outcomes, s.jobDuration)
	return s
}

// Registry returns the backing registry for the HTTP handler.
func (s *Set) Registry() *prometheus.Registry {
	if s == nil {
		return nil
	}
	return s.registry
}

func (s *Set) IncClaims() {
	if s != nil {
		s.claims.Inc()
	}
}

func (s *Set) IncReclaims() {
	if s != nil {
		s.reclaims.Inc()
	}
}

func (s *Set) IncIterations() {
	if s != nil {
		s.iterations.Inc()
	}
}

func (s *Set) ObserveOutcome(status string, elapsed time.Duration) {
	if s == nil {
		return
	}
	s.outcomes.WithLabelValues(status).Inc()
	s.jobDuration.Observe(elapsed.Seconds())
}
