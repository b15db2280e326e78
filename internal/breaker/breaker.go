// Package breaker implements the per-worker circuit breaker (coordination-
// plane component C4): a CLOSED/OPEN/HALF_OPEN state machine that stops a
// worker from hammering a failing downstream dependency, with a bounded
// probe budget while half-open.
package breaker

import (
	"sync"
	"time"

	"github.com/taskflow/broker/pkg/telemetry"
)

// stateValue maps a breaker State to the enum telemetry.BreakerState exports.
func stateValue(s State) float64 {
	switch s {
	case HalfOpen:
		return 1
	case Open:
		return 2
	default:
		return 0
	}
}

// State is one of the three circuit breaker states.
type State string

const (
	Closed   State = "CLOSED"
	Open     State = "OPEN"
	HalfOpen State = "HALF_OPEN"
)

// Config controls when the breaker trips and how it recovers.
type Config struct {
	VolumeThreshold int           // minimum calls in the window before failure_ratio is evaluated
	FailureRatio    float64       // fraction of failures within VolumeThreshold that trips the breaker
	OpenDuration    time.Duration // how long OPEN is held before probing HALF_OPEN
	HalfOpenProbes  int           // number of trial calls allowed while HALF_OPEN
}

// DefaultConfig mirrors the thresholds used across the example corpus's
// circuit breaker (5 consecutive-style failures tend to trip real-world
// breakers of this shape).
func DefaultConfig() Config {
	return Config{
		VolumeThreshold: 10,
		FailureRatio:    0.5,
		OpenDuration:    30 * time.Second,
		HalfOpenProbes:  3,
	}
}

// Breaker is a single named circuit, safe for concurrent use.
type Breaker struct {
	mu sync.Mutex

	name   string
	cfg    Config
	state  State
	opened time.Time

	calls    int
	failures int

	halfOpenInFlight  int
	halfOpenFailures  int
	halfOpenSuccesses int
}

// New creates a Breaker in the CLOSED state.
func New(name string, cfg Config) *Breaker {
	return &Breaker{name: name, cfg: cfg, state: Closed}
}

// Allow reports whether a call should proceed. When HALF_OPEN it grants at
// most cfg.HalfOpenProbes trial calls in total per half-open period (the
// count is not released when a trial finishes) and rejects the rest.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return true
	case Open:
		if time.Since(b.opened) >= b.cfg.OpenDuration {
			b.state = HalfOpen
			b.halfOpenInFlight = 0
			b.halfOpenFailures = 0
			b.halfOpenSuccesses = 0
			b.halfOpenInFlight++
			telemetry.BreakerState.WithLabelValues(b.name).Set(stateValue(HalfOpen))
			return true
		}
		return false
	case HalfOpen:
		if b.halfOpenInFlight < b.cfg.HalfOpenProbes {
			b.halfOpenInFlight++
			return true
		}
		return false
	default:
		return false
	}
}

// RecordSuccess reports a successful call outcome. While HALF_OPEN, the
// breaker only closes once every one of cfg.HalfOpenProbes admitted trials
// has succeeded (spec.md §4.4); any failure in between reopens it
// immediately via RecordFailure.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case HalfOpen:
		b.halfOpenSuccesses++
		if b.halfOpenSuccesses >= b.cfg.HalfOpenProbes {
			b.state = Closed
			b.calls, b.failures = 0, 0
			telemetry.BreakerState.WithLabelValues(b.name).Set(stateValue(b.state))
		}
	case Closed:
		b.calls++
		if b.calls >= b.cfg.VolumeThreshold {
			b.calls, b.failures = 0, 0
		}
	}
}

// RecordFailure reports a failed call outcome, tripping the breaker if the
// volume/ratio thresholds (CLOSED) are exceeded or reopening it on any
// HALF_OPEN probe failure.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case HalfOpen:
		b.halfOpenFailures++
		b.trip()
	case Closed:
		b.calls++
		b.failures++
		if b.calls >= b.cfg.VolumeThreshold && float64(b.failures)/float64(b.calls) >= b.cfg.FailureRatio {
			b.trip()
		}
	}
}

func (b *Breaker) trip() {
	b.state = Open
	b.opened = time.Now()
	b.calls, b.failures = 0, 0
	telemetry.BreakerState.WithLabelValues(b.name).Set(stateValue(Open))
	telemetry.BreakerTripsTotal.WithLabelValues(b.name).Inc()
}

// ForceOpen trips the breaker unconditionally (administrative action).
func (b *Breaker) ForceOpen() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.trip()
}

// ForceClose resets the breaker unconditionally (administrative action).
func (b *Breaker) ForceClose() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = Closed
	b.calls, b.failures = 0, 0
	telemetry.BreakerState.WithLabelValues(b.name).Set(stateValue(Closed))
}

// Stats is a snapshot of the breaker's current counters, used for the
// liveness heartbeat and admin endpoints.
type Stats struct {
	Name     string  `json:"name"`
	State    State   `json:"state"`
	Calls    int     `json:"calls"`
	Failures int     `json:"failures"`
}

func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{Name: b.name, State: b.state, Calls: b.calls, Failures: b.failures}
}

// Registry tracks one Breaker per downstream name within a worker process.
type Registry struct {
	mu       sync.Mutex
	cfg      Config
	breakers map[string]*Breaker
}

// NewRegistry creates an empty Registry using cfg for every breaker it lazily
// creates.
func NewRegistry(cfg Config) *Registry {
	return &Registry{cfg: cfg, breakers: make(map[string]*Breaker)}
}

// Get returns (creating if necessary) the Breaker for name.
func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[name]
	if !ok {
		b = New(name, r.cfg)
		r.breakers[name] = b
	}
	return b
}

// AllStats returns a snapshot of every tracked breaker, used to compute the
// aggregate healthy/degraded/critical rollup.
func (r *Registry) AllStats() []Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Stats, 0, len(r.breakers))
	for _, b := range r.breakers {
		out = append(out, b.Stats())
	}
	return out
}

// AggregateStatus classifies the registry healthy/degraded/critical based on
// the fraction of breakers currently OPEN.
func AggregateStatus(stats []Stats) string {
	if len(stats) == 0 {
		return "healthy"
	}
	open := 0
	for _, s := range stats {
		if s.State == Open {
			open++
		}
	}
	ratio := float64(open) / float64(len(stats))
	switch {
	case ratio == 0:
		return "healthy"
	case ratio < 0.5:
		return "degraded"
	default:
		return "critical"
	}
}
