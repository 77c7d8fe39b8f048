// Package circuitbreaker stops cache operations from reaching a cache
// backend that keeps failing, so an outage costs one timeout per open
// period instead of one per request.
//
// A closed breaker counts outcomes in a sliding window made of fixed-width
// buckets. When the window holds at least MinRequests outcomes and the
// failure share reaches ErrorPct, the breaker opens. After OpenDuration it
// lets HalfOpenProbes operations through: all succeeding closes it, any
// failing reopens it.
package circuitbreaker

import (
	"sync"
	"time"

	"github.com/oriys/snapcache/internal/pkg/clock"
)

// State is the breaker position.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	}
	return "unknown"
}

// Config shapes a Breaker.
type Config struct {
	ErrorPct       float64       // failure share (0-100) that opens the breaker
	MinRequests    int           // outcomes needed in the window before ErrorPct applies (default 1)
	WindowDuration time.Duration // sliding window length
	OpenDuration   time.Duration // time spent open before probing
	HalfOpenProbes int           // operations let through while half-open (default 1)
	Clock          clock.Clock   // default: wall clock

	// OnStateChange receives every new state. It runs under the breaker
	// lock and must not call back into the breaker.
	OnStateChange func(State)
}

// Enabled reports whether cfg describes a usable breaker.
func (cfg Config) Enabled() bool {
	return cfg.ErrorPct > 0 && cfg.WindowDuration > 0 && cfg.OpenDuration > 0
}

// windowBuckets is how many slots the sliding window is cut into.
const windowBuckets = 10

type bucket struct {
	slot     int64 // absolute slot number; stale when outside the window
	ok, fail int
}

// Breaker is safe for concurrent use.
type Breaker struct {
	mu    sync.Mutex
	cfg   Config
	clock clock.Clock
	width time.Duration

	state    State
	window   [windowBuckets]bucket
	openedAt time.Time
	admitted int // probes let through in the current half-open period
	passed   int // of those, how many succeeded
}

// New returns a closed breaker.
func New(cfg Config) *Breaker {
	if cfg.HalfOpenProbes <= 0 {
		cfg.HalfOpenProbes = 1
	}
	if cfg.MinRequests <= 0 {
		cfg.MinRequests = 1
	}
	width := cfg.WindowDuration / windowBuckets
	if width <= 0 {
		width = 1
	}
	return &Breaker{cfg: cfg, clock: clock.OrReal(cfg.Clock), width: width}
}

// Allow reports whether an operation may proceed. While half-open each
// true result consumes one probe.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.maybeHalfOpen(b.clock.Now())
	switch b.state {
	case StateOpen:
		return false
	case StateHalfOpen:
		if b.admitted >= b.cfg.HalfOpenProbes {
			return false
		}
		b.admitted++
	}
	return true
}

// RecordSuccess reports a completed operation.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.slot(b.clock.Now()).ok++
	case StateHalfOpen:
		b.passed++
		if b.passed >= b.cfg.HalfOpenProbes {
			b.window = [windowBuckets]bucket{}
			b.transition(StateClosed)
		}
	}
}

// RecordFailure reports a failed operation.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()
	switch b.state {
	case StateClosed:
		b.slot(now).fail++
		if b.tripped(now) {
			b.open(now)
		}
	case StateHalfOpen:
		b.open(now)
	}
}

// State returns the current state, moving an expired open period to
// half-open without consuming a probe.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpen(b.clock.Now())
	return b.state
}

func (b *Breaker) maybeHalfOpen(now time.Time) {
	if b.state == StateOpen && now.Sub(b.openedAt) >= b.cfg.OpenDuration {
		b.admitted, b.passed = 0, 0
		b.transition(StateHalfOpen)
	}
}

func (b *Breaker) open(now time.Time) {
	b.openedAt = now
	b.transition(StateOpen)
}

func (b *Breaker) transition(s State) {
	if b.state == s {
		return
	}
	b.state = s
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(s)
	}
}

// slot returns the bucket for now, recycling it if it belongs to an older
// pass over the ring.
func (b *Breaker) slot(now time.Time) *bucket {
	n := now.UnixNano() / int64(b.width)
	bk := &b.window[n%windowBuckets]
	if bk.slot != n {
		*bk = bucket{slot: n}
	}
	return bk
}

// tripped reports whether the outcomes inside the window breach ErrorPct.
func (b *Breaker) tripped(now time.Time) bool {
	cur := now.UnixNano() / int64(b.width)
	var ok, fail int
	for _, bk := range b.window {
		if cur-bk.slot < windowBuckets {
			ok += bk.ok
			fail += bk.fail
		}
	}
	total := ok + fail
	if total == 0 || total < b.cfg.MinRequests {
		return false
	}
	return float64(fail)*100/float64(total) >= b.cfg.ErrorPct
}
