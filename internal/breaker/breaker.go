package breaker

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/nfclink-server/nfclink-server-pro/internal/transport"
)

// Breaker state
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// Breaker thresholds
const (
	windowLength    = 60 * time.Second
	minSamples      = 5
	failureRate     = 0.5
	slowAvg         = 5 * time.Second
	initialCooldown = 30 * time.Second
	maxCooldown     = 5 * time.Minute
)

type sample struct {
	at       time.Time
	ok       bool
	duration time.Duration
}

// Snapshot describes the breaker for observability
type Snapshot struct {
	State        State
	FailureCount int
	SampleCount  int
	OpenedAt     time.Time
	Cooldown     time.Duration
}

// Breaker guards one transport channel: it tracks send outcomes over a 60s
// sliding window and rejects sends while open.
type Breaker struct {
	kind transport.Kind

	mu       sync.Mutex
	state    State
	samples  []sample
	openedAt time.Time
	cooldown time.Duration
	probing  bool // a half-open test send is in flight

	now func() time.Time // injectable clock
}

// New creates a closed breaker for the given channel kind
func New(kind transport.Kind) *Breaker {
	return &Breaker{
		kind:     kind,
		cooldown: initialCooldown,
		now:      time.Now,
	}
}

// Allow reports whether a send may proceed right now. While open it returns
// ErrCircuitOpen without touching the network; once the cool-down elapses a
// single half-open probe is admitted.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.cooldown {
			return ErrCircuitOpen
		}
		b.state = StateHalfOpen
		b.probing = true
		log.Debug().Str("kind", b.kind.String()).Msg("breaker half-open, admitting probe")
		return nil
	default: // StateHalfOpen
		if b.probing {
			return ErrCircuitOpen
		}
		b.probing = true
		return nil
	}
}

// RecordSuccess folds in a successful send
func (b *Breaker) RecordSuccess(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.record(true, d)

	if b.state == StateHalfOpen {
		b.state = StateClosed
		b.probing = false
		b.cooldown = initialCooldown
		b.samples = nil
		log.Info().Str("kind", b.kind.String()).Msg("breaker closed after successful probe")
		return
	}

	b.evaluate()
}

// RecordFailure folds in a failed send
func (b *Breaker) RecordFailure(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.record(false, d)

	if b.state == StateHalfOpen {
		// probe failed: reopen and double the cool-down
		b.probing = false
		b.cooldown *= 2
		if b.cooldown > maxCooldown {
			b.cooldown = maxCooldown
		}
		b.open()
		return
	}

	b.evaluate()
}

func (b *Breaker) record(ok bool, d time.Duration) {
	b.samples = append(b.samples, sample{at: b.now(), ok: ok, duration: d})
	b.prune()
}

func (b *Breaker) prune() {
	cutoff := b.now().Add(-windowLength)
	i := 0
	for i < len(b.samples) && b.samples[i].at.Before(cutoff) {
		i++
	}
	b.samples = b.samples[i:]
}

// evaluate opens the breaker when the window shows >=50% failures or an
// average response above 5s.
func (b *Breaker) evaluate() {
	if b.state != StateClosed {
		return
	}
	b.prune()
	if len(b.samples) < minSamples {
		return
	}

	failures := 0
	var total time.Duration
	for _, s := range b.samples {
		if !s.ok {
			failures++
		}
		total += s.duration
	}

	rate := float64(failures) / float64(len(b.samples))
	avg := total / time.Duration(len(b.samples))

	if rate >= failureRate || avg > slowAvg {
		b.open()
	}
}

func (b *Breaker) open() {
	b.state = StateOpen
	b.openedAt = b.now()
	log.Warn().
		Str("kind", b.kind.String()).
		Dur("cooldown", b.cooldown).
		Msg("circuit breaker opened")
}

// State returns the current breaker state
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns the breaker's observable state
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.prune()
	failures := 0
	for _, s := range b.samples {
		if !s.ok {
			failures++
		}
	}
	return Snapshot{
		State:        b.state,
		FailureCount: failures,
		SampleCount:  len(b.samples),
		OpenedAt:     b.openedAt,
		Cooldown:     b.cooldown,
	}
}
