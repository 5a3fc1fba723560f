// Package heartbeat probes a transport channel on a fixed interval and
// derives a smoothed 0-100 quality score from latency, jitter, loss and
// signal strength.
package heartbeat

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/nfclink-server/nfclink-server-pro/internal/transport"
)

// Band thresholds: each band contributes its full weight below/above the good
// threshold and scales linearly down to zero at the worst-case threshold.
const (
	goodLatencyMs  = 50.0
	worstLatencyMs = 200.0
	goodJitterMs   = 10.0
	worstJitterMs  = 50.0
	goodLossRatio  = 0.01
	worstLossRatio = 0.10
	goodSignalDBm  = -50.0
	worstSignalDBm = -100.0

	weightLatency = 30.0
	weightLoss    = 25.0
	weightJitter  = 20.0
	weightSignal  = 25.0

	// EWMA smoothing factor applied per probe
	alpha = 0.3

	// consecutive missed probes before the channel is marked degraded/failed
	degradedMisses = 3
	failedMisses   = 5

	windowSize = 20
)

// Interval hint bounds; hints outside this range are ignored
const (
	MinInterval = 5 * time.Second
	MaxInterval = 5 * time.Minute
)

// Health summarizes the monitor's verdict on a channel
type Health int

const (
	HealthOK Health = iota
	HealthDegraded
	HealthFailed
)

func (h Health) String() string {
	switch h {
	case HealthDegraded:
		return "degraded"
	case HealthFailed:
		return "failed"
	default:
		return "ok"
	}
}

// Quality is a snapshot of the derived metrics
type Quality struct {
	LatencyMs         float64
	JitterMs          float64
	LossRatio         float64
	SignalDBm         float64
	Score             float64
	Health            Health
	Eligible          bool
	ConsecutiveMisses int
	LastProbeAt       time.Time
}

// ProbeFunc performs one round-trip probe and returns its latency. A timeout
// or transport error counts as a missed probe.
type ProbeFunc func(ctx context.Context) (time.Duration, error)

// SignalFunc reports current signal strength in dBm (network channels only)
type SignalFunc func() float64

// Report is delivered to the owner after every probe
type Report struct {
	Kind    transport.Kind
	Quality Quality
}

// Monitor probes one channel on its own timer
type Monitor struct {
	kind     transport.Kind
	probe    ProbeFunc
	signal   SignalFunc
	onReport func(Report)

	mu       sync.Mutex
	interval time.Duration
	window   []float64 // recent RTTs in ms
	misses   int
	results  []bool // recent probe outcomes, for loss ratio
	score    float64
	scoreSet bool
	health   Health
	eligible bool
	lastRTT  float64
	lastAt   time.Time
}

// NewMonitor creates a monitor for one channel. onReport is invoked after
// every probe (from the monitor goroutine).
func NewMonitor(kind transport.Kind, interval time.Duration, probe ProbeFunc, signal SignalFunc, onReport func(Report)) *Monitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Monitor{
		kind:     kind,
		probe:    probe,
		signal:   signal,
		onReport: onReport,
		interval: interval,
		eligible: true,
	}
}

// Run probes until ctx is done
func (m *Monitor) Run(ctx context.Context) {
	timer := time.NewTimer(m.currentInterval())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		probeCtx, cancel := context.WithTimeout(ctx, m.currentInterval())
		rtt, err := m.probe(probeCtx)
		cancel()

		if ctx.Err() != nil {
			return
		}

		q := m.Observe(rtt, err)
		if m.onReport != nil {
			m.onReport(Report{Kind: m.kind, Quality: q})
		}

		timer.Reset(m.currentInterval())
	}
}

// Observe folds one probe outcome into the rolling state and returns the
// updated snapshot. Exported so the outcome path is testable without timers.
func (m *Monitor) Observe(rtt time.Duration, err error) Quality {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.lastAt = time.Now()
	m.results = append(m.results, err == nil)
	if len(m.results) > windowSize {
		m.results = m.results[1:]
	}

	if err != nil {
		m.misses++
		switch {
		case m.misses >= failedMisses:
			if m.health != HealthFailed {
				log.Warn().Str("kind", m.kind.String()).Int("misses", m.misses).Msg("channel failed")
			}
			m.health = HealthFailed
			m.eligible = false
		case m.misses >= degradedMisses:
			if m.health == HealthOK {
				log.Warn().Str("kind", m.kind.String()).Int("misses", m.misses).Msg("channel degraded")
			}
			m.health = HealthDegraded
		}
		// a missed probe drags the smoothed score toward zero
		m.foldScore(0)
		return m.snapshotLocked()
	}

	wasFailed := m.health == HealthFailed
	m.misses = 0
	m.health = HealthOK
	// recovery hysteresis: one fully successful probe re-arms eligibility
	if wasFailed {
		log.Info().Str("kind", m.kind.String()).Msg("channel recovered, eligible again")
	}
	m.eligible = true

	ms := float64(rtt) / float64(time.Millisecond)
	m.lastRTT = ms
	m.window = append(m.window, ms)
	if len(m.window) > windowSize {
		m.window = m.window[1:]
	}

	m.foldScore(m.rawScoreLocked())
	return m.snapshotLocked()
}

func (m *Monitor) foldScore(raw float64) {
	if !m.scoreSet {
		m.score = raw
		m.scoreSet = true
		return
	}
	m.score = alpha*raw + (1-alpha)*m.score
}

// rawScoreLocked computes the unsmoothed per-probe score
func (m *Monitor) rawScoreLocked() float64 {
	latency := m.lastRTT
	jitter := m.jitterLocked()
	loss := m.lossLocked()

	score := weightLatency*band(latency, goodLatencyMs, worstLatencyMs) +
		weightLoss*band(loss, goodLossRatio, worstLossRatio) +
		weightJitter*band(jitter, goodJitterMs, worstJitterMs)

	if m.kind == transport.KindNetwork && m.signal != nil {
		// signal strength is negative dBm: invert so "smaller is better" holds
		score += weightSignal * band(-m.signal(), -goodSignalDBm, -worstSignalDBm)
	} else {
		// cable links have no radio signal; the band contributes fully
		score += weightSignal
	}

	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

// band maps value (smaller is better) to [0,1]: 1 below good, 0 at/after worst
func band(value, good, worst float64) float64 {
	if value <= good {
		return 1
	}
	if value >= worst {
		return 0
	}
	return (worst - value) / (worst - good)
}

func (m *Monitor) jitterLocked() float64 {
	if len(m.window) < 2 {
		return 0
	}
	var sum float64
	for i := 1; i < len(m.window); i++ {
		d := m.window[i] - m.window[i-1]
		if d < 0 {
			d = -d
		}
		sum += d
	}
	return sum / float64(len(m.window)-1)
}

func (m *Monitor) lossLocked() float64 {
	if len(m.results) == 0 {
		return 0
	}
	missed := 0
	for _, ok := range m.results {
		if !ok {
			missed++
		}
	}
	return float64(missed) / float64(len(m.results))
}

func (m *Monitor) snapshotLocked() Quality {
	q := Quality{
		LatencyMs:         m.lastRTT,
		JitterMs:          m.jitterLocked(),
		LossRatio:         m.lossLocked(),
		Score:             m.score,
		Health:            m.health,
		Eligible:          m.eligible,
		ConsecutiveMisses: m.misses,
		LastProbeAt:       m.lastAt,
	}
	if m.signal != nil {
		q.SignalDBm = m.signal()
	}
	return q
}

// Snapshot returns the current quality without probing
func (m *Monitor) Snapshot() Quality {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

// SetInterval applies a server interval hint, clamped to sane bounds.
// Out-of-range hints are ignored so a misbehaving server cannot silence
// liveness detection.
func (m *Monitor) SetInterval(d time.Duration) {
	if d < MinInterval || d > MaxInterval {
		return
	}
	m.mu.Lock()
	m.interval = d
	m.mu.Unlock()
}

func (m *Monitor) currentInterval() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.interval
}
