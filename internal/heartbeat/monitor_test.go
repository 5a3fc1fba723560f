package heartbeat

import (
	"errors"
	"testing"
	"time"

	"github.com/nfclink-server/nfclink-server-pro/internal/transport"
)

var errProbeTimeout = errors.New("probe timeout")

func TestHealthyProbesScoreHigh(t *testing.T) {
	m := NewMonitor(transport.KindCable, time.Second, nil, nil, nil)

	var q Quality
	for i := 0; i < 10; i++ {
		q = m.Observe(10*time.Millisecond, nil)
	}

	if q.Health != HealthOK {
		t.Fatalf("health: %v", q.Health)
	}
	if q.Score < 95 {
		t.Fatalf("expected near-perfect score, got %.1f", q.Score)
	}
	if !q.Eligible {
		t.Fatal("healthy channel must be eligible")
	}
}

func TestMissThresholds(t *testing.T) {
	m := NewMonitor(transport.KindNetwork, time.Second, nil, func() float64 { return -45 }, nil)

	// establish a healthy baseline
	for i := 0; i < 5; i++ {
		m.Observe(20*time.Millisecond, nil)
	}

	var q Quality
	for i := 0; i < 2; i++ {
		q = m.Observe(0, errProbeTimeout)
	}
	if q.Health != HealthOK {
		t.Fatalf("2 misses should not degrade: %v", q.Health)
	}

	q = m.Observe(0, errProbeTimeout)
	if q.Health != HealthDegraded {
		t.Fatalf("3rd miss should degrade: %v", q.Health)
	}

	q = m.Observe(0, errProbeTimeout)
	if q.Health != HealthDegraded {
		t.Fatalf("4th miss should stay degraded: %v", q.Health)
	}

	q = m.Observe(0, errProbeTimeout)
	if q.Health != HealthFailed {
		t.Fatalf("5th miss should fail: %v", q.Health)
	}
	if q.Eligible {
		t.Fatal("failed channel must not be eligible")
	}
}

func TestRecoveryHysteresis(t *testing.T) {
	m := NewMonitor(transport.KindCable, time.Second, nil, nil, nil)

	for i := 0; i < failedMisses; i++ {
		m.Observe(0, errProbeTimeout)
	}
	if q := m.Snapshot(); q.Health != HealthFailed || q.Eligible {
		t.Fatalf("pre-condition: %+v", q)
	}

	// one fully successful probe re-arms eligibility
	q := m.Observe(15*time.Millisecond, nil)
	if q.Health != HealthOK {
		t.Fatalf("health after recovery probe: %v", q.Health)
	}
	if !q.Eligible {
		t.Fatal("one successful probe should restore eligibility")
	}
}

func TestLossDragsScore(t *testing.T) {
	m := NewMonitor(transport.KindCable, time.Second, nil, nil, nil)

	for i := 0; i < 10; i++ {
		m.Observe(10*time.Millisecond, nil)
	}
	high := m.Snapshot().Score

	// alternate hits and misses: loss ratio climbs, score falls
	for i := 0; i < 10; i++ {
		m.Observe(0, errProbeTimeout)
		m.Observe(10*time.Millisecond, nil)
	}
	low := m.Snapshot().Score

	if low >= high {
		t.Fatalf("score should fall under loss: %.1f -> %.1f", high, low)
	}
}

func TestBandEdges(t *testing.T) {
	cases := []struct {
		value, good, worst, want float64
	}{
		{10, 50, 200, 1},
		{50, 50, 200, 1},
		{200, 50, 200, 0},
		{300, 50, 200, 0},
		{125, 50, 200, 0.5},
	}
	for _, c := range cases {
		if got := band(c.value, c.good, c.worst); got != c.want {
			t.Fatalf("band(%v,%v,%v) = %v, want %v", c.value, c.good, c.worst, got, c.want)
		}
	}
}

func TestSlowProbesLowerScore(t *testing.T) {
	m := NewMonitor(transport.KindCable, time.Second, nil, nil, nil)

	var q Quality
	for i := 0; i < 10; i++ {
		q = m.Observe(250*time.Millisecond, nil)
	}

	// latency band contributes nothing; loss and jitter stay clean
	if q.Score > 75 {
		t.Fatalf("slow link scored too high: %.1f", q.Score)
	}
	if q.Score < 40 {
		t.Fatalf("clean-but-slow link scored too low: %.1f", q.Score)
	}
}

func TestIntervalHintClamped(t *testing.T) {
	m := NewMonitor(transport.KindCable, 30*time.Second, nil, nil, nil)

	m.SetInterval(time.Second) // below MinInterval, ignored
	if m.currentInterval() != 30*time.Second {
		t.Fatalf("interval changed by out-of-range hint: %v", m.currentInterval())
	}

	m.SetInterval(10 * time.Second)
	if m.currentInterval() != 10*time.Second {
		t.Fatalf("in-range hint not applied: %v", m.currentInterval())
	}
}
