// Package registry tracks per-peer request rates and temporary blocks for
// the device-facing listeners. Handshake floods and frame floods are limited
// independently.
package registry

import (
	"errors"
	"hash/fnv"
	"sync"
	"time"
)

// ErrBlocked is returned while a peer is serving out a block
var ErrBlocked = errors.New("peer temporarily blocked")

// ErrRateLimited is returned when a peer exceeds its bucket
var ErrRateLimited = errors.New("rate limited")

// Limits configures one limiter class
type Limits struct {
	Burst         int
	RatePerSecond float64
	BlockDuration time.Duration
}

type peerState struct {
	tokens    float64
	lastFill  time.Time
	blockedTo time.Time
	strikes   int
}

type shard struct {
	mu    sync.Mutex
	peers map[string]*peerState
}

// Registry is a sharded token bucket limiter keyed by peer id (device id or
// remote address)
type Registry struct {
	limits Limits
	shards []*shard

	now func() time.Time
}

// New creates a registry with the given limits and shard count
func New(limits Limits, shards int) *Registry {
	if shards <= 0 {
		shards = 16
	}
	r := &Registry{
		limits: limits,
		shards: make([]*shard, shards),
		now:    time.Now,
	}
	for i := range r.shards {
		r.shards[i] = &shard{peers: make(map[string]*peerState)}
	}
	return r
}

func (r *Registry) shardFor(peer string) *shard {
	h := fnv.New32a()
	h.Write([]byte(peer))
	return r.shards[int(h.Sum32())%len(r.shards)]
}

// Allow spends one token for the peer. Three limit violations in a row earn
// a block for the configured duration.
func (r *Registry) Allow(peer string) error {
	sh := r.shardFor(peer)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	now := r.now()
	st, ok := sh.peers[peer]
	if !ok {
		st = &peerState{tokens: float64(r.limits.Burst), lastFill: now}
		sh.peers[peer] = st
	}

	if now.Before(st.blockedTo) {
		return ErrBlocked
	}

	elapsed := now.Sub(st.lastFill).Seconds()
	st.tokens += elapsed * r.limits.RatePerSecond
	if st.tokens > float64(r.limits.Burst) {
		st.tokens = float64(r.limits.Burst)
	}
	st.lastFill = now

	if st.tokens < 1 {
		st.strikes++
		if st.strikes >= 3 {
			st.blockedTo = now.Add(r.limits.BlockDuration)
			st.strikes = 0
			return ErrBlocked
		}
		return ErrRateLimited
	}

	st.tokens--
	st.strikes = 0
	return nil
}

// Block explicitly blocks a peer, used on repeated credential failures
func (r *Registry) Block(peer string, d time.Duration) {
	sh := r.shardFor(peer)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	st, ok := sh.peers[peer]
	if !ok {
		st = &peerState{tokens: float64(r.limits.Burst), lastFill: r.now()}
		sh.peers[peer] = st
	}
	st.blockedTo = r.now().Add(d)
}

// Blocked reports whether a peer is currently blocked
func (r *Registry) Blocked(peer string) bool {
	sh := r.shardFor(peer)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	st, ok := sh.peers[peer]
	return ok && r.now().Before(st.blockedTo)
}

// Sweep drops idle peer entries older than the given age
func (r *Registry) Sweep(maxAge time.Duration) {
	cutoff := r.now().Add(-maxAge)
	for _, sh := range r.shards {
		sh.mu.Lock()
		for peer, st := range sh.peers {
			if st.lastFill.Before(cutoff) && r.now().After(st.blockedTo) {
				delete(sh.peers, peer)
			}
		}
		sh.mu.Unlock()
	}
}
