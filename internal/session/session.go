// Package session implements the per-device connection state machine: a
// single actor that owns the transports, serializes every transition through
// one ordered inbox, and keeps at-most-once delivery semantics across
// failover.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/nfclink-server/nfclink-server-pro/internal/breaker"
	"github.com/nfclink-server/nfclink-server-pro/internal/failover"
	"github.com/nfclink-server/nfclink-server-pro/internal/heartbeat"
	"github.com/nfclink-server/nfclink-server-pro/internal/transport"
	"github.com/nfclink-server/nfclink-server-pro/pkg/wire"
)

// Common errors
var (
	ErrSessionClosed  = errors.New("session closed")
	ErrQueueFull      = errors.New("local queue full")
	ErrDeliveryFailed = breaker.ErrDeliveryFailed
)

// HandshakeError is fatal to the session once all attempts are spent
type HandshakeError struct {
	Code    int
	Message string
}

func (e *HandshakeError) Error() string {
	return "handshake rejected: " + e.Message
}

// CredentialProvider supplies the opaque credential carried in handshakes.
// Credential issuance itself is a collaborator concern.
type CredentialProvider interface {
	CurrentToken() (string, error)
}

// Config carries the session knobs
type Config struct {
	DeviceID        string
	ProtocolVersion int

	HeartbeatInterval  time.Duration
	AckTimeout         time.Duration
	HandshakeTimeout   time.Duration
	HandshakeAttempts  int
	ReconnectDeadline  time.Duration
	RebindInterval     time.Duration
	CacheRetryInterval time.Duration
	CacheQueueSize     int
	DrainTimeout       time.Duration

	Retry breaker.RetryPolicy

	// SignalStrength reports network signal in dBm (optional)
	SignalStrength func() float64
}

func (c *Config) setDefaults() {
	if c.ProtocolVersion == 0 {
		c.ProtocolVersion = 1
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.AckTimeout == 0 {
		c.AckTimeout = 10 * time.Second
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 5 * time.Second
	}
	if c.HandshakeAttempts == 0 {
		c.HandshakeAttempts = 3
	}
	if c.ReconnectDeadline == 0 {
		c.ReconnectDeadline = 90 * time.Second
	}
	if c.RebindInterval == 0 {
		c.RebindInterval = 5 * time.Second
	}
	if c.CacheRetryInterval == 0 {
		c.CacheRetryInterval = 30 * time.Second
	}
	if c.CacheQueueSize == 0 {
		c.CacheQueueSize = 10_000
	}
	if c.DrainTimeout == 0 {
		c.DrainTimeout = 5 * time.Second
	}
	if c.Retry.MaxAttempts == 0 {
		c.Retry = breaker.DefaultRetryPolicy()
	}
}

// link bundles one channel with its monitor and breaker
type link struct {
	ch      transport.Channel
	brk     *breaker.Breaker
	monitor *heartbeat.Monitor
	quality heartbeat.Quality

	cancelIO context.CancelFunc // stops the reader and monitor
	running  bool
	binding  bool
}

// pendingMsg is one message in flight (or awaiting resend)
type pendingMsg struct {
	seq      uint64
	msgID    uuid.UUID
	payload  []byte
	attempts int
	fut      *Future
	timer    *time.Timer
	sentOn   transport.Kind
	sentAt   time.Time
}

func (m *pendingMsg) stopTimer() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

type probeWaiter struct {
	kind  transport.Kind
	start time.Time
	reply chan time.Duration
}

// ChannelInfo is the observable state of one channel
type ChannelInfo struct {
	Kind    transport.Kind
	Status  transport.Status
	Score   float64
	Breaker breaker.State
}

// Snapshot is the observable state of the session
type Snapshot struct {
	ID             uuid.UUID
	DeviceID       string
	State          State
	Active         transport.Kind
	CreatedAt      time.Time
	LastActivityAt time.Time
	PendingCount   int
	CachedCount    int
	Failovers      int
	Channels       []ChannelInfo
}

// Session is one logical device-to-server connection spanning both transports
type Session struct {
	cfg   Config
	creds CredentialProvider
	ctrl  *failover.Controller

	ctx    context.Context
	cancel context.CancelFunc
	inbox  chan event

	// actor-owned state: touched only from the run loop
	id             uuid.UUID
	state          State
	active         transport.Kind
	links          map[transport.Kind]*link
	nextSeq        uint64
	pending        map[uint64]*pendingMsg
	cache          []*pendingMsg
	probes         map[uuid.UUID]*probeWaiter
	connectPending int
	reconnectTimer *time.Timer
	cacheTimer     *time.Timer
	drainTimer     *time.Timer
	createdAt      time.Time
	lastActivity   time.Time
	failovers      int
	draining       bool
	terminated     bool
	closeDone      chan struct{}
	connectDone    chan error

	cbMu     sync.Mutex
	onState  []func(old, new State)
	onFailed []func(seq uint64, payload []byte, err error)

	snapMu sync.RWMutex
	snap   Snapshot
}

// New assembles a session over the given channels. The session is not
// connected until Connect is called.
func New(cfg Config, creds CredentialProvider, channels ...transport.Channel) *Session {
	cfg.setDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		cfg:       cfg,
		creds:     creds,
		ctrl:      failover.NewController(),
		ctx:       ctx,
		cancel:    cancel,
		inbox:     make(chan event, 256),
		state:     StateDisconnected,
		active:    transport.KindNone,
		links:     make(map[transport.Kind]*link),
		pending:   make(map[uint64]*pendingMsg),
		probes:    make(map[uuid.UUID]*probeWaiter),
		createdAt: time.Now(),
	}

	for _, ch := range channels {
		s.links[ch.Kind()] = &link{ch: ch, brk: breaker.New(ch.Kind())}
	}

	go s.run()
	return s
}

// OnStateChanged registers a callback invoked (from the session goroutine)
// after every state transition.
func (s *Session) OnStateChanged(fn func(old, new State)) {
	s.cbMu.Lock()
	s.onState = append(s.onState, fn)
	s.cbMu.Unlock()
}

// OnMessageFailed registers a callback for permanently failed messages
func (s *Session) OnMessageFailed(fn func(seq uint64, payload []byte, err error)) {
	s.cbMu.Lock()
	s.onFailed = append(s.onFailed, fn)
	s.cbMu.Unlock()
}

// Connect starts the handshake on every configured channel and waits until
// the session reaches Connected or Failed (or ctx expires; the attempt keeps
// running in the background in that case).
func (s *Session) Connect(ctx context.Context) error {
	done := make(chan error, 1)
	if !s.post(evConnect{done: done}) {
		return ErrSessionClosed
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return ErrSessionClosed
	}
}

// Submit hands one payload to the session for delivery. The returned future
// resolves on ack, permanent failure, or teardown. While no transport is
// available the payload queues locally instead of being dropped.
func (s *Session) Submit(ctx context.Context, payload []byte) (*Future, error) {
	if len(payload) > wire.MaxPayloadSize-8 {
		return nil, wire.ErrFrameTooBig
	}

	fut := newFuture()
	buf := make([]byte, len(payload))
	copy(buf, payload)

	if !s.post(evSubmit{payload: buf, fut: fut}) {
		return nil, ErrSessionClosed
	}

	select {
	case <-ctx.Done():
		return fut, ctx.Err()
	default:
		return fut, nil
	}
}

// NotifyConnectivity signals that a channel may have become available (for
// example the cable was re-plugged); a cache-only session retries binding.
func (s *Session) NotifyConnectivity() {
	s.post(evConnectivity{})
}

// Close tears the session down. With drain set, pending messages get a grace
// period to be acknowledged before the transports close.
func (s *Session) Close(ctx context.Context, drain bool) error {
	done := make(chan struct{})
	if !s.post(evClose{drain: drain, done: done}) {
		return nil // already closed
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Snapshot returns the session's observable state
func (s *Session) Snapshot() Snapshot {
	s.snapMu.RLock()
	defer s.snapMu.RUnlock()
	return s.snap
}

// ID returns the session id assigned by the server (zero until Connected)
func (s *Session) ID() uuid.UUID {
	return s.Snapshot().ID
}

// State returns the current lifecycle state
func (s *Session) State() State {
	return s.Snapshot().State
}

// post delivers an event to the actor; false when the session is gone
func (s *Session) post(ev event) bool {
	select {
	case s.inbox <- ev:
		return true
	case <-s.ctx.Done():
		return false
	}
}

// postAsync delivers from helper goroutines without ever blocking forever
func (s *Session) postAsync(ev event) {
	go s.post(ev)
}

// run is the session actor: every state mutation happens here
func (s *Session) run() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case ev := <-s.inbox:
			s.handle(ev)
			if s.draining && len(s.pending) == 0 {
				s.finishTeardown()
			}
			s.updateSnapshot()
			if s.terminated {
				if s.closeDone != nil {
					close(s.closeDone)
				}
				s.cancel()
				return
			}
		}
	}
}

func (s *Session) handle(ev event) {
	switch ev := ev.(type) {
	case evConnect:
		s.handleConnect(ev)
	case evSubmit:
		s.handleSubmit(ev)
	case evBindResult:
		s.handleBindResult(ev)
	case evFrame:
		s.handleFrame(ev)
	case evChannelErr:
		s.handleChannelErr(ev)
	case evReport:
		s.handleReport(ev)
	case evSendResult:
		s.handleSendResult(ev)
	case evAckTimeout:
		s.handleAckTimeout(ev)
	case evResend:
		s.handleResend(ev)
	case evRebind:
		s.handleRebind(ev)
	case evProbeStart:
		s.handleProbeStart(ev)
	case evProbeCancel:
		delete(s.probes, ev.id)
	case evReconnectDeadline:
		s.handleReconnectDeadline()
	case evCacheRetry:
		s.handleCacheRetry()
	case evConnectivity:
		s.handleCacheRetry()
	case evClose:
		s.handleClose(ev)
	case evDrainDeadline:
		s.finishTeardown()
	}
}

// setState performs one transition through the closed table. Illegal edges
// are a programming error and panic rather than corrupting the session.
func (s *Session) setState(to State) {
	if s.state == to {
		return
	}
	if !canTransition(s.state, to) {
		panic(&illegalTransitionError{from: s.state, to: to})
	}

	old := s.state
	s.state = to
	s.lastActivity = time.Now()

	log.Info().
		Str("device", s.cfg.DeviceID).
		Str("from", old.String()).
		Str("to", to.String()).
		Msg("session state changed")

	s.cbMu.Lock()
	cbs := make([]func(old, new State), len(s.onState))
	copy(cbs, s.onState)
	s.cbMu.Unlock()
	for _, fn := range cbs {
		fn(old, to)
	}

	// resolve the pending Connect call, if any
	if s.connectDone != nil && (to == StateConnected || to == StateFailed) {
		if to == StateFailed {
			s.connectDone <- &HandshakeError{Code: wire.ErrCodeInternal, Message: "no channel could be bound"}
		} else {
			s.connectDone <- nil
		}
		s.connectDone = nil
	}
}

func (s *Session) updateSnapshot() {
	channels := make([]ChannelInfo, 0, len(s.links))
	for kind, l := range s.links {
		channels = append(channels, ChannelInfo{
			Kind:    kind,
			Status:  l.ch.Status(),
			Score:   l.quality.Score,
			Breaker: l.brk.State(),
		})
	}

	s.snapMu.Lock()
	s.snap = Snapshot{
		ID:             s.id,
		DeviceID:       s.cfg.DeviceID,
		State:          s.state,
		Active:         s.active,
		CreatedAt:      s.createdAt,
		LastActivityAt: s.lastActivity,
		PendingCount:   len(s.pending),
		CachedCount:    len(s.cache),
		Failovers:      s.failovers,
		Channels:       channels,
	}
	s.snapMu.Unlock()
}
