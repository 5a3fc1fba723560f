package session

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/nfclink-server/nfclink-server-pro/internal/failover"
	"github.com/nfclink-server/nfclink-server-pro/internal/heartbeat"
	"github.com/nfclink-server/nfclink-server-pro/internal/transport"
	"github.com/nfclink-server/nfclink-server-pro/pkg/wire"
)

func (s *Session) handleConnect(ev evConnect) {
	if s.state != StateDisconnected {
		ev.done <- fmt.Errorf("connect from state %s", s.state)
		return
	}
	if len(s.links) == 0 {
		ev.done <- fmt.Errorf("no channels configured")
		return
	}

	s.connectDone = ev.done
	s.setState(StateConnecting)
	s.connectPending = len(s.links)
	for kind := range s.links {
		s.startBind(kind, s.cfg.HandshakeAttempts)
	}
}

func (s *Session) handleSubmit(ev evSubmit) {
	if s.draining || s.state == StateFailed {
		ev.fut.resolve(0, ErrSessionClosed)
		return
	}

	s.nextSeq++
	m := &pendingMsg{
		seq:     s.nextSeq,
		msgID:   uuid.New(),
		payload: ev.payload,
		fut:     ev.fut,
	}

	if (s.state == StateConnected || s.state == StateDegraded) && s.active != transport.KindNone {
		s.pending[m.seq] = m
		s.dispatch(m)
		return
	}
	s.enqueueCache(m)
}

// enqueueCache holds a message locally until a transport comes back
func (s *Session) enqueueCache(m *pendingMsg) {
	if len(s.cache) >= s.cfg.CacheQueueSize {
		m.fut.resolve(m.seq, ErrQueueFull)
		s.notifyFailed(m, ErrQueueFull)
		return
	}
	s.cache = append(s.cache, m)
}

// dispatch sends one pending message on the active channel. Each call burns
// one attempt; attempts carry across channels.
func (s *Session) dispatch(m *pendingMsg) {
	l := s.links[s.active]
	if l == nil || !l.running {
		delete(s.pending, m.seq)
		m.stopTimer()
		s.enqueueCache(m)
		return
	}

	if err := l.brk.Allow(); err != nil {
		// circuit open: hold the message without burning an attempt
		seq := m.seq
		m.timer = time.AfterFunc(time.Second, func() { s.post(evResend{seq: seq}) })
		return
	}

	m.attempts++
	m.sentOn = s.active
	m.sentAt = time.Now()

	frame := wire.NewFrame(wire.TypeData, wire.EncodeDataPayload(m.seq, m.payload))
	frame.MessageID = m.msgID

	seq, kind, started := m.seq, m.sentOn, m.sentAt
	go func() {
		ctx, cancel := context.WithTimeout(s.ctx, s.cfg.AckTimeout)
		defer cancel()
		if err := l.ch.Send(ctx, frame); err != nil {
			s.post(evSendResult{seq: seq, kind: kind, elapsed: time.Since(started), err: err})
		}
	}()

	m.timer = time.AfterFunc(s.cfg.AckTimeout, func() { s.post(evAckTimeout{seq: seq}) })
}

func (s *Session) handleSendResult(ev evSendResult) {
	m := s.pending[ev.seq]
	if m == nil || m.sentOn != ev.kind {
		return // stale: already acked or re-sent elsewhere
	}
	if l := s.links[ev.kind]; l != nil {
		l.brk.RecordFailure(ev.elapsed)
	}
	m.stopTimer()
	s.scheduleRetry(m)
}

func (s *Session) handleAckTimeout(ev evAckTimeout) {
	m := s.pending[ev.seq]
	if m == nil {
		return
	}
	if l := s.links[m.sentOn]; l != nil {
		l.brk.RecordFailure(s.cfg.AckTimeout)
	}
	s.scheduleRetry(m)
}

func (s *Session) handleResend(ev evResend) {
	m := s.pending[ev.seq]
	if m == nil {
		return
	}
	m.timer = nil
	if s.state == StateConnected || s.state == StateDegraded {
		s.dispatch(m)
	}
	// otherwise the message waits pending until reconnect
}

func (s *Session) scheduleRetry(m *pendingMsg) {
	m.stopTimer()
	if s.cfg.Retry.Exhausted(m.attempts) {
		s.failMessage(m, ErrDeliveryFailed)
		return
	}

	delay := s.cfg.Retry.Backoff(m.attempts + 1)
	if delay == 0 {
		s.dispatch(m)
		return
	}
	seq := m.seq
	m.timer = time.AfterFunc(delay, func() { s.post(evResend{seq: seq}) })
}

func (s *Session) failMessage(m *pendingMsg, err error) {
	delete(s.pending, m.seq)
	m.stopTimer()
	m.fut.resolve(m.seq, err)
	s.notifyFailed(m, err)

	log.Warn().
		Str("device", s.cfg.DeviceID).
		Uint64("seq", m.seq).
		Int("attempts", m.attempts).
		Err(err).
		Msg("message delivery failed")
}

func (s *Session) notifyFailed(m *pendingMsg, err error) {
	s.cbMu.Lock()
	cbs := make([]func(seq uint64, payload []byte, err error), len(s.onFailed))
	copy(cbs, s.onFailed)
	s.cbMu.Unlock()
	for _, fn := range cbs {
		fn(m.seq, m.payload, err)
	}
}

func (s *Session) handleBindResult(ev evBindResult) {
	l := s.links[ev.kind]
	if l == nil {
		return
	}
	l.binding = false
	if s.connectPending > 0 {
		s.connectPending--
	}

	if ev.err != nil {
		log.Warn().
			Str("device", s.cfg.DeviceID).
			Str("channel", ev.kind.String()).
			Err(ev.err).
			Msg("bind failed")

		switch s.state {
		case StateConnecting:
			if s.connectPending == 0 && s.active == transport.KindNone {
				s.setState(StateFailed)
				s.failAll(ErrSessionClosed)
			}
		case StateReconnecting, StateDegraded:
			kind := ev.kind
			time.AfterFunc(s.cfg.RebindInterval, func() { s.post(evRebind{kind: kind}) })
		}
		return
	}

	if s.state == StateFailed || s.state == StateDisconnected || s.draining {
		l.ch.Close()
		return
	}

	if sid, err := uuid.Parse(ev.ack.SessionID); err == nil {
		s.id = sid
	}
	s.startLinkIO(ev.kind)
	s.lastActivity = time.Now()

	log.Info().
		Str("device", s.cfg.DeviceID).
		Str("channel", ev.kind.String()).
		Str("session", s.id.String()).
		Msg("channel bound")

	switch s.state {
	case StateConnecting:
		if s.active == transport.KindNone {
			s.active = ev.kind
			s.setState(StateConnected)
			s.flushCache()
		} else {
			l.ch.SetStatus(transport.StatusStandby)
		}
	case StateReconnecting:
		s.stopReconnectTimer()
		s.active = ev.kind
		s.setState(StateConnected)
		s.redispatchIdle()
		s.flushCache()
	case StateCacheOnly:
		// late result from an earlier attempt, still good
		s.stopCacheTimer()
		s.active = ev.kind
		s.setState(StateReconnecting)
		s.setState(StateConnected)
		s.redispatchIdle()
		s.flushCache()
	case StateDegraded:
		l.ch.SetStatus(transport.StatusStandby)
		s.evaluateFailover()
	case StateConnected:
		l.ch.SetStatus(transport.StatusStandby)
	}
}

func (s *Session) handleRebind(ev evRebind) {
	if s.state != StateReconnecting && s.state != StateDegraded {
		return
	}
	if s.state == StateDegraded && ev.kind == s.active {
		return
	}
	s.startBind(ev.kind, 1)
}

func (s *Session) handleFrame(ev evFrame) {
	s.lastActivity = time.Now()
	frame := ev.frame

	switch frame.Type {
	case wire.TypeAck:
		var ack wire.AckPayload
		if err := wire.UnmarshalPayload(frame.Payload, &ack); err != nil {
			return
		}
		m := s.pending[ack.Sequence]
		if m == nil {
			return // duplicate ack
		}
		if l := s.links[m.sentOn]; l != nil {
			l.brk.RecordSuccess(time.Since(m.sentAt))
		}
		m.stopTimer()
		delete(s.pending, m.seq)
		m.fut.resolve(m.seq, nil)

	case wire.TypeHeartbeat:
		w := s.probes[frame.MessageID]
		if w == nil {
			return
		}
		delete(s.probes, frame.MessageID)
		select {
		case w.reply <- time.Since(w.start):
		default:
		}
		var ack wire.HeartbeatAck
		if err := wire.UnmarshalPayload(frame.Payload, &ack); err == nil && ack.NextIntervalHint > 0 {
			if l := s.links[w.kind]; l != nil && l.monitor != nil {
				l.monitor.SetInterval(time.Duration(ack.NextIntervalHint) * time.Second)
			}
		}

	case wire.TypeError:
		var ep wire.ErrorPayload
		if err := wire.UnmarshalPayload(frame.Payload, &ep); err != nil {
			return
		}
		log.Warn().
			Str("device", s.cfg.DeviceID).
			Int("code", ep.Code).
			Str("message", ep.Message).
			Msg("server error frame")
		if ep.Code == wire.ErrCodeUnknownSession && (s.state == StateConnected || s.state == StateDegraded) {
			// server no longer knows us, the whole session must be re-established
			if s.state == StateConnected {
				s.setState(StateDegraded)
			}
			s.enterReconnecting()
		}

	case wire.TypeDisconnect:
		log.Info().Str("device", s.cfg.DeviceID).Msg("server requested disconnect")
		s.finishTeardown()
	}
}

func (s *Session) handleChannelErr(ev evChannelErr) {
	l := s.links[ev.kind]
	if l == nil || !l.running {
		return
	}

	log.Warn().
		Str("device", s.cfg.DeviceID).
		Str("channel", ev.kind.String()).
		Err(ev.err).
		Msg("channel reader stopped")

	s.stopLinkIO(ev.kind)
	l.ch.Close()
	l.ch.SetStatus(transport.StatusFailed)
	l.quality = heartbeat.Quality{Health: heartbeat.HealthFailed}

	for id, w := range s.probes {
		if w.kind == ev.kind {
			delete(s.probes, id)
		}
	}

	if ev.kind == s.active && (s.state == StateConnected || s.state == StateDegraded) {
		s.evaluateFailover()
	}
}

func (s *Session) handleReport(ev evReport) {
	l := s.links[ev.report.Kind]
	if l == nil || !l.running {
		return
	}
	l.quality = ev.report.Quality

	switch l.quality.Health {
	case heartbeat.HealthFailed:
		l.ch.SetStatus(transport.StatusFailed)
	case heartbeat.HealthDegraded:
		l.ch.SetStatus(transport.StatusDegraded)
	default:
		if ev.report.Kind == s.active {
			l.ch.SetStatus(transport.StatusBound)
		} else {
			l.ch.SetStatus(transport.StatusStandby)
		}
	}

	if s.state == StateConnected || s.state == StateDegraded {
		s.evaluateFailover()
	}
}

// evaluateFailover consults the controller and acts on its decision
func (s *Session) evaluateFailover() {
	views := make([]failover.ChannelView, 0, len(s.links))
	for kind, l := range s.links {
		views = append(views, failover.ChannelView{
			Kind:     kind,
			Status:   l.ch.Status(),
			Score:    l.quality.Score,
			Eligible: l.quality.Eligible,
		})
	}

	d := s.ctrl.SelectActive(views, s.active)
	switch {
	case d.Target == transport.KindNone:
		s.noUsableChannel()
	case d.Target != s.active:
		s.migrate(d.Target, d.Reason)
	default:
		if s.state == StateDegraded && s.links[s.active].quality.Health == heartbeat.HealthOK {
			s.setState(StateConnected)
		}
	}
}

func (s *Session) noUsableChannel() {
	if s.state == StateConnected {
		s.setState(StateDegraded)
		s.warmStandby()
	}
	if s.state == StateDegraded && s.activeDead() {
		s.enterReconnecting()
	}
}

// activeDead reports whether the active channel is beyond degraded
func (s *Session) activeDead() bool {
	l := s.links[s.active]
	if l == nil || !l.running {
		return true
	}
	return l.quality.Health == heartbeat.HealthFailed || l.ch.Status() == transport.StatusFailed
}

// warmStandby starts binding every channel that is not already up
func (s *Session) warmStandby() {
	for kind, l := range s.links {
		if kind == s.active || l.running || l.binding {
			continue
		}
		s.startBind(kind, 1)
	}
}

// migrate switches the active channel and re-sends what was in flight on the
// old one. Attempt counts carry over, the schedule does not restart.
func (s *Session) migrate(target transport.Kind, reason string) {
	old := s.active

	log.Info().
		Str("device", s.cfg.DeviceID).
		Str("from", old.String()).
		Str("to", target.String()).
		Str("reason", reason).
		Msg("failing over")

	if s.state == StateConnected {
		s.setState(StateDegraded)
	}

	s.active = target
	s.failovers++
	s.links[target].ch.SetStatus(transport.StatusBound)

	if ol := s.links[old]; ol != nil && old != transport.KindNone {
		if ol.running && ol.quality.Health != heartbeat.HealthFailed {
			ol.ch.SetStatus(transport.StatusStandby)
		}
	}

	for _, m := range s.pending {
		if m.sentOn != old {
			continue
		}
		m.stopTimer()
		if s.cfg.Retry.Exhausted(m.attempts) {
			s.failMessage(m, ErrDeliveryFailed)
			continue
		}
		s.dispatch(m)
	}

	if s.state == StateDegraded {
		s.setState(StateConnected)
	}
}

// enterReconnecting tears the transports down and starts fresh bind attempts
// under the reconnect deadline
func (s *Session) enterReconnecting() {
	s.setState(StateReconnecting)
	s.active = transport.KindNone

	for kind, l := range s.links {
		s.stopLinkIO(kind)
		l.ch.Close()
		l.quality = heartbeat.Quality{}
	}
	s.probes = make(map[uuid.UUID]*probeWaiter)
	for _, m := range s.pending {
		m.stopTimer()
	}

	s.startReconnectAttempts()
}

func (s *Session) startReconnectAttempts() {
	for kind := range s.links {
		s.startBind(kind, 1)
	}
	s.stopReconnectTimer()
	s.reconnectTimer = time.AfterFunc(s.cfg.ReconnectDeadline, func() { s.post(evReconnectDeadline{}) })
}

func (s *Session) handleReconnectDeadline() {
	if s.state != StateReconnecting {
		return
	}
	s.setState(StateCacheOnly)
	s.stopCacheTimer()
	s.cacheTimer = time.AfterFunc(s.cfg.CacheRetryInterval, func() { s.post(evCacheRetry{}) })
}

func (s *Session) handleCacheRetry() {
	if s.state != StateCacheOnly {
		return
	}
	s.stopCacheTimer()
	s.setState(StateReconnecting)
	s.startReconnectAttempts()
}

// flushCache re-submits everything queued while no transport was available.
// Sequence numbers were assigned at submit time, so order holds.
func (s *Session) flushCache() {
	queued := s.cache
	s.cache = nil
	for _, m := range queued {
		s.pending[m.seq] = m
		s.dispatch(m)
	}
}

// redispatchIdle re-sends pending messages left without a timer by an outage
func (s *Session) redispatchIdle() {
	for _, m := range s.pending {
		if m.timer == nil {
			s.dispatch(m)
		}
	}
}

func (s *Session) handleClose(ev evClose) {
	if s.closeDone != nil {
		close(ev.done)
		return
	}
	s.closeDone = ev.done

	if ev.drain && len(s.pending) > 0 && (s.state == StateConnected || s.state == StateDegraded) {
		s.draining = true
		s.drainTimer = time.AfterFunc(s.cfg.DrainTimeout, func() { s.post(evDrainDeadline{}) })
		return
	}
	s.finishTeardown()
}

// finishTeardown closes every channel and resolves whatever was still queued
func (s *Session) finishTeardown() {
	if s.terminated {
		return
	}

	s.draining = false
	s.stopReconnectTimer()
	s.stopCacheTimer()
	if s.drainTimer != nil {
		s.drainTimer.Stop()
		s.drainTimer = nil
	}

	// best-effort goodbye on the active channel
	if l := s.links[s.active]; s.active != transport.KindNone && l != nil && l.running {
		ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
		_ = l.ch.Send(ctx, wire.NewFrame(wire.TypeDisconnect, nil))
		cancel()
	}

	for kind, l := range s.links {
		s.stopLinkIO(kind)
		l.ch.Close()
	}

	s.failAll(ErrSessionClosed)
	s.probes = make(map[uuid.UUID]*probeWaiter)
	s.active = transport.KindNone
	s.setState(StateDisconnected)
	s.terminated = true
}

func (s *Session) failAll(err error) {
	for _, m := range s.pending {
		m.stopTimer()
		m.fut.resolve(m.seq, err)
	}
	s.pending = make(map[uint64]*pendingMsg)
	for _, m := range s.cache {
		m.fut.resolve(m.seq, err)
	}
	s.cache = nil
}

func (s *Session) stopReconnectTimer() {
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
		s.reconnectTimer = nil
	}
}

func (s *Session) stopCacheTimer() {
	if s.cacheTimer != nil {
		s.cacheTimer.Stop()
		s.cacheTimer = nil
	}
}
