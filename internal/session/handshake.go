package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/nfclink-server/nfclink-server-pro/internal/heartbeat"
	"github.com/nfclink-server/nfclink-server-pro/internal/transport"
	"github.com/nfclink-server/nfclink-server-pro/pkg/wire"
)

// startBind launches a bind+handshake attempt for one channel. The result
// comes back through the inbox; the helper goroutine never touches actor
// state directly.
func (s *Session) startBind(kind transport.Kind, attempts int) {
	l, ok := s.links[kind]
	if !ok || l.running || l.binding {
		return
	}
	l.binding = true

	go func() {
		var lastErr error
		for i := 0; i < attempts; i++ {
			if s.ctx.Err() != nil {
				return
			}
			if i > 0 {
				select {
				case <-time.After(s.cfg.RebindInterval):
				case <-s.ctx.Done():
					return
				}
			}

			if err := l.ch.Bind(s.ctx); err != nil {
				lastErr = err
				continue
			}

			ack, err := s.handshake(l.ch)
			if err == nil {
				s.post(evBindResult{kind: kind, ack: ack})
				return
			}
			lastErr = err
			l.ch.Close()

			// a rejection with an error code will not heal by retrying
			var he *HandshakeError
			if errors.As(err, &he) {
				break
			}
		}
		s.post(evBindResult{kind: kind, err: lastErr})
	}()
}

// handshake runs the HANDSHAKE exchange on a freshly bound channel
func (s *Session) handshake(ch transport.Channel) (*wire.HandshakeAck, error) {
	token, err := s.creds.CurrentToken()
	if err != nil {
		return nil, fmt.Errorf("get credential: %w", err)
	}

	payload, err := wire.MarshalPayload(&wire.HandshakeRequest{
		DeviceID:        s.cfg.DeviceID,
		ProtocolVersion: s.cfg.ProtocolVersion,
		Credential:      token,
	})
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.HandshakeTimeout)
	defer cancel()

	if err := ch.Send(ctx, wire.NewFrame(wire.TypeHandshake, payload)); err != nil {
		return nil, fmt.Errorf("send handshake: %w", err)
	}

	for {
		frame, err := ch.Recv(ctx)
		if err != nil {
			return nil, fmt.Errorf("await handshake ack: %w", err)
		}

		switch frame.Type {
		case wire.TypeHandshake:
			var ack wire.HandshakeAck
			if err := wire.UnmarshalPayload(frame.Payload, &ack); err != nil {
				return nil, fmt.Errorf("decode handshake ack: %w", err)
			}
			return &ack, nil
		case wire.TypeError:
			var ep wire.ErrorPayload
			if err := wire.UnmarshalPayload(frame.Payload, &ep); err != nil {
				return nil, fmt.Errorf("decode handshake error: %w", err)
			}
			return nil, &HandshakeError{Code: ep.Code, Message: ep.Message}
		default:
			// stale frame from a previous bind, skip it
		}
	}
}

// startLinkIO spins up the reader and heartbeat monitor for a bound channel
func (s *Session) startLinkIO(kind transport.Kind) {
	l := s.links[kind]
	if l == nil || l.running {
		return
	}

	ctx, cancel := context.WithCancel(s.ctx)
	l.cancelIO = cancel
	l.running = true
	l.quality = heartbeat.Quality{Score: 100, Health: heartbeat.HealthOK, Eligible: true}

	var signal heartbeat.SignalFunc
	if kind == transport.KindNetwork && s.cfg.SignalStrength != nil {
		signal = s.cfg.SignalStrength
	}
	l.monitor = heartbeat.NewMonitor(kind, s.cfg.HeartbeatInterval, s.probeFunc(kind), signal, func(rep heartbeat.Report) {
		s.post(evReport{report: rep})
	})

	go l.monitor.Run(ctx)
	go s.readLoop(ctx, kind, l.ch)
}

// stopLinkIO halts the reader and monitor; the channel itself may stay open
func (s *Session) stopLinkIO(kind transport.Kind) {
	l := s.links[kind]
	if l == nil || !l.running {
		return
	}
	l.cancelIO()
	l.cancelIO = nil
	l.monitor = nil
	l.running = false
}

func (s *Session) readLoop(ctx context.Context, kind transport.Kind, ch transport.Channel) {
	for {
		frame, err := ch.Recv(ctx)
		if err != nil {
			if ctx.Err() == nil {
				s.post(evChannelErr{kind: kind, err: err})
			}
			return
		}
		if !s.post(evFrame{kind: kind, frame: frame}) {
			return
		}
	}
}

// probeFunc builds the heartbeat probe for one channel. The round trip runs
// through the actor so the reply correlates against the shared reader.
func (s *Session) probeFunc(kind transport.Kind) heartbeat.ProbeFunc {
	return func(ctx context.Context) (time.Duration, error) {
		id := uuid.New()
		reply := make(chan time.Duration, 1)
		if !s.post(evProbeStart{kind: kind, id: id, reply: reply}) {
			return 0, ErrSessionClosed
		}

		select {
		case rtt := <-reply:
			return rtt, nil
		case <-ctx.Done():
			s.postAsync(evProbeCancel{id: id})
			return 0, ctx.Err()
		}
	}
}

func (s *Session) handleProbeStart(ev evProbeStart) {
	l := s.links[ev.kind]
	if l == nil || !l.running {
		return // waiter times out on its own
	}

	payload, err := wire.MarshalPayload(&wire.HeartbeatRequest{
		Timestamp: time.Now().UnixMilli(),
		SessionID: s.id.String(),
		Metrics: wire.ClientMetrics{
			LatencyMs: l.quality.LatencyMs,
			JitterMs:  l.quality.JitterMs,
			LossRatio: l.quality.LossRatio,
			SignalDBm: l.quality.SignalDBm,
		},
	})
	if err != nil {
		log.Error().Err(err).Msg("marshal heartbeat")
		return
	}

	frame := wire.NewFrame(wire.TypeHeartbeat, payload)
	frame.MessageID = ev.id
	s.probes[ev.id] = &probeWaiter{kind: ev.kind, start: time.Now(), reply: ev.reply}

	go func() {
		ctx, cancel := context.WithTimeout(s.ctx, s.cfg.AckTimeout)
		defer cancel()
		if err := l.ch.Send(ctx, frame); err != nil {
			s.postAsync(evProbeCancel{id: ev.id})
		}
	}()
}
