// Package server implements the device-facing side of the link: TCP
// listeners for the cable bridge and the network transport, per-session
// frame handling, and fan-out of delivered payloads over NATS.
package server

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/nfclink-server/nfclink-server-pro/internal/auth"
	"github.com/nfclink-server/nfclink-server-pro/internal/config"
	"github.com/nfclink-server/nfclink-server-pro/internal/discovery"
	"github.com/nfclink-server/nfclink-server-pro/internal/registry"
	"github.com/nfclink-server/nfclink-server-pro/internal/storage"
	"github.com/nfclink-server/nfclink-server-pro/internal/transport"
)

// EventPublisher is the message bus surface the server uses. Satisfied by
// *nats.Conn.
type EventPublisher interface {
	Publish(subject string, data []byte) error
}

// Server accepts device connections on both transports
type Server struct {
	cfg   *config.Config
	store storage.Store
	jwt   *auth.JWTManager
	pub   EventPublisher

	handshakes *registry.Registry
	frames     *registry.Registry

	mu        sync.RWMutex
	byDevice  map[string]*deviceSession
	bySession map[uuid.UUID]*deviceSession

	cableLn net.Listener
	netLn   net.Listener
	ready   chan struct{}
	wg      sync.WaitGroup
}

// New creates a link server. pub may be nil when no message bus is wired.
func New(cfg *config.Config, store storage.Store, jwtm *auth.JWTManager, pub EventPublisher) *Server {
	return &Server{
		cfg:   cfg,
		store: store,
		jwt:   jwtm,
		pub:   pub,
		handshakes: registry.New(registry.Limits{
			Burst:         cfg.Registry.HandshakeBurst,
			RatePerSecond: cfg.Registry.HandshakeRate,
			BlockDuration: cfg.Registry.BlockDuration,
		}, cfg.Registry.Shards),
		frames: registry.New(registry.Limits{
			Burst:         cfg.Registry.FrameBurst,
			RatePerSecond: cfg.Registry.FrameRate,
			BlockDuration: cfg.Registry.BlockDuration,
		}, cfg.Registry.Shards),
		byDevice:  make(map[string]*deviceSession),
		bySession: make(map[uuid.UUID]*deviceSession),
		ready:     make(chan struct{}),
	}
}

// Start opens the listeners and blocks until ctx is cancelled
func (s *Server) Start(ctx context.Context) error {
	var err error

	s.cableLn, err = net.Listen("tcp", s.cfg.Link.CableBind)
	if err != nil {
		return fmt.Errorf("listen cable: %w", err)
	}
	s.netLn, err = net.Listen("tcp", s.cfg.Link.NetworkBind)
	if err != nil {
		s.cableLn.Close()
		return fmt.Errorf("listen network: %w", err)
	}

	close(s.ready)

	log.Info().
		Str("cable", s.cableLn.Addr().String()).
		Str("network", s.netLn.Addr().String()).
		Msg("link server listening")

	if s.cfg.Discovery.Enabled {
		_, portStr, _ := net.SplitHostPort(s.netLn.Addr().String())
		port, _ := strconv.Atoi(portStr)
		responder, err := discovery.NewResponder(
			fmt.Sprintf("%s:%d", s.cfg.Discovery.Bind, s.cfg.Discovery.Port),
			port, s.cfg.Link.ProtocolVersion, "token",
		)
		if err != nil {
			log.Warn().Err(err).Msg("discovery responder unavailable")
		} else {
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				responder.Start(ctx)
			}()
		}
	}

	s.wg.Add(3)
	go func() {
		defer s.wg.Done()
		s.acceptLoop(ctx, s.cableLn, transport.KindCable)
	}()
	go func() {
		defer s.wg.Done()
		s.acceptLoop(ctx, s.netLn, transport.KindNetwork)
	}()
	go func() {
		defer s.wg.Done()
		s.sweepLoop(ctx)
	}()

	<-ctx.Done()

	s.cableLn.Close()
	s.netLn.Close()
	s.closeAllSessions()
	s.wg.Wait()

	return ctx.Err()
}

// Ready is closed once both listeners are bound
func (s *Server) Ready() <-chan struct{} { return s.ready }

// CableAddr returns the bound cable listener address (tests bind port 0)
func (s *Server) CableAddr() string {
	if s.cableLn == nil {
		return ""
	}
	return s.cableLn.Addr().String()
}

// NetworkAddr returns the bound network listener address
func (s *Server) NetworkAddr() string {
	if s.netLn == nil {
		return ""
	}
	return s.netLn.Addr().String()
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener, kind transport.Kind) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn().Err(err).Str("channel", kind.String()).Msg("accept failed")
			select {
			case <-time.After(100 * time.Millisecond):
				continue
			case <-ctx.Done():
				return
			}
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(ctx, conn, kind)
		}()
	}
}

// handleConn runs the whole lifetime of one accepted transport connection
func (s *Server) handleConn(ctx context.Context, conn net.Conn, kind transport.Kind) {
	remote := conn.RemoteAddr().String()

	var bridgeSerial string
	if kind == transport.KindCable {
		serial, err := transport.AcceptBridgeHandshake(conn, s.cfg.Link.HandshakeTimeout)
		if err != nil {
			log.Warn().Err(err).Str("remote", remote).Msg("bridge preamble rejected")
			conn.Close()
			return
		}
		bridgeSerial = serial
	}

	ch := transport.NewServerChannel(kind, conn)
	defer ch.Close()

	sess, err := s.handshake(ctx, ch, remote, bridgeSerial)
	if err != nil {
		log.Warn().Err(err).Str("remote", remote).Str("channel", kind.String()).Msg("handshake failed")
		return
	}

	sess.serveChannel(ctx, ch)

	if sess.detachChannel(kind) == 0 {
		s.endSession(sess, "all transports closed")
	}
}

func (s *Server) lookupByDevice(deviceID string) *deviceSession {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.byDevice[deviceID]
}

// LookupSession finds a live session by its id (management API surface)
func (s *Server) LookupSession(id uuid.UUID) (*SessionStatus, bool) {
	s.mu.RLock()
	sess := s.bySession[id]
	s.mu.RUnlock()
	if sess == nil {
		return nil, false
	}
	status := sess.status()
	return &status, true
}

// ActiveSessions snapshots every live session
func (s *Server) ActiveSessions() []SessionStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]SessionStatus, 0, len(s.bySession))
	for _, sess := range s.bySession {
		out = append(out, sess.status())
	}
	return out
}

// DisconnectSession asks a live session to close (management API surface)
func (s *Server) DisconnectSession(id uuid.UUID) bool {
	s.mu.RLock()
	sess := s.bySession[id]
	s.mu.RUnlock()
	if sess == nil {
		return false
	}
	sess.requestDisconnect()
	return true
}

func (s *Server) registerSession(sess *deviceSession) {
	s.mu.Lock()
	s.byDevice[sess.deviceID] = sess
	s.bySession[sess.id] = sess
	s.mu.Unlock()
}

func (s *Server) endSession(sess *deviceSession, reason string) {
	s.mu.Lock()
	if s.byDevice[sess.deviceID] == sess {
		delete(s.byDevice, sess.deviceID)
	}
	delete(s.bySession, sess.id)
	s.mu.Unlock()

	sess.close(reason)
}

func (s *Server) closeAllSessions() {
	s.mu.Lock()
	sessions := make([]*deviceSession, 0, len(s.bySession))
	for _, sess := range s.bySession {
		sessions = append(sessions, sess)
	}
	s.byDevice = make(map[string]*deviceSession)
	s.bySession = make(map[uuid.UUID]*deviceSession)
	s.mu.Unlock()

	for _, sess := range sessions {
		sess.close("server shutdown")
	}
}

// sweepLoop reaps idle sessions and stale limiter entries
func (s *Server) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.handshakes.Sweep(10 * time.Minute)
			s.frames.Sweep(10 * time.Minute)

			cutoff := time.Now().Add(-s.cfg.Link.IdleTimeout)
			s.mu.RLock()
			var idle []*deviceSession
			for _, sess := range s.bySession {
				if sess.lastActivityTime().Before(cutoff) {
					idle = append(idle, sess)
				}
			}
			s.mu.RUnlock()

			for _, sess := range idle {
				log.Info().Str("device", sess.deviceID).Msg("reaping idle session")
				s.endSession(sess, "idle timeout")
			}
		}
	}
}
