package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/nfclink-server/nfclink-server-pro/internal/models"
	"github.com/nfclink-server/nfclink-server-pro/internal/registry"
	"github.com/nfclink-server/nfclink-server-pro/internal/storage"
	"github.com/nfclink-server/nfclink-server-pro/internal/transport"
	"github.com/nfclink-server/nfclink-server-pro/pkg/wire"
)

// sessionCapabilities is advertised in every handshake ack
var sessionCapabilities = []string{"data", "heartbeat", "failover"}

const storeTimeout = 5 * time.Second

// deviceSession is the server-side view of one device session. A session
// outlives individual transport connections: both the cable and network
// channel of a device attach to the same session and share its id.
type deviceSession struct {
	srv      *Server
	id       uuid.UUID
	deviceID string
	started  time.Time

	mu           sync.Mutex
	channels     map[transport.Kind]transport.Channel
	active       transport.Kind
	lastActivity time.Time
	lastMetrics  wire.ClientMetrics
	failovers    int
	closed       bool
}

// SessionStatus is a point-in-time snapshot of a live session
type SessionStatus struct {
	SessionID    uuid.UUID          `json:"sessionID"`
	DeviceID     string             `json:"deviceID"`
	Active       string             `json:"activeTransport"`
	Transports   []string           `json:"transports"`
	ConnectedAt  time.Time          `json:"connectedAt"`
	LastActivity time.Time          `json:"lastActivity"`
	Failovers    int                `json:"failovers"`
	Metrics      wire.ClientMetrics `json:"metrics"`
}

// DeliveredEvent is the JSON body published to NATS for every accepted
// DATA frame, on subject link.<deviceID>.rx
type DeliveredEvent struct {
	DeviceID   string    `json:"deviceID"`
	SessionID  uuid.UUID `json:"sessionID"`
	Sequence   uint64    `json:"sequence"`
	Transport  string    `json:"transport"`
	Payload    []byte    `json:"payload"`
	ReceivedAt time.Time `json:"receivedAt"`
}

// SessionEvent is the JSON body published on link.session.<state> when a
// session opens, migrates transports, or closes
type SessionEvent struct {
	DeviceID  string    `json:"deviceID"`
	SessionID uuid.UUID `json:"sessionID"`
	State     string    `json:"state"`
	Transport string    `json:"transport,omitempty"`
	At        time.Time `json:"at"`
}

// handshake reads and validates the opening frame of a new connection.
// On success the channel is attached to an existing session for the device
// or a fresh one, and the ack carries the session id either way.
func (s *Server) handshake(ctx context.Context, ch transport.Channel, remote, bridgeSerial string) (*deviceSession, error) {
	hsCtx, cancel := context.WithTimeout(ctx, s.cfg.Link.HandshakeTimeout)
	defer cancel()

	frame, err := ch.Recv(hsCtx)
	if err != nil {
		return nil, fmt.Errorf("read handshake: %w", err)
	}
	if frame.Type != wire.TypeHandshake {
		return nil, fmt.Errorf("expected handshake, got %s", wire.TypeName(frame.Type))
	}

	var req wire.HandshakeRequest
	if err := wire.UnmarshalPayload(frame.Payload, &req); err != nil {
		return nil, err
	}

	if err := s.handshakes.Allow(remote); err != nil {
		s.sendError(hsCtx, ch, wire.ErrCodeRateLimited, "handshake rate exceeded")
		return nil, fmt.Errorf("handshake from %s: %w", remote, err)
	}

	if req.ProtocolVersion != s.cfg.Link.ProtocolVersion {
		s.sendError(hsCtx, ch, wire.ErrCodeBadVersion,
			fmt.Sprintf("protocol version %d not supported", req.ProtocolVersion))
		return nil, fmt.Errorf("device %s: unsupported protocol version %d", req.DeviceID, req.ProtocolVersion)
	}

	if err := s.authenticate(hsCtx, &req); err != nil {
		s.sendError(hsCtx, ch, wire.ErrCodeBadCredential, "credential rejected")
		s.logEvent(&req.DeviceID, nil, models.EventTypeHandshake, models.EventLevelWarning,
			"CREDENTIAL_REJECTED", err.Error(), nil)
		return nil, fmt.Errorf("device %s: %w", req.DeviceID, err)
	}

	kind := ch.Kind()
	connType := connTypeFor(kind)

	sess, attached, err := s.attachOrCreate(&req, ch, kind)
	if err != nil {
		s.sendError(hsCtx, ch, wire.ErrCodeInternal, "session setup failed")
		return nil, err
	}

	ack, err := wire.MarshalPayload(wire.HandshakeAck{
		SessionID:    sess.id.String(),
		Capabilities: sessionCapabilities,
	})
	if err != nil {
		return nil, err
	}
	if err := ch.Send(hsCtx, wire.NewFrame(wire.TypeHandshake, ack)); err != nil {
		if sess.detachChannel(kind) == 0 {
			s.endSession(sess, "handshake ack failed")
		}
		return nil, fmt.Errorf("send handshake ack: %w", err)
	}

	stCtx, stCancel := context.WithTimeout(context.Background(), storeTimeout)
	defer stCancel()

	if err := s.store.TouchDeviceSeen(stCtx, req.DeviceID, connType, time.Now().UTC()); err != nil {
		log.Warn().Err(err).Str("device", req.DeviceID).Msg("update device last seen failed")
	}

	if !attached {
		record := &models.ConnectionRecord{
			ID:             uuid.New(),
			SessionID:      sess.id,
			DeviceID:       req.DeviceID,
			ConnectionType: connType,
			IsActive:       true,
			ConnectedAt:    sess.started,
		}
		if kind == transport.KindCable && bridgeSerial != "" {
			record.BridgeSerial = &bridgeSerial
		}
		if kind == transport.KindNetwork {
			record.IPAddress = &remote
		}
		if err := s.store.CreateConnection(stCtx, record); err != nil {
			log.Error().Err(err).Str("device", req.DeviceID).Msg("create connection record failed")
		}
	}

	s.logEvent(&req.DeviceID, &sess.id, models.EventTypeHandshake, models.EventLevelInfo,
		"SESSION_OPEN", fmt.Sprintf("handshake accepted on %s", kind), models.Variables{
			"transport": kind.String(),
			"attached":  attached,
		})

	state := "open"
	if attached {
		state = "attach"
	}
	sess.publishState(state, kind.String())

	log.Info().
		Str("device", req.DeviceID).
		Str("session", sess.id.String()).
		Str("channel", kind.String()).
		Bool("attached", attached).
		Msg("handshake accepted")

	return sess, nil
}

// authenticate accepts either a server-issued JWT or the device's raw
// secret. A JWT is valid on its own; a raw secret requires a registered,
// enabled device row with a matching hash.
func (s *Server) authenticate(ctx context.Context, req *wire.HandshakeRequest) error {
	if req.DeviceID == "" || req.Credential == "" {
		return errors.New("missing device id or credential")
	}

	if claims, err := s.jwt.ValidateDeviceToken(req.Credential); err == nil {
		if claims.DeviceID != req.DeviceID {
			return errors.New("token issued for a different device")
		}
		return s.ensureDeviceRow(ctx, req.DeviceID)
	}

	device, err := s.store.GetDeviceByDeviceID(ctx, req.DeviceID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return errors.New("unknown device")
		}
		return fmt.Errorf("device lookup: %w", err)
	}
	if device.IsDisabled {
		return errors.New("device disabled")
	}
	if !s.jwt.VerifySecret(req.Credential, device.SecretHash) {
		return errors.New("secret mismatch")
	}
	return nil
}

// ensureDeviceRow auto-registers a device the first time a valid token for
// it is presented. Token issuance is the admission decision; the row just
// anchors connection history.
func (s *Server) ensureDeviceRow(ctx context.Context, deviceID string) error {
	device, err := s.store.GetDeviceByDeviceID(ctx, deviceID)
	if err == nil {
		if device.IsDisabled {
			return errors.New("device disabled")
		}
		return nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("device lookup: %w", err)
	}

	err = s.store.CreateDevice(ctx, &models.Device{
		DeviceID: deviceID,
		Name:     deviceID,
	})
	if err != nil && !errors.Is(err, storage.ErrDuplicateKey) {
		return fmt.Errorf("auto-register device: %w", err)
	}
	return nil
}

// attachOrCreate joins the channel to the device's live session, creating
// one if none exists. Returns attached=true when the session already ran.
func (s *Server) attachOrCreate(req *wire.HandshakeRequest, ch transport.Channel, kind transport.Kind) (*deviceSession, bool, error) {
	if existing := s.lookupByDevice(req.DeviceID); existing != nil {
		if existing.attachChannel(kind, ch) {
			return existing, true, nil
		}
		// Session raced to close; fall through and start fresh
	}

	if max := s.cfg.Link.MaxSessions; max > 0 {
		s.mu.RLock()
		n := len(s.bySession)
		s.mu.RUnlock()
		if n >= max {
			return nil, false, fmt.Errorf("session limit %d reached", max)
		}
	}

	sess := &deviceSession{
		srv:          s,
		id:           uuid.New(),
		deviceID:     req.DeviceID,
		started:      time.Now().UTC(),
		channels:     map[transport.Kind]transport.Channel{kind: ch},
		active:       kind,
		lastActivity: time.Now().UTC(),
	}
	s.registerSession(sess)
	return sess, false, nil
}

func (s *Server) sendError(ctx context.Context, ch transport.Channel, code int, msg string) {
	payload, err := wire.MarshalPayload(wire.ErrorPayload{Code: code, Message: msg})
	if err != nil {
		return
	}
	sendCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := ch.Send(sendCtx, wire.NewFrame(wire.TypeError, payload)); err != nil {
		log.Debug().Err(err).Msg("error reply not delivered")
	}
}

func (s *Server) logEvent(deviceID *string, sessionID *uuid.UUID, typ models.EventType, level models.EventLevel, code, desc string, details models.Variables) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	err := s.store.CreateEventLog(ctx, &models.EventLog{
		DeviceID:    deviceID,
		SessionID:   sessionID,
		Type:        typ,
		Level:       level,
		Code:        code,
		Description: desc,
		Details:     details,
	})
	if err != nil {
		log.Warn().Err(err).Str("code", code).Msg("event log write failed")
	}
}

func connTypeFor(kind transport.Kind) models.ConnectionType {
	if kind == transport.KindCable {
		return models.ConnectionTypeCable
	}
	return models.ConnectionTypeNetwork
}

// serveChannel reads frames off one attached channel until it fails or the
// server shuts down
func (sess *deviceSession) serveChannel(ctx context.Context, ch transport.Channel) {
	kind := ch.Kind()
	for {
		frame, err := ch.Recv(ctx)
		if err != nil {
			if ctx.Err() == nil {
				log.Debug().Err(err).
					Str("device", sess.deviceID).
					Str("channel", kind.String()).
					Msg("channel closed")
			}
			return
		}

		switch frame.Type {
		case wire.TypeHeartbeat:
			sess.handleHeartbeat(ctx, ch, frame)
		case wire.TypeData:
			if done := sess.handleData(ctx, ch, kind, frame); done {
				return
			}
		case wire.TypeDisconnect:
			sess.handleDisconnect()
			return
		case wire.TypeError:
			var ep wire.ErrorPayload
			if wire.UnmarshalPayload(frame.Payload, &ep) == nil {
				log.Warn().Int("code", ep.Code).Str("message", ep.Message).
					Str("device", sess.deviceID).Msg("client reported error")
			}
		default:
			log.Debug().Str("type", wire.TypeName(frame.Type)).
				Str("device", sess.deviceID).Msg("ignoring unexpected frame")
		}
	}
}

// handleHeartbeat echoes the probe's message id so the client can match the
// reply to its round trip, and suggests the next probe interval from the
// reported link quality.
func (sess *deviceSession) handleHeartbeat(ctx context.Context, ch transport.Channel, frame *wire.Frame) {
	var req wire.HeartbeatRequest
	if err := wire.UnmarshalPayload(frame.Payload, &req); err != nil {
		log.Debug().Err(err).Str("device", sess.deviceID).Msg("malformed heartbeat")
		return
	}

	sess.mu.Lock()
	sess.lastMetrics = req.Metrics
	sess.lastActivity = time.Now().UTC()
	sess.mu.Unlock()

	cfg := sess.srv.cfg.Heartbeat
	hint := cfg.Interval
	if req.Metrics.LossRatio > 0.1 || req.Metrics.LatencyMs > 500 {
		hint = cfg.MinInterval
	}

	payload, err := wire.MarshalPayload(wire.HeartbeatAck{
		Timestamp:        time.Now().UnixMilli(),
		Status:           "ok",
		NextIntervalHint: int64(hint / time.Second),
	})
	if err != nil {
		return
	}

	reply := wire.NewFrame(wire.TypeHeartbeat, payload)
	reply.MessageID = frame.MessageID

	sendCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := ch.Send(sendCtx, reply); err != nil {
		log.Debug().Err(err).Str("device", sess.deviceID).Msg("heartbeat reply failed")
	}
}

// handleData stores and acknowledges one DATA frame. The ack is sent even
// for a re-delivered sequence: storage dedupes, and the client keeps
// retrying until it sees the ack. Returns true when the session got
// rate-blocked and the channel should drop.
func (sess *deviceSession) handleData(ctx context.Context, ch transport.Channel, kind transport.Kind, frame *wire.Frame) bool {
	if err := sess.srv.frames.Allow(sess.deviceID); err != nil {
		sess.srv.sendError(ctx, ch, wire.ErrCodeRateLimited, "frame rate exceeded")
		if errors.Is(err, registry.ErrBlocked) {
			sess.srv.logEvent(&sess.deviceID, &sess.id, models.EventTypeRateLimited,
				models.EventLevelWarning, "PEER_BLOCKED", "device blocked for frame flooding", nil)
			return true
		}
		return false
	}

	seq, payload, err := wire.DecodeDataPayload(frame.Payload)
	if err != nil {
		log.Warn().Err(err).Str("device", sess.deviceID).Msg("malformed data frame")
		return false
	}

	sess.noteActivity(kind)

	now := time.Now().UTC()
	connType := connTypeFor(kind)

	stCtx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	err = sess.srv.store.CreateDeliveredMessage(stCtx, &models.DeliveredMessage{
		ID:         uuid.New(),
		SessionID:  sess.id,
		DeviceID:   sess.deviceID,
		Sequence:   seq,
		Transport:  connType,
		Payload:    payload,
		ReceivedAt: now,
	})
	if err != nil {
		// Do not ack what we could not persist; the client will retry
		log.Error().Err(err).Uint64("sequence", seq).
			Str("device", sess.deviceID).Msg("store delivered message failed")
		return false
	}

	ackPayload, err := wire.MarshalPayload(wire.AckPayload{Sequence: seq})
	if err != nil {
		return false
	}
	sendCtx, sendCancel := context.WithTimeout(ctx, time.Second)
	defer sendCancel()
	if err := ch.Send(sendCtx, wire.NewFrame(wire.TypeAck, ackPayload)); err != nil {
		log.Debug().Err(err).Uint64("sequence", seq).
			Str("device", sess.deviceID).Msg("ack send failed")
		return false
	}

	sess.publishDelivered(seq, connType, payload, now)
	return false
}

// noteActivity records traffic on a channel and detects a transport
// migration: the first DATA frame arriving on a different channel than the
// last one means the client failed over.
func (sess *deviceSession) noteActivity(kind transport.Kind) {
	sess.mu.Lock()
	migrated := sess.active != kind
	if migrated {
		sess.active = kind
		sess.failovers++
	}
	sess.lastActivity = time.Now().UTC()
	sess.mu.Unlock()

	if !migrated {
		return
	}

	connType := connTypeFor(kind)
	stCtx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := sess.srv.store.IncrementFailovers(stCtx, sess.id, connType); err != nil {
		log.Warn().Err(err).Str("device", sess.deviceID).Msg("record failover failed")
	}
	sess.srv.logEvent(&sess.deviceID, &sess.id, models.EventTypeFailover,
		models.EventLevelWarning, "TRANSPORT_MIGRATED",
		fmt.Sprintf("traffic moved to %s", kind), models.Variables{
			"transport": kind.String(),
		})
	sess.publishState("failover", kind.String())
	log.Info().Str("device", sess.deviceID).Str("channel", kind.String()).
		Msg("transport migration observed")
}

func (sess *deviceSession) publishDelivered(seq uint64, connType models.ConnectionType, payload []byte, at time.Time) {
	if sess.srv.pub == nil {
		return
	}
	body, err := json.Marshal(DeliveredEvent{
		DeviceID:   sess.deviceID,
		SessionID:  sess.id,
		Sequence:   seq,
		Transport:  string(connType),
		Payload:    payload,
		ReceivedAt: at,
	})
	if err != nil {
		return
	}
	subject := fmt.Sprintf("link.%s.rx", sess.deviceID)
	if err := sess.srv.pub.Publish(subject, body); err != nil {
		log.Warn().Err(err).Str("subject", subject).Msg("publish delivered message failed")
	}
}

// publishState emits a session lifecycle event on link.session.<state>
func (sess *deviceSession) publishState(state, transportName string) {
	if sess.srv.pub == nil {
		return
	}
	body, err := json.Marshal(SessionEvent{
		DeviceID:  sess.deviceID,
		SessionID: sess.id,
		State:     state,
		Transport: transportName,
		At:        time.Now().UTC(),
	})
	if err != nil {
		return
	}
	if err := sess.srv.pub.Publish("link.session."+state, body); err != nil {
		log.Warn().Err(err).Str("state", state).Msg("publish session event failed")
	}
}

func (sess *deviceSession) handleDisconnect() {
	sess.srv.logEvent(&sess.deviceID, &sess.id, models.EventTypeDisconnect,
		models.EventLevelInfo, "CLIENT_DISCONNECT", "client requested disconnect", nil)
	sess.srv.endSession(sess, "client disconnect")
}

// attachChannel adds a second transport to a live session. Returns false if
// the session already closed and the caller should start a new one.
func (sess *deviceSession) attachChannel(kind transport.Kind, ch transport.Channel) bool {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.closed {
		return false
	}
	if old, ok := sess.channels[kind]; ok {
		// Stale connection for the same transport; drop it in favor of the new one
		old.Close()
	}
	sess.channels[kind] = ch
	sess.lastActivity = time.Now().UTC()
	return true
}

// detachChannel removes a transport whose connection ended and returns how
// many remain attached
func (sess *deviceSession) detachChannel(kind transport.Kind) int {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	delete(sess.channels, kind)
	return len(sess.channels)
}

// requestDisconnect tells the client to tear down, then closes the session
func (sess *deviceSession) requestDisconnect() {
	sess.mu.Lock()
	channels := make([]transport.Channel, 0, len(sess.channels))
	for _, ch := range sess.channels {
		channels = append(channels, ch)
	}
	sess.mu.Unlock()

	frame := wire.NewFrame(wire.TypeDisconnect, nil)
	for _, ch := range channels {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		if err := ch.Send(ctx, frame); err != nil {
			log.Debug().Err(err).Str("device", sess.deviceID).Msg("disconnect notice failed")
		}
		cancel()
	}

	sess.srv.endSession(sess, "disconnect requested")
}

// close finalizes the session: persists the disconnect and drops channels.
// Safe to call more than once.
func (sess *deviceSession) close(reason string) {
	sess.mu.Lock()
	if sess.closed {
		sess.mu.Unlock()
		return
	}
	sess.closed = true
	channels := make([]transport.Channel, 0, len(sess.channels))
	for _, ch := range sess.channels {
		channels = append(channels, ch)
	}
	sess.channels = map[transport.Kind]transport.Channel{}
	sess.mu.Unlock()

	for _, ch := range channels {
		ch.Close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := sess.srv.store.CloseConnection(ctx, sess.id, time.Now().UTC()); err != nil && !errors.Is(err, storage.ErrNotFound) {
		log.Warn().Err(err).Str("session", sess.id.String()).Msg("close connection record failed")
	}

	sess.publishState("closed", "")
	log.Info().Str("device", sess.deviceID).Str("session", sess.id.String()).
		Str("reason", reason).Msg("session closed")
}

func (sess *deviceSession) lastActivityTime() time.Time {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.lastActivity
}

func (sess *deviceSession) status() SessionStatus {
	sess.mu.Lock()
	defer sess.mu.Unlock()

	transports := make([]string, 0, len(sess.channels))
	for kind := range sess.channels {
		transports = append(transports, kind.String())
	}
	return SessionStatus{
		SessionID:    sess.id,
		DeviceID:     sess.deviceID,
		Active:       sess.active.String(),
		Transports:   transports,
		ConnectedAt:  sess.started,
		LastActivity: sess.lastActivity,
		Failovers:    sess.failovers,
		Metrics:      sess.lastMetrics,
	}
}
