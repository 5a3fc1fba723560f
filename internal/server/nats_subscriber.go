package server

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/nfclink-server/nfclink-server-pro/internal/models"
	"github.com/nfclink-server/nfclink-server-pro/internal/storage"
)

// NATSSubscriber listens for management commands on the bus and applies
// them to live sessions
type NATSSubscriber struct {
	nc    *nats.Conn
	srv   *Server
	store storage.Store
	subs  []*nats.Subscription
}

// NewNATSSubscriber creates NATS subscriber
func NewNATSSubscriber(nc *nats.Conn, srv *Server, store storage.Store) *NATSSubscriber {
	return &NATSSubscriber{
		nc:    nc,
		srv:   srv,
		store: store,
		subs:  make([]*nats.Subscription, 0),
	}
}

// Start starts subscriptions and blocks until ctx is cancelled
func (s *NATSSubscriber) Start(ctx context.Context) error {
	sub1, err := s.nc.Subscribe("link.*.disconnect", s.handleDisconnectCommand)
	if err != nil {
		return fmt.Errorf("subscribe disconnect command: %w", err)
	}
	s.subs = append(s.subs, sub1)

	sub2, err := s.nc.Subscribe("link.sessions.query", s.handleSessionQuery)
	if err != nil {
		return fmt.Errorf("subscribe session query: %w", err)
	}
	s.subs = append(s.subs, sub2)

	log.Info().
		Int("subscriptions", len(s.subs)).
		Msg("NATS subscriber started")

	<-ctx.Done()

	for _, sub := range s.subs {
		sub.Unsubscribe()
	}

	return ctx.Err()
}

// handleDisconnectCommand handles link.<deviceID>.disconnect. The device id
// comes from the subject so a bare publish with no body works.
func (s *NATSSubscriber) handleDisconnectCommand(msg *nats.Msg) {
	parts := strings.Split(msg.Subject, ".")
	if len(parts) != 3 {
		log.Warn().Str("subject", msg.Subject).Msg("malformed disconnect subject")
		return
	}
	deviceID := parts[1]

	sess := s.srv.lookupByDevice(deviceID)
	if sess == nil {
		log.Debug().Str("device", deviceID).Msg("disconnect command for offline device")
		return
	}

	sessionID := sess.id
	sess.requestDisconnect()

	event := &models.EventLog{
		DeviceID:    &deviceID,
		SessionID:   &sessionID,
		Type:        models.EventTypeDisconnect,
		Level:       models.EventLevelInfo,
		Code:        "ADMIN_DISCONNECT",
		Description: "session closed by management command",
	}
	if err := s.store.CreateEventLog(context.Background(), event); err != nil {
		log.Error().Err(err).Msg("Failed to create event log")
	}

	log.Info().
		Str("device", deviceID).
		Str("session", sessionID.String()).
		Msg("session disconnected by command")
}

// handleSessionQuery replies with the live session snapshot for a device id
// (or all sessions for an empty body)
func (s *NATSSubscriber) handleSessionQuery(msg *nats.Msg) {
	if msg.Reply == "" {
		return
	}

	deviceID := strings.TrimSpace(string(msg.Data))

	var statuses []SessionStatus
	if deviceID == "" {
		statuses = s.srv.ActiveSessions()
	} else if sess := s.srv.lookupByDevice(deviceID); sess != nil {
		statuses = []SessionStatus{sess.status()}
	}

	if statuses == nil {
		statuses = []SessionStatus{}
	}
	body, err := json.Marshal(statuses)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal session statuses")
		return
	}
	if err := s.nc.Publish(msg.Reply, body); err != nil {
		log.Error().Err(err).Msg("Failed to publish session query reply")
	}
}
