// Package integration fans delivered device payloads out to external
// systems: an MQTT broker and an HTTP webhook.
package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/nfclink-server/nfclink-server-pro/internal/config"
	"github.com/nfclink-server/nfclink-server-pro/internal/models"
	"github.com/nfclink-server/nfclink-server-pro/internal/storage"
)

// DeliveredMessage mirrors the body published on link.<deviceID>.rx
type DeliveredMessage struct {
	DeviceID   string    `json:"deviceID"`
	SessionID  string    `json:"sessionID"`
	Sequence   uint64    `json:"sequence"`
	Transport  string    `json:"transport"`
	Payload    []byte    `json:"payload"`
	ReceivedAt time.Time `json:"receivedAt"`
}

// ForwarderService consumes delivered payloads off NATS and forwards them
// to the configured MQTT broker and webhook endpoint
type ForwarderService struct {
	cfg   *config.Config
	nc    *nats.Conn
	store storage.Store

	mqttClient mqtt.Client
	httpClient *http.Client

	jobs chan *DeliveredMessage
	wg   sync.WaitGroup
}

// NewForwarderService creates the forwarder
func NewForwarderService(cfg *config.Config, nc *nats.Conn, store storage.Store) *ForwarderService {
	timeout := cfg.Integration.WebhookTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	workers := cfg.Integration.Workers
	if workers <= 0 {
		workers = 4
	}
	return &ForwarderService{
		cfg:        cfg,
		nc:         nc,
		store:      store,
		httpClient: &http.Client{Timeout: timeout},
		jobs:       make(chan *DeliveredMessage, workers*16),
	}
}

// Start subscribes and runs the worker pool until ctx is cancelled
func (s *ForwarderService) Start(ctx context.Context) error {
	if s.cfg.MQTT.Enabled {
		if err := s.connectMQTT(); err != nil {
			log.Error().Err(err).Msg("MQTT broker unreachable, continuing without it")
		}
	}

	sub, err := s.nc.Subscribe("link.*.rx", s.handleDelivered)
	if err != nil {
		return fmt.Errorf("subscribe to delivered payloads: %w", err)
	}

	workers := s.cfg.Integration.Workers
	if workers <= 0 {
		workers = 4
	}
	for i := 0; i < workers; i++ {
		s.wg.Add(1)
		go s.worker(ctx)
	}

	log.Info().
		Int("workers", workers).
		Bool("mqtt", s.mqttClient != nil).
		Bool("webhook", s.cfg.Integration.WebhookURL != "").
		Msg("Integration forwarder service started")

	<-ctx.Done()

	sub.Unsubscribe()
	close(s.jobs)
	s.wg.Wait()

	if s.mqttClient != nil && s.mqttClient.IsConnected() {
		s.mqttClient.Disconnect(250)
	}

	return nil
}

// handleDelivered queues one delivered payload for the worker pool. Drops
// on overflow rather than stalling the NATS dispatcher.
func (s *ForwarderService) handleDelivered(msg *nats.Msg) {
	var delivered DeliveredMessage
	if err := json.Unmarshal(msg.Data, &delivered); err != nil {
		log.Error().Err(err).Str("subject", msg.Subject).Msg("Failed to parse delivered payload")
		return
	}
	if delivered.DeviceID == "" {
		parts := strings.Split(msg.Subject, ".")
		if len(parts) == 3 {
			delivered.DeviceID = parts[1]
		}
	}

	select {
	case s.jobs <- &delivered:
	default:
		log.Warn().
			Str("device", delivered.DeviceID).
			Uint64("sequence", delivered.Sequence).
			Msg("Forwarder queue full, payload dropped")
	}
}

func (s *ForwarderService) worker(ctx context.Context) {
	defer s.wg.Done()
	for delivered := range s.jobs {
		s.forwardToMQTT(delivered)
		s.forwardToWebhook(ctx, delivered)
	}
}

func (s *ForwarderService) connectMQTT() error {
	cfg := s.cfg.MQTT

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectTimeout(10 * time.Second)
	opts.SetKeepAlive(30 * time.Second)

	opts.SetOnConnectHandler(func(client mqtt.Client) {
		log.Info().Str("broker", cfg.Broker).Msg("MQTT client connected")
	})
	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		log.Error().Err(err).Str("broker", cfg.Broker).Msg("MQTT connection lost")
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10*time.Second) || token.Error() != nil {
		return fmt.Errorf("connect mqtt broker %s: %w", cfg.Broker, token.Error())
	}

	s.mqttClient = client
	return nil
}

// forwardToMQTT publishes on <prefix>/<deviceID>/rx
func (s *ForwarderService) forwardToMQTT(delivered *DeliveredMessage) {
	if s.mqttClient == nil || !s.mqttClient.IsConnected() {
		return
	}

	body, err := json.Marshal(delivered)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal MQTT payload")
		return
	}

	topic := fmt.Sprintf("%s/%s/rx", s.cfg.MQTT.TopicPrefix, delivered.DeviceID)
	token := s.mqttClient.Publish(topic, byte(s.cfg.MQTT.QoS), false, body)
	if !token.WaitTimeout(5 * time.Second) {
		log.Error().Str("topic", topic).Msg("MQTT publish timeout")
		return
	}
	if err := token.Error(); err != nil {
		log.Error().Err(err).Str("topic", topic).Msg("Failed to publish to MQTT")
		return
	}

	log.Debug().
		Str("device", delivered.DeviceID).
		Str("topic", topic).
		Msg("Payload forwarded to MQTT")
}

func (s *ForwarderService) forwardToWebhook(ctx context.Context, delivered *DeliveredMessage) {
	endpoint := s.cfg.Integration.WebhookURL
	if endpoint == "" {
		return
	}

	body, err := json.Marshal(delivered)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal webhook payload")
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		log.Error().Err(err).Msg("Failed to create webhook request")
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		if ctx.Err() == nil {
			log.Error().Err(err).Str("endpoint", endpoint).Msg("Failed to forward payload to webhook")
			s.logFailure(delivered, err.Error())
		}
		return
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 400 {
		log.Error().
			Int("status", resp.StatusCode).
			Str("endpoint", endpoint).
			Msg("Webhook forward failed")
		s.logFailure(delivered, fmt.Sprintf("webhook returned %d", resp.StatusCode))
		return
	}

	log.Debug().
		Str("device", delivered.DeviceID).
		Uint64("sequence", delivered.Sequence).
		Msg("Payload forwarded to webhook")
}

func (s *ForwarderService) logFailure(delivered *DeliveredMessage, reason string) {
	event := &models.EventLog{
		DeviceID:    &delivered.DeviceID,
		Type:        models.EventTypeIntegration,
		Level:       models.EventLevelWarning,
		Code:        "WEBHOOK_FAILED",
		Description: reason,
		Details: models.Variables{
			"sequence": delivered.Sequence,
		},
	}
	if err := s.store.CreateEventLog(context.Background(), event); err != nil {
		log.Error().Err(err).Msg("Failed to create event log")
	}
}
