package server

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/nfclink-server/nfclink-server-pro/internal/auth"
	"github.com/nfclink-server/nfclink-server-pro/internal/config"
	"github.com/nfclink-server/nfclink-server-pro/internal/models"
	"github.com/nfclink-server/nfclink-server-pro/internal/storage"
	"github.com/nfclink-server/nfclink-server-pro/internal/transport"
	"github.com/nfclink-server/nfclink-server-pro/pkg/crypto"
	"github.com/nfclink-server/nfclink-server-pro/pkg/wire"
)

// fakeStore keeps everything the server persists in memory. The embedded
// nil Store panics on anything the server should not be calling.
type fakeStore struct {
	storage.Store

	mu          sync.Mutex
	devices     map[string]*models.Device
	connections []*models.ConnectionRecord
	messages    []*models.DeliveredMessage
	events      []*models.EventLog
	failovers   int
}

func newFakeStore() *fakeStore {
	return &fakeStore{devices: make(map[string]*models.Device)}
}

func (f *fakeStore) GetDeviceByDeviceID(_ context.Context, deviceID string) (*models.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.devices[deviceID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	copied := *d
	return &copied, nil
}

func (f *fakeStore) CreateDevice(_ context.Context, device *models.Device) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.devices[device.DeviceID]; ok {
		return storage.ErrDuplicateKey
	}
	f.devices[device.DeviceID] = device
	return nil
}

func (f *fakeStore) TouchDeviceSeen(_ context.Context, _ string, _ models.ConnectionType, _ time.Time) error {
	return nil
}

func (f *fakeStore) CreateConnection(_ context.Context, conn *models.ConnectionRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connections = append(f.connections, conn)
	return nil
}

func (f *fakeStore) CloseConnection(_ context.Context, _ uuid.UUID, _ time.Time) error {
	return nil
}

func (f *fakeStore) IncrementFailovers(_ context.Context, _ uuid.UUID, _ models.ConnectionType) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failovers++
	return nil
}

func (f *fakeStore) CreateDeliveredMessage(_ context.Context, msg *models.DeliveredMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.messages {
		if m.SessionID == msg.SessionID && m.Sequence == msg.Sequence {
			return nil // dedupe like the ON CONFLICT clause
		}
	}
	f.messages = append(f.messages, msg)
	return nil
}

func (f *fakeStore) CreateEventLog(_ context.Context, event *models.EventLog) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return nil
}

func (f *fakeStore) messageCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.messages)
}

func (f *fakeStore) failoverCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.failovers
}

func (f *fakeStore) connectionCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.connections)
}

type fakePub struct {
	mu       sync.Mutex
	subjects []string
	bodies   [][]byte
}

func (p *fakePub) Publish(subject string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subjects = append(p.subjects, subject)
	p.bodies = append(p.bodies, data)
	return nil
}

func (p *fakePub) published() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.subjects))
	copy(out, p.subjects)
	return out
}

func testConfig() *config.Config {
	return &config.Config{
		Link: config.LinkConfig{
			CableBind:        "127.0.0.1:0",
			NetworkBind:      "127.0.0.1:0",
			ProtocolVersion:  1,
			HandshakeTimeout: 2 * time.Second,
			IdleTimeout:      time.Minute,
		},
		Heartbeat: config.HeartbeatConfig{
			Interval:    30 * time.Second,
			MinInterval: 5 * time.Second,
			MaxInterval: 5 * time.Minute,
		},
		Registry: config.RegistryConfig{
			HandshakeBurst: 100,
			HandshakeRate:  100,
			FrameBurst:     1000,
			FrameRate:      1000,
			BlockDuration:  time.Minute,
			Shards:         4,
		},
		JWT: config.JWTConfig{Secret: "test-signing-secret", TokenTTL: time.Hour},
	}
}

func startTestServer(t *testing.T, store storage.Store, pub EventPublisher) (*Server, context.CancelFunc) {
	t.Helper()

	cfg := testConfig()
	srv := New(cfg, store, auth.NewJWTManager(&cfg.JWT), pub)

	ctx, cancel := context.WithCancel(context.Background())
	go srv.Start(ctx)

	select {
	case <-srv.Ready():
	case <-time.After(2 * time.Second):
		cancel()
		t.Fatal("server did not come up")
	}
	t.Cleanup(cancel)
	return srv, cancel
}

func deviceToken(t *testing.T, srv *Server, deviceID string) string {
	t.Helper()
	token, err := srv.jwt.IssueDeviceToken(deviceID)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return token
}

func dialNetwork(t *testing.T, srv *Server) transport.Channel {
	t.Helper()
	conn, err := net.Dial("tcp", srv.NetworkAddr())
	if err != nil {
		t.Fatalf("dial network: %v", err)
	}
	ch := transport.NewServerChannel(transport.KindNetwork, conn)
	t.Cleanup(func() { ch.Close() })
	return ch
}

func dialCable(t *testing.T, srv *Server, serial string) transport.Channel {
	t.Helper()
	conn, err := net.Dial("tcp", srv.CableAddr())
	if err != nil {
		t.Fatalf("dial cable: %v", err)
	}

	// Bridge preamble: HELLO + serial length + serial, expect OKAY
	msg := append([]byte("NLKB"), byte(len(serial)))
	msg = append(msg, serial...)
	if _, err := conn.Write(msg); err != nil {
		t.Fatalf("write bridge preamble: %v", err)
	}
	reply := make([]byte, 4)
	if _, err := conn.Read(reply); err != nil {
		t.Fatalf("read bridge reply: %v", err)
	}
	if string(reply) != "OKAY" {
		t.Fatalf("bridge reply = %q, want OKAY", reply)
	}

	ch := transport.NewServerChannel(transport.KindCable, conn)
	t.Cleanup(func() { ch.Close() })
	return ch
}

func sendHandshake(t *testing.T, ch transport.Channel, deviceID, credential string, version int) *wire.Frame {
	t.Helper()
	payload, err := wire.MarshalPayload(wire.HandshakeRequest{
		DeviceID:        deviceID,
		ProtocolVersion: version,
		Credential:      credential,
	})
	if err != nil {
		t.Fatalf("marshal handshake: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := ch.Send(ctx, wire.NewFrame(wire.TypeHandshake, payload)); err != nil {
		t.Fatalf("send handshake: %v", err)
	}
	reply, err := ch.Recv(ctx)
	if err != nil {
		t.Fatalf("recv handshake reply: %v", err)
	}
	return reply
}

func openSession(t *testing.T, ch transport.Channel, srv *Server, deviceID string) wire.HandshakeAck {
	t.Helper()
	reply := sendHandshake(t, ch, deviceID, deviceToken(t, srv, deviceID), 1)
	if reply.Type != wire.TypeHandshake {
		t.Fatalf("reply type = %s, want HANDSHAKE", wire.TypeName(reply.Type))
	}
	var ack wire.HandshakeAck
	if err := wire.UnmarshalPayload(reply.Payload, &ack); err != nil {
		t.Fatalf("unmarshal ack: %v", err)
	}
	return ack
}

func sendData(t *testing.T, ch transport.Channel, seq uint64, payload []byte) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	frame := wire.NewFrame(wire.TypeData, wire.EncodeDataPayload(seq, payload))
	if err := ch.Send(ctx, frame); err != nil {
		t.Fatalf("send data %d: %v", seq, err)
	}
	reply, err := ch.Recv(ctx)
	if err != nil {
		t.Fatalf("recv ack for %d: %v", seq, err)
	}
	if reply.Type != wire.TypeAck {
		t.Fatalf("reply type = %s, want ACK", wire.TypeName(reply.Type))
	}
	var ack wire.AckPayload
	if err := wire.UnmarshalPayload(reply.Payload, &ack); err != nil {
		t.Fatalf("unmarshal ack: %v", err)
	}
	if ack.Sequence != seq {
		t.Fatalf("ack sequence = %d, want %d", ack.Sequence, seq)
	}
}

func TestHandshakeAndDeliver(t *testing.T) {
	store := newFakeStore()
	pub := &fakePub{}
	srv, _ := startTestServer(t, store, pub)

	ch := dialNetwork(t, srv)
	ack := openSession(t, ch, srv, "dev-1")
	if ack.SessionID == "" {
		t.Fatal("empty session id in handshake ack")
	}
	if len(ack.Capabilities) == 0 {
		t.Fatal("handshake ack carries no capabilities")
	}

	sendData(t, ch, 1, []byte("tag-a"))
	sendData(t, ch, 2, []byte("tag-b"))

	if got := store.messageCount(); got != 2 {
		t.Fatalf("stored messages = %d, want 2", got)
	}
	if got := store.connectionCount(); got != 1 {
		t.Fatalf("connection records = %d, want 1", got)
	}

	subjects := pub.published()
	rx := 0
	opened := false
	for _, s := range subjects {
		switch s {
		case "link.dev-1.rx":
			rx++
		case "link.session.open":
			opened = true
		}
	}
	if rx != 2 {
		t.Fatalf("delivered publishes = %d, want 2 (subjects %v)", rx, subjects)
	}
	if !opened {
		t.Fatalf("no link.session.open event published (subjects %v)", subjects)
	}
}

func TestDataRedeliveryIsIdempotent(t *testing.T) {
	store := newFakeStore()
	srv, _ := startTestServer(t, store, nil)

	ch := dialNetwork(t, srv)
	openSession(t, ch, srv, "dev-1")

	sendData(t, ch, 7, []byte("once"))
	sendData(t, ch, 7, []byte("once"))

	if got := store.messageCount(); got != 1 {
		t.Fatalf("stored messages = %d, want 1 after redelivery", got)
	}
}

func TestHandshakeRejectsBadCredential(t *testing.T) {
	store := newFakeStore()
	hash, err := crypto.HashSecret("right-secret")
	if err != nil {
		t.Fatalf("hash secret: %v", err)
	}
	store.devices["dev-1"] = &models.Device{DeviceID: "dev-1", SecretHash: hash}

	srv, _ := startTestServer(t, store, nil)

	ch := dialNetwork(t, srv)
	reply := sendHandshake(t, ch, "dev-1", "wrong-secret", 1)
	if reply.Type != wire.TypeError {
		t.Fatalf("reply type = %s, want ERROR", wire.TypeName(reply.Type))
	}
	var ep wire.ErrorPayload
	if err := wire.UnmarshalPayload(reply.Payload, &ep); err != nil {
		t.Fatalf("unmarshal error payload: %v", err)
	}
	if ep.Code != wire.ErrCodeBadCredential {
		t.Fatalf("error code = %d, want %d", ep.Code, wire.ErrCodeBadCredential)
	}
}

func TestHandshakeAcceptsDeviceSecret(t *testing.T) {
	store := newFakeStore()
	hash, err := crypto.HashSecret("right-secret")
	if err != nil {
		t.Fatalf("hash secret: %v", err)
	}
	store.devices["dev-1"] = &models.Device{DeviceID: "dev-1", SecretHash: hash}

	srv, _ := startTestServer(t, store, nil)

	ch := dialNetwork(t, srv)
	reply := sendHandshake(t, ch, "dev-1", "right-secret", 1)
	if reply.Type != wire.TypeHandshake {
		t.Fatalf("reply type = %s, want HANDSHAKE", wire.TypeName(reply.Type))
	}
}

func TestHandshakeRejectsBadVersion(t *testing.T) {
	store := newFakeStore()
	srv, _ := startTestServer(t, store, nil)

	ch := dialNetwork(t, srv)
	reply := sendHandshake(t, ch, "dev-1", "anything", 99)
	if reply.Type != wire.TypeError {
		t.Fatalf("reply type = %s, want ERROR", wire.TypeName(reply.Type))
	}
	var ep wire.ErrorPayload
	if err := wire.UnmarshalPayload(reply.Payload, &ep); err != nil {
		t.Fatalf("unmarshal error payload: %v", err)
	}
	if ep.Code != wire.ErrCodeBadVersion {
		t.Fatalf("error code = %d, want %d", ep.Code, wire.ErrCodeBadVersion)
	}
}

func TestSecondTransportJoinsSameSession(t *testing.T) {
	store := newFakeStore()
	srv, _ := startTestServer(t, store, nil)

	netCh := dialNetwork(t, srv)
	netAck := openSession(t, netCh, srv, "dev-1")

	cableCh := dialCable(t, srv, "SER123")
	cableAck := openSession(t, cableCh, srv, "dev-1")

	if netAck.SessionID != cableAck.SessionID {
		t.Fatalf("session ids differ across transports: %s vs %s", netAck.SessionID, cableAck.SessionID)
	}
	if got := store.connectionCount(); got != 1 {
		t.Fatalf("connection records = %d, want 1 for an attached transport", got)
	}
}

func TestFailoverObservedOnTransportSwitch(t *testing.T) {
	store := newFakeStore()
	srv, _ := startTestServer(t, store, nil)

	netCh := dialNetwork(t, srv)
	openSession(t, netCh, srv, "dev-1")
	cableCh := dialCable(t, srv, "SER123")
	openSession(t, cableCh, srv, "dev-1")

	sendData(t, netCh, 1, []byte("on-network"))
	sendData(t, cableCh, 2, []byte("on-cable"))

	if got := store.failoverCount(); got != 1 {
		t.Fatalf("failovers = %d, want 1", got)
	}

	sessions := srv.ActiveSessions()
	if len(sessions) != 1 {
		t.Fatalf("active sessions = %d, want 1", len(sessions))
	}
	if sessions[0].Active != "cable" {
		t.Fatalf("active transport = %q, want cable", sessions[0].Active)
	}
	if sessions[0].Failovers != 1 {
		t.Fatalf("session failovers = %d, want 1", sessions[0].Failovers)
	}
}

func TestHeartbeatEchoesMessageID(t *testing.T) {
	store := newFakeStore()
	srv, _ := startTestServer(t, store, nil)

	ch := dialNetwork(t, srv)
	ack := openSession(t, ch, srv, "dev-1")

	payload, err := wire.MarshalPayload(wire.HeartbeatRequest{
		Timestamp: time.Now().UnixMilli(),
		SessionID: ack.SessionID,
		Metrics:   wire.ClientMetrics{LatencyMs: 12, LossRatio: 0},
	})
	if err != nil {
		t.Fatalf("marshal heartbeat: %v", err)
	}

	frame := wire.NewFrame(wire.TypeHeartbeat, payload)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := ch.Send(ctx, frame); err != nil {
		t.Fatalf("send heartbeat: %v", err)
	}
	reply, err := ch.Recv(ctx)
	if err != nil {
		t.Fatalf("recv heartbeat reply: %v", err)
	}
	if reply.Type != wire.TypeHeartbeat {
		t.Fatalf("reply type = %s, want HEARTBEAT", wire.TypeName(reply.Type))
	}
	if reply.MessageID != frame.MessageID {
		t.Fatal("heartbeat reply does not echo the probe message id")
	}

	var hb wire.HeartbeatAck
	if err := wire.UnmarshalPayload(reply.Payload, &hb); err != nil {
		t.Fatalf("unmarshal heartbeat ack: %v", err)
	}
	if hb.NextIntervalHint != 30 {
		t.Fatalf("interval hint = %d, want 30", hb.NextIntervalHint)
	}
}

func TestDisconnectEndsSession(t *testing.T) {
	store := newFakeStore()
	srv, _ := startTestServer(t, store, nil)

	ch := dialNetwork(t, srv)
	openSession(t, ch, srv, "dev-1")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := ch.Send(ctx, wire.NewFrame(wire.TypeDisconnect, nil)); err != nil {
		t.Fatalf("send disconnect: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(srv.ActiveSessions()) == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("session still live after disconnect")
}
