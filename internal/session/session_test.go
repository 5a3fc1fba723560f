package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/nfclink-server/nfclink-server-pro/internal/transport"
	"github.com/nfclink-server/nfclink-server-pro/pkg/wire"
)

type staticCreds string

func (c staticCreds) CurrentToken() (string, error) { return string(c), nil }

// fakeServer answers handshakes, echoes heartbeats and acks data frames on
// the far end of a mem pair.
type fakeServer struct {
	ch *transport.MemChannel

	mu       sync.Mutex
	seqs     []uint64
	dropAcks bool
	ackDelay time.Duration
}

func startFakeServer(t *testing.T, ctx context.Context, ch *transport.MemChannel) *fakeServer {
	t.Helper()
	srv := &fakeServer{ch: ch}
	go srv.loop(ctx)
	return srv
}

func (s *fakeServer) loop(ctx context.Context) {
	for {
		frame, err := s.ch.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			continue // our end stays up across client rebinds
		}

		switch frame.Type {
		case wire.TypeHandshake:
			payload, _ := wire.MarshalPayload(&wire.HandshakeAck{
				SessionID:    uuid.NewString(),
				Capabilities: []string{"data", "heartbeat"},
			})
			s.ch.Send(ctx, wire.NewFrame(wire.TypeHandshake, payload))

		case wire.TypeHeartbeat:
			payload, _ := wire.MarshalPayload(&wire.HeartbeatAck{
				Timestamp: time.Now().UnixMilli(),
				Status:    "ok",
			})
			reply := wire.NewFrame(wire.TypeHeartbeat, payload)
			reply.MessageID = frame.MessageID
			s.ch.Send(ctx, reply)

		case wire.TypeData:
			seq, _, err := wire.DecodeDataPayload(frame.Payload)
			if err != nil {
				continue
			}
			s.mu.Lock()
			s.seqs = append(s.seqs, seq)
			drop, delay := s.dropAcks, s.ackDelay
			s.mu.Unlock()
			if drop {
				continue
			}
			payload, _ := wire.MarshalPayload(&wire.AckPayload{Sequence: seq})
			ack := wire.NewFrame(wire.TypeAck, payload)
			if delay > 0 {
				time.AfterFunc(delay, func() { s.ch.Send(ctx, ack) })
			} else {
				s.ch.Send(ctx, ack)
			}
		}
	}
}

func (s *fakeServer) setDropAcks(v bool) {
	s.mu.Lock()
	s.dropAcks = v
	s.mu.Unlock()
}

func (s *fakeServer) setAckDelay(d time.Duration) {
	s.mu.Lock()
	s.ackDelay = d
	s.mu.Unlock()
}

func (s *fakeServer) sequences() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]uint64, len(s.seqs))
	copy(out, s.seqs)
	return out
}

func fastConfig() Config {
	return Config{
		DeviceID:           "dev-0001",
		HeartbeatInterval:  20 * time.Millisecond,
		AckTimeout:         2 * time.Second,
		HandshakeTimeout:   time.Second,
		HandshakeAttempts:  1,
		ReconnectDeadline:  80 * time.Millisecond,
		RebindInterval:     20 * time.Millisecond,
		CacheRetryInterval: 50 * time.Millisecond,
		DrainTimeout:       time.Second,
	}
}

func waitState(t *testing.T, s *Session, want State, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if s.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state = %s, want %s", s.State(), want)
}

func TestConnectAndDeliver(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client, server := transport.NewMemPair(transport.KindCable, transport.KindCable)
	srv := startFakeServer(t, ctx, server)

	sess := New(fastConfig(), staticCreds("token"), client)
	t.Cleanup(func() { sess.Close(context.Background(), false) })

	if err := sess.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if sess.State() != StateConnected {
		t.Fatalf("state = %s, want %s", sess.State(), StateConnected)
	}
	if sess.ID() == uuid.Nil {
		t.Fatal("session id not assigned")
	}

	var futs []*Future
	for i := 0; i < 3; i++ {
		fut, err := sess.Submit(ctx, []byte{byte(i)})
		if err != nil {
			t.Fatalf("Submit: %v", err)
		}
		futs = append(futs, fut)
	}

	for i, fut := range futs {
		res, err := fut.Wait(ctx)
		if err != nil {
			t.Fatalf("Wait: %v", err)
		}
		if res.Err != nil {
			t.Fatalf("message %d: %v", i, res.Err)
		}
		if res.Sequence != uint64(i+1) {
			t.Fatalf("sequence = %d, want %d", res.Sequence, i+1)
		}
	}

	seqs := srv.sequences()
	if len(seqs) != 3 || seqs[0] != 1 || seqs[1] != 2 || seqs[2] != 3 {
		t.Fatalf("server saw sequences %v", seqs)
	}
}

func TestConnectFailsAfterAttempts(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	client, _ := transport.NewMemPair(transport.KindCable, transport.KindCable)
	client.SetBindErr(errors.New("no bridge"))

	cfg := fastConfig()
	cfg.HandshakeAttempts = 2

	sess := New(cfg, staticCreds("token"), client)
	t.Cleanup(func() { sess.Close(context.Background(), false) })

	if err := sess.Connect(ctx); err == nil {
		t.Fatal("Connect succeeded with failing bind")
	}
	if sess.State() != StateFailed {
		t.Fatalf("state = %s, want %s", sess.State(), StateFailed)
	}

	fut, err := sess.Submit(ctx, []byte("x"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	res, err := fut.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if !errors.Is(res.Err, ErrSessionClosed) {
		t.Fatalf("submit after failure resolved with %v, want %v", res.Err, ErrSessionClosed)
	}
}

func TestFailoverMigratesInFlight(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cableC, cableS := transport.NewMemPair(transport.KindCable, transport.KindCable)
	netC, netS := transport.NewMemPair(transport.KindNetwork, transport.KindNetwork)
	startFakeServer(t, ctx, cableS)
	netSrv := startFakeServer(t, ctx, netS)

	// keep the network side out of the initial connect so cable is active
	netC.SetBindErr(errors.New("not yet"))

	sess := New(fastConfig(), staticCreds("token"), cableC, netC)
	t.Cleanup(func() { sess.Close(context.Background(), false) })

	if err := sess.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if got := sess.Snapshot().Active; got != transport.KindCable {
		t.Fatalf("active = %s, want cable", got)
	}
	netC.SetBindErr(nil)

	// cable goes dark: sends vanish, probes start missing
	cableC.SetDropSends(true)

	fut, err := sess.Submit(ctx, []byte("scan-record"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	wctx, wcancel := context.WithTimeout(ctx, 3*time.Second)
	defer wcancel()
	res, err := fut.Wait(wctx)
	if err != nil {
		t.Fatalf("message not delivered after failover: %v", err)
	}
	if res.Err != nil {
		t.Fatalf("delivery error: %v", res.Err)
	}

	snap := sess.Snapshot()
	if snap.Active != transport.KindNetwork {
		t.Fatalf("active = %s, want network", snap.Active)
	}
	if snap.Failovers == 0 {
		t.Fatal("failover count not incremented")
	}
	if seqs := netSrv.sequences(); len(seqs) == 0 || seqs[0] != res.Sequence {
		t.Fatalf("network server saw %v, want sequence %d", seqs, res.Sequence)
	}
	waitState(t, sess, StateConnected, time.Second)
}

func TestReconnectFallsBackToCacheOnly(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client, server := transport.NewMemPair(transport.KindCable, transport.KindCable)
	startFakeServer(t, ctx, server)

	sess := New(fastConfig(), staticCreds("token"), client)
	t.Cleanup(func() { sess.Close(context.Background(), false) })

	var mu sync.Mutex
	var trace []State
	sess.OnStateChanged(func(old, new State) {
		mu.Lock()
		trace = append(trace, new)
		mu.Unlock()
	})

	if err := sess.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	// every write fails: probes miss, rebind handshakes cannot complete
	client.SetSendErr(errors.New("link down"))
	waitState(t, sess, StateCacheOnly, 3*time.Second)

	fut, err := sess.Submit(ctx, []byte("queued-scan"))
	if err != nil {
		t.Fatalf("Submit while cache-only: %v", err)
	}
	if fut.Resolved() {
		t.Fatal("future resolved while message should be queued")
	}
	deadline := time.Now().Add(time.Second)
	for sess.Snapshot().CachedCount != 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := sess.Snapshot().CachedCount; got != 1 {
		t.Fatalf("cached count = %d, want 1", got)
	}

	// link restored
	client.SetSendErr(nil)
	sess.NotifyConnectivity()
	waitState(t, sess, StateConnected, 3*time.Second)

	wctx, wcancel := context.WithTimeout(ctx, 2*time.Second)
	defer wcancel()
	res, err := fut.Wait(wctx)
	if err != nil {
		t.Fatalf("queued message not delivered: %v", err)
	}
	if res.Err != nil {
		t.Fatalf("delivery error: %v", res.Err)
	}

	mu.Lock()
	defer mu.Unlock()
	if !containsTransition(trace, StateReconnecting, StateCacheOnly) {
		t.Fatalf("trace %v missing reconnecting before cache-only", trace)
	}
}

func TestCloseResolvesPending(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client, server := transport.NewMemPair(transport.KindCable, transport.KindCable)
	srv := startFakeServer(t, ctx, server)
	srv.setDropAcks(true)

	sess := New(fastConfig(), staticCreds("token"), client)

	if err := sess.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	fut, err := sess.Submit(ctx, []byte("never-acked"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	if err := sess.Close(ctx, false); err != nil {
		t.Fatalf("Close: %v", err)
	}
	res, err := fut.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if !errors.Is(res.Err, ErrSessionClosed) {
		t.Fatalf("pending resolved with %v, want %v", res.Err, ErrSessionClosed)
	}
	if sess.State() != StateDisconnected {
		t.Fatalf("state = %s, want %s", sess.State(), StateDisconnected)
	}
}

func TestCloseWithDrainWaitsForAck(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client, server := transport.NewMemPair(transport.KindCable, transport.KindCable)
	srv := startFakeServer(t, ctx, server)
	srv.setAckDelay(50 * time.Millisecond)

	sess := New(fastConfig(), staticCreds("token"), client)

	if err := sess.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	fut, err := sess.Submit(ctx, []byte("late-ack"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	if err := sess.Close(ctx, true); err != nil {
		t.Fatalf("Close: %v", err)
	}
	res, err := fut.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if res.Err != nil {
		t.Fatalf("drained message resolved with %v, want ack", res.Err)
	}
}

func containsTransition(trace []State, before, after State) bool {
	seenBefore := false
	for _, st := range trace {
		if st == before {
			seenBefore = true
		}
		if st == after {
			return seenBefore
		}
	}
	return false
}
