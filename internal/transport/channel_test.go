package transport

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/nfclink-server/nfclink-server-pro/pkg/wire"
)

func TestMemPairRoundTrip(t *testing.T) {
	a, b := NewMemPair(KindCable, KindCable)
	defer a.Close()
	defer b.Close()

	ctx := context.Background()
	if err := a.Bind(ctx); err != nil {
		t.Fatalf("bind: %v", err)
	}

	in := wire.NewFrame(wire.TypeData, wire.EncodeDataPayload(1, []byte("scan")))
	if err := a.Send(ctx, in); err != nil {
		t.Fatalf("send: %v", err)
	}

	out, err := b.Recv(ctx)
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if out.MessageID != in.MessageID {
		t.Fatalf("frame mismatch: %s != %s", out.MessageID, in.MessageID)
	}
}

func TestMemBindErrInjection(t *testing.T) {
	a, _ := NewMemPair(KindNetwork, KindNetwork)
	a.SetBindErr(errors.New("boom"))

	err := a.Bind(context.Background())
	var bindErr *BindError
	if !errors.As(err, &bindErr) {
		t.Fatalf("expected *BindError, got %v", err)
	}
	if bindErr.Kind != KindNetwork {
		t.Fatalf("wrong kind in bind error: %v", bindErr.Kind)
	}
	if a.Status() != StatusFailed {
		t.Fatalf("status after failed bind: %v", a.Status())
	}
}

func TestMemRecvCancelled(t *testing.T) {
	a, _ := NewMemPair(KindCable, KindCable)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := a.Recv(ctx); !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
}

func TestMemRecvAfterClose(t *testing.T) {
	a, b := NewMemPair(KindCable, KindCable)
	b.Close()

	if err := a.Send(context.Background(), wire.NewFrame(wire.TypeData, nil)); !errors.Is(err, ErrClosed) {
		t.Fatalf("send to closed peer: %v", err)
	}
}

func TestCableBridgeHandshake(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	serialCh := make(chan string, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		serial, err := AcceptBridgeHandshake(conn, time.Second)
		if err != nil {
			conn.Close()
			return
		}
		serialCh <- serial
	}()

	ch := NewCableChannel(ln.Addr().String(), "SCN-0042")
	if err := ch.Bind(context.Background()); err != nil {
		t.Fatalf("cable bind: %v", err)
	}
	defer ch.Close()

	if ch.Status() != StatusBound {
		t.Fatalf("status after bind: %v", ch.Status())
	}

	select {
	case serial := <-serialCh:
		if serial != "SCN-0042" {
			t.Fatalf("serial mismatch: %q", serial)
		}
	case <-time.After(time.Second):
		t.Fatal("server never completed bridge handshake")
	}
}

func TestCableBindUnreachable(t *testing.T) {
	ch := NewCableChannel("127.0.0.1:1", "SCN-0042")
	ch.dialTimeout = 200 * time.Millisecond

	err := ch.Bind(context.Background())
	var bindErr *BindError
	if !errors.As(err, &bindErr) {
		t.Fatalf("expected *BindError, got %v", err)
	}
	if bindErr.Kind != KindCable {
		t.Fatalf("wrong kind: %v", bindErr.Kind)
	}
}

type staticDiscoverer struct{ cands []Candidate }

func (d staticDiscoverer) Discover(ctx context.Context) ([]Candidate, error) {
	return d.cands, nil
}

func TestNetworkBindViaDiscovery(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			defer conn.Close()
		}
	}()

	addr := ln.Addr().(*net.TCPAddr)
	d := staticDiscoverer{cands: []Candidate{
		{Address: "127.0.0.1", Port: 1, ProtocolVersion: 1},    // dead candidate first
		{Address: "127.0.0.1", Port: addr.Port, ProtocolVersion: 1},
	}}

	ch := NewNetworkChannel(d, "")
	ch.dialTimeout = 500 * time.Millisecond
	if err := ch.Bind(context.Background()); err != nil {
		t.Fatalf("network bind: %v", err)
	}
	defer ch.Close()

	if ch.Status() != StatusBound {
		t.Fatalf("status after bind: %v", ch.Status())
	}
}

func TestNetworkBindNoCandidates(t *testing.T) {
	ch := NewNetworkChannel(staticDiscoverer{}, "")
	err := ch.Bind(context.Background())
	var bindErr *BindError
	if !errors.As(err, &bindErr) {
		t.Fatalf("expected *BindError, got %v", err)
	}
}

func TestConnChannelFraming(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		accepted <- conn
	}()

	client := NewNetworkChannel(nil, ln.Addr().String())
	if err := client.Bind(context.Background()); err != nil {
		t.Fatalf("bind: %v", err)
	}
	defer client.Close()

	serverConn := <-accepted
	server := &connChannel{kind: KindNetwork}
	server.setConn(serverConn)
	server.SetStatus(StatusBound)
	defer server.Close()

	ctx := context.Background()
	for seq := uint64(1); seq <= 3; seq++ {
		in := wire.NewFrame(wire.TypeData, wire.EncodeDataPayload(seq, []byte("rec")))
		if err := client.Send(ctx, in); err != nil {
			t.Fatalf("send %d: %v", seq, err)
		}

		out, err := server.Recv(ctx)
		if err != nil {
			t.Fatalf("recv %d: %v", seq, err)
		}
		gotSeq, _, err := wire.DecodeDataPayload(out.Payload)
		if err != nil || gotSeq != seq {
			t.Fatalf("sequence mismatch: got %d want %d (%v)", gotSeq, seq, err)
		}
	}
}
