package discovery

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"
)

func TestDiscoverFindsResponder(t *testing.T) {
	// bind the responder on an ephemeral loopback port and point the client
	// straight at it instead of broadcasting
	r, err := NewResponder("127.0.0.1:0", 9410, 1, "token")
	if err != nil {
		t.Fatalf("new responder: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Start(ctx)

	port := r.conn.LocalAddr().(*net.UDPAddr).Port
	c := NewClient()
	c.BroadcastAddr = fmt.Sprintf("127.0.0.1:%d", port)
	c.Window = 500 * time.Millisecond

	cands, err := c.Discover(context.Background())
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if len(cands) != 1 {
		t.Fatalf("expected 1 candidate, got %d", len(cands))
	}
	if cands[0].Port != 9410 || cands[0].ProtocolVersion != 1 {
		t.Fatalf("candidate mismatch: %+v", cands[0])
	}
}

func TestDiscoverIgnoresForeignService(t *testing.T) {
	// a responder for another service name must not be reported
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer conn.Close()

	go func() {
		buf := make([]byte, 2048)
		n, src, err := conn.ReadFromUDP(buf)
		if err != nil || n == 0 {
			return
		}
		conn.WriteToUDP([]byte(`{"service":"something-else","port":1}`), src)
	}()

	c := NewClient()
	c.BroadcastAddr = conn.LocalAddr().String()
	c.Window = 300 * time.Millisecond

	cands, err := c.Discover(context.Background())
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if len(cands) != 0 {
		t.Fatalf("expected no candidates, got %+v", cands)
	}
}
