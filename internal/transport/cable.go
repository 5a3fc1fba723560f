package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/rs/zerolog/log"
)

// Bridge preamble exchanged when binding to the local cable bridge. The
// bridge daemon exposes the USB-attached device as a local TCP port; the
// preamble confirms something on the other end actually is the bridge.
var (
	bridgeHello = []byte("NLKB")
	bridgeOkay  = []byte("OKAY")
)

// CableChannel binds to a USB device through a local bridged TCP port
type CableChannel struct {
	connChannel

	// BridgeAddr is the local endpoint the bridge daemon listens on
	BridgeAddr string

	// Serial identifies the bridged device, sent after the preamble
	Serial string

	dialTimeout time.Duration
}

// NewCableChannel creates an unbound cable channel
func NewCableChannel(bridgeAddr, serial string) *CableChannel {
	c := &CableChannel{
		BridgeAddr:  bridgeAddr,
		Serial:      serial,
		dialTimeout: 5 * time.Second,
	}
	c.kind = KindCable
	return c
}

// Bind dials the bridge port and performs the bridged port handshake
func (c *CableChannel) Bind(ctx context.Context) error {
	c.SetStatus(StatusBinding)

	d := net.Dialer{Timeout: c.dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", c.BridgeAddr)
	if err != nil {
		c.SetStatus(StatusFailed)
		return &BindError{Kind: KindCable, Reason: "bridge port unreachable", Err: err}
	}

	if err := c.bridgeHandshake(conn); err != nil {
		conn.Close()
		c.SetStatus(StatusFailed)
		return &BindError{Kind: KindCable, Reason: "bridge handshake failed", Err: err}
	}

	c.setConn(conn)
	c.SetStatus(StatusBound)

	log.Debug().
		Str("bridge", c.BridgeAddr).
		Str("serial", c.Serial).
		Msg("cable channel bound")

	return nil
}

// bridgeHandshake sends HELLO + serial and expects OKAY back
func (c *CableChannel) bridgeHandshake(conn net.Conn) error {
	conn.SetDeadline(time.Now().Add(c.dialTimeout))
	defer conn.SetDeadline(time.Time{})

	msg := make([]byte, 0, len(bridgeHello)+1+len(c.Serial))
	msg = append(msg, bridgeHello...)
	msg = append(msg, byte(len(c.Serial)))
	msg = append(msg, c.Serial...)
	if _, err := conn.Write(msg); err != nil {
		return fmt.Errorf("write preamble: %w", err)
	}

	reply := make([]byte, 4)
	if _, err := io.ReadFull(conn, reply); err != nil {
		return fmt.Errorf("read preamble reply: %w", err)
	}
	if !bytes.Equal(reply, bridgeOkay) {
		return fmt.Errorf("unexpected bridge reply %q", reply)
	}

	return nil
}

// AcceptBridgeHandshake is the server side of the bridged port handshake,
// used by the link-server when a bridge forwards a device connection. It
// returns the device serial the bridge announced.
func AcceptBridgeHandshake(conn net.Conn, timeout time.Duration) (string, error) {
	conn.SetDeadline(time.Now().Add(timeout))
	defer conn.SetDeadline(time.Time{})

	head := make([]byte, len(bridgeHello)+1)
	if _, err := io.ReadFull(conn, head); err != nil {
		return "", fmt.Errorf("read preamble: %w", err)
	}
	if !bytes.Equal(head[:len(bridgeHello)], bridgeHello) {
		return "", fmt.Errorf("unexpected preamble %q", head[:len(bridgeHello)])
	}

	serial := make([]byte, int(head[len(bridgeHello)]))
	if _, err := io.ReadFull(conn, serial); err != nil {
		return "", fmt.Errorf("read serial: %w", err)
	}

	if _, err := conn.Write(bridgeOkay); err != nil {
		return "", fmt.Errorf("write reply: %w", err)
	}

	return string(serial), nil
}
