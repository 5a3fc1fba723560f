package transport

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/nfclink-server/nfclink-server-pro/pkg/wire"
)

// connChannel is the shared net.Conn-backed channel used by both the cable
// and network kinds once bound.
type connChannel struct {
	statusHolder

	kind Kind

	mu   sync.Mutex // guards conn swap on rebind
	conn net.Conn

	wmu sync.Mutex // serializes writers
}

func (c *connChannel) Kind() Kind { return c.kind }

func (c *connChannel) current() net.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

func (c *connChannel) setConn(conn net.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}

func (c *connChannel) Remote() string {
	conn := c.current()
	if conn == nil {
		return ""
	}
	return conn.RemoteAddr().String()
}

// Send writes one encoded frame. The ctx deadline (if any) is applied as the
// write deadline; cancellation surfaces as ErrCancelled.
func (c *connChannel) Send(ctx context.Context, f *wire.Frame) error {
	conn := c.current()
	if conn == nil {
		return ErrNotBound
	}

	if err := ctx.Err(); err != nil {
		return ErrCancelled
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetWriteDeadline(deadline)
	} else {
		conn.SetWriteDeadline(time.Now().Add(30 * time.Second))
	}

	if err := f.WriteTo(conn); err != nil {
		if ctx.Err() != nil {
			return ErrCancelled
		}
		return err
	}
	return nil
}

// Recv blocks until a full frame arrives. Cancellation is implemented with a
// short read-deadline poll; partial reads are kept across polls so framing
// stays aligned.
func (c *connChannel) Recv(ctx context.Context) (*wire.Frame, error) {
	conn := c.current()
	if conn == nil {
		return nil, ErrNotBound
	}

	header := make([]byte, wire.HeaderSize)
	if err := c.readFull(ctx, conn, header); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(header[24:28])
	if length > wire.MaxPayloadSize {
		return nil, wire.ErrCorruptFrame
	}

	data := make([]byte, wire.HeaderSize+int(length))
	copy(data, header)
	if err := c.readFull(ctx, conn, data[wire.HeaderSize:]); err != nil {
		return nil, err
	}

	return wire.Decode(data)
}

// readFull reads exactly len(buf) bytes, polling the read deadline so ctx
// cancellation is observed without dropping bytes already received.
func (c *connChannel) readFull(ctx context.Context, conn net.Conn, buf []byte) error {
	n := 0
	for n < len(buf) {
		if ctx.Err() != nil {
			return ErrCancelled
		}

		conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		m, err := conn.Read(buf[n:])
		n += m
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) || errors.Is(err, os.ErrClosed) || errors.Is(err, io.EOF) {
				return ErrClosed
			}
			return err
		}
	}
	return nil
}

// serverChannel wraps an already-accepted connection; Bind is a no-op
type serverChannel struct {
	connChannel
}

func (s *serverChannel) Bind(ctx context.Context) error {
	if s.current() == nil {
		return ErrNotBound
	}
	s.SetStatus(StatusBound)
	return nil
}

// NewServerChannel adapts an accepted net.Conn into a bound Channel
func NewServerChannel(kind Kind, conn net.Conn) Channel {
	ch := &serverChannel{connChannel: connChannel{kind: kind}}
	ch.setConn(conn)
	ch.SetStatus(StatusBound)
	return ch
}

func (c *connChannel) Close() error {
	conn := c.current()
	c.SetStatus(StatusUnbound)
	if conn == nil {
		return nil
	}
	c.setConn(nil)
	return conn.Close()
}
