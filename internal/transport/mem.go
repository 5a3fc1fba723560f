package transport

import (
	"context"
	"sync"

	"github.com/nfclink-server/nfclink-server-pro/pkg/wire"
)

// MemChannel is an in-process channel; two ends are connected by buffered
// frame queues. It exists for tests and for loopback wiring, and supports
// injecting bind/send failures and frame loss. A closed end can Bind again,
// the way a real channel redials.
type MemChannel struct {
	statusHolder

	kind Kind
	peer *MemChannel
	in   chan *wire.Frame

	mu        sync.Mutex
	closed    chan struct{}
	bindErr   error
	sendErr   error
	dropSends bool
}

// NewMemPair creates two connected in-memory channels. Each end reports the
// given kind so tests can stand in for cable or network media.
func NewMemPair(kindA, kindB Kind) (*MemChannel, *MemChannel) {
	a := &MemChannel{kind: kindA, in: make(chan *wire.Frame, 64), closed: make(chan struct{})}
	b := &MemChannel{kind: kindB, in: make(chan *wire.Frame, 64), closed: make(chan struct{})}
	a.peer = b
	b.peer = a
	return a, b
}

func (m *MemChannel) Kind() Kind     { return m.kind }
func (m *MemChannel) Remote() string { return "mem" }

// SetBindErr makes the next Bind fail with the given error
func (m *MemChannel) SetBindErr(err error) {
	m.mu.Lock()
	m.bindErr = err
	m.mu.Unlock()
}

// SetSendErr makes Send fail with the given error until cleared
func (m *MemChannel) SetSendErr(err error) {
	m.mu.Lock()
	m.sendErr = err
	m.mu.Unlock()
}

// SetDropSends silently discards sent frames (simulated loss) while set
func (m *MemChannel) SetDropSends(drop bool) {
	m.mu.Lock()
	m.dropSends = drop
	m.mu.Unlock()
}

func (m *MemChannel) closedCh() chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *MemChannel) Bind(ctx context.Context) error {
	m.mu.Lock()
	bindErr := m.bindErr
	if bindErr == nil {
		select {
		case <-m.closed:
			// reopen after a close, dropping frames from the old epoch
			m.closed = make(chan struct{})
			for len(m.in) > 0 {
				<-m.in
			}
		default:
		}
	}
	m.mu.Unlock()

	if bindErr != nil {
		m.SetStatus(StatusFailed)
		return &BindError{Kind: m.kind, Reason: "injected bind failure", Err: bindErr}
	}

	m.SetStatus(StatusBound)
	return nil
}

func (m *MemChannel) Send(ctx context.Context, f *wire.Frame) error {
	m.mu.Lock()
	sendErr := m.sendErr
	drop := m.dropSends
	closed := m.closed
	m.mu.Unlock()

	if sendErr != nil {
		return sendErr
	}
	if drop {
		return nil
	}

	// check closed ends first: the enqueue case below can be ready at the
	// same time and select must not race past a close
	select {
	case <-closed:
		return ErrClosed
	case <-m.peer.closedCh():
		return ErrClosed
	default:
	}

	select {
	case <-closed:
		return ErrClosed
	case <-m.peer.closedCh():
		return ErrClosed
	case <-ctx.Done():
		return ErrCancelled
	case m.peer.in <- f:
		return nil
	}
}

func (m *MemChannel) Recv(ctx context.Context) (*wire.Frame, error) {
	select {
	case f := <-m.in:
		return f, nil
	default:
	}

	select {
	case f := <-m.in:
		return f, nil
	case <-m.closedCh():
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ErrCancelled
	}
}

func (m *MemChannel) Close() error {
	m.mu.Lock()
	select {
	case <-m.closed:
	default:
		close(m.closed)
	}
	m.mu.Unlock()
	m.SetStatus(StatusUnbound)
	return nil
}
