package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/nfclink-server/nfclink-server-pro/pkg/wire"
)

// Kind identifies the physical medium behind a channel
type Kind int

const (
	KindNone Kind = iota
	KindCable
	KindNetwork
	KindMem
)

func (k Kind) String() string {
	switch k {
	case KindCable:
		return "cable"
	case KindNetwork:
		return "network"
	case KindMem:
		return "mem"
	default:
		return "none"
	}
}

// Status represents the channel lifecycle
type Status int

const (
	StatusUnbound Status = iota
	StatusBinding
	StatusBound
	StatusDegraded
	StatusFailed
	StatusStandby
)

func (s Status) String() string {
	switch s {
	case StatusBinding:
		return "binding"
	case StatusBound:
		return "bound"
	case StatusDegraded:
		return "degraded"
	case StatusFailed:
		return "failed"
	case StatusStandby:
		return "standby"
	default:
		return "unbound"
	}
}

// Common errors
var (
	ErrClosed    = errors.New("channel closed")
	ErrNotBound  = errors.New("channel not bound")
	ErrCancelled = errors.New("operation cancelled")
)

// BindError reports a uniform binding failure for any channel kind
type BindError struct {
	Kind   Kind
	Reason string
	Err    error
}

func (e *BindError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("bind %s: %s: %v", e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("bind %s: %s", e.Kind, e.Reason)
}

func (e *BindError) Unwrap() error { return e.Err }

// Channel is a byte-pipe carrying framed messages over one physical medium.
// It never interprets message semantics. Exactly one reader and one writer
// goroutine are expected.
type Channel interface {
	Kind() Kind

	// Bind establishes the physical link. Failures are reported as *BindError.
	Bind(ctx context.Context) error

	// Send writes one frame. It may block awaiting buffer space.
	Send(ctx context.Context, f *wire.Frame) error

	// Recv blocks until a frame arrives, ctx is done, or the channel closes.
	Recv(ctx context.Context) (*wire.Frame, error)

	Close() error

	Status() Status
	SetStatus(s Status)

	// Remote describes the bound endpoint, for logging
	Remote() string
}

// statusHolder provides the shared Status/SetStatus implementation
type statusHolder struct {
	mu     sync.RWMutex
	status Status
}

func (h *statusHolder) Status() Status {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.status
}

func (h *statusHolder) SetStatus(s Status) {
	h.mu.Lock()
	h.status = s
	h.mu.Unlock()
}
