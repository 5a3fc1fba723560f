package session

import (
	"time"

	"github.com/google/uuid"

	"github.com/nfclink-server/nfclink-server-pro/internal/heartbeat"
	"github.com/nfclink-server/nfclink-server-pro/internal/transport"
	"github.com/nfclink-server/nfclink-server-pro/pkg/wire"
)

// Events delivered to the session actor. The inbox is the only way state is
// mutated, which gives a total order over frames, timers and quality reports.
type event interface{}

type evConnect struct {
	done chan error
}

type evSubmit struct {
	payload []byte
	fut     *Future
}

// evBindResult reports the outcome of one bind+handshake attempt
type evBindResult struct {
	kind transport.Kind
	ack  *wire.HandshakeAck
	err  error
}

// evFrame is one inbound frame from a channel reader
type evFrame struct {
	kind  transport.Kind
	frame *wire.Frame
}

// evChannelErr means a channel's reader died
type evChannelErr struct {
	kind transport.Kind
	err  error
}

// evReport is a quality report from a heartbeat monitor
type evReport struct {
	report heartbeat.Report
}

// evSendResult reports the outcome of one async frame write
type evSendResult struct {
	seq     uint64
	kind    transport.Kind
	elapsed time.Duration
	err     error
}

type evAckTimeout struct {
	seq uint64
}

type evResend struct {
	seq uint64
}

// evRebind asks for another bind attempt on one channel
type evRebind struct {
	kind transport.Kind
}

// evProbeStart registers a heartbeat round trip and sends the request
type evProbeStart struct {
	kind  transport.Kind
	id    uuid.UUID
	reply chan time.Duration
}

type evProbeCancel struct {
	id uuid.UUID
}

type evReconnectDeadline struct{}

type evCacheRetry struct{}

type evConnectivity struct{}

type evClose struct {
	drain bool
	done  chan struct{}
}

type evDrainDeadline struct{}
