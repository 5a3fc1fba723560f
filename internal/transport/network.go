package transport

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog/log"
)

// Candidate is one discovered server endpoint
type Candidate struct {
	Address         string `json:"address"`
	Port            int    `json:"port"`
	ProtocolVersion int    `json:"protocolVersion"`
	AuthMode        string `json:"authMode"`
}

// Discoverer finds link-server candidates on the local network. Discovery is
// a collaborator concern; this package only consumes it.
type Discoverer interface {
	Discover(ctx context.Context) ([]Candidate, error)
}

// NetworkChannel binds to the server over the local network, locating it via
// broadcast discovery first.
type NetworkChannel struct {
	connChannel

	discoverer Discoverer

	// StaticAddr skips discovery when set (host:port)
	StaticAddr string

	dialTimeout time.Duration
}

// NewNetworkChannel creates an unbound network channel
func NewNetworkChannel(d Discoverer, staticAddr string) *NetworkChannel {
	c := &NetworkChannel{
		discoverer:  d,
		StaticAddr:  staticAddr,
		dialTimeout: 5 * time.Second,
	}
	c.kind = KindNetwork
	return c
}

// Bind discovers server candidates and dials the first one that answers.
// Candidates are re-queried on every attempt: binding runs on failure paths
// where cached addresses are usually stale.
func (c *NetworkChannel) Bind(ctx context.Context) error {
	c.SetStatus(StatusBinding)

	addrs, err := c.candidates(ctx)
	if err != nil {
		c.SetStatus(StatusFailed)
		return &BindError{Kind: KindNetwork, Reason: "discovery failed", Err: err}
	}
	if len(addrs) == 0 {
		c.SetStatus(StatusFailed)
		return &BindError{Kind: KindNetwork, Reason: "no server candidates found"}
	}

	d := net.Dialer{Timeout: c.dialTimeout}
	var lastErr error
	for _, addr := range addrs {
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			lastErr = err
			log.Debug().Str("addr", addr).Err(err).Msg("network candidate unreachable")
			continue
		}

		c.setConn(conn)
		c.SetStatus(StatusBound)

		log.Debug().Str("addr", addr).Msg("network channel bound")
		return nil
	}

	c.SetStatus(StatusFailed)
	return &BindError{Kind: KindNetwork, Reason: "all candidates unreachable", Err: lastErr}
}

func (c *NetworkChannel) candidates(ctx context.Context) ([]string, error) {
	if c.StaticAddr != "" {
		return []string{c.StaticAddr}, nil
	}
	if c.discoverer == nil {
		return nil, fmt.Errorf("no discoverer configured")
	}

	found, err := c.discoverer.Discover(ctx)
	if err != nil {
		return nil, err
	}

	addrs := make([]string, 0, len(found))
	for _, cand := range found {
		addrs = append(addrs, net.JoinHostPort(cand.Address, fmt.Sprintf("%d", cand.Port)))
	}
	return addrs, nil
}
