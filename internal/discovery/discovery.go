// Package discovery implements the broadcast service discovery used by the
// network transport: clients broadcast a query for the well-known service
// name and the link-server answers with its address and capability record.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/nfclink-server/nfclink-server-pro/internal/transport"
)

// ServiceName is the well-known service identifier in queries and adverts
const ServiceName = "nfclink-server"

// DefaultPort is the UDP port discovery traffic uses
const DefaultPort = 48912

// query is the broadcast request
type query struct {
	Service string `json:"service"`
	Query   bool   `json:"query"`
}

// advert is the responder's reply
type advert struct {
	Service         string `json:"service"`
	Port            int    `json:"port"`
	ProtocolVersion int    `json:"protocolVersion"`
	AuthMode        string `json:"authMode"`
}

// Client broadcasts discovery queries and collects server adverts
type Client struct {
	// BroadcastAddr is where queries are sent (default 255.255.255.255:DefaultPort)
	BroadcastAddr string

	// Window bounds how long replies are collected
	Window time.Duration
}

// NewClient creates a discovery client with defaults
func NewClient() *Client {
	return &Client{
		BroadcastAddr: fmt.Sprintf("255.255.255.255:%d", DefaultPort),
		Window:        2 * time.Second,
	}
}

// Discover broadcasts one query and returns every candidate that answers
// within the window.
func (c *Client) Discover(ctx context.Context) ([]transport.Candidate, error) {
	raddr, err := net.ResolveUDPAddr("udp4", c.BroadcastAddr)
	if err != nil {
		return nil, fmt.Errorf("resolve broadcast addr: %w", err)
	}

	conn, err := net.ListenUDP("udp4", nil)
	if err != nil {
		return nil, fmt.Errorf("open discovery socket: %w", err)
	}
	defer conn.Close()

	payload, err := json.Marshal(query{Service: ServiceName, Query: true})
	if err != nil {
		return nil, fmt.Errorf("marshal query: %w", err)
	}
	if _, err := conn.WriteToUDP(payload, raddr); err != nil {
		return nil, fmt.Errorf("send query: %w", err)
	}

	deadline := time.Now().Add(c.Window)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetReadDeadline(deadline)

	var candidates []transport.Candidate
	buf := make([]byte, 2048)
	for {
		n, src, err := conn.ReadFromUDP(buf)
		if err != nil {
			// window elapsed
			break
		}

		var adv advert
		if err := json.Unmarshal(buf[:n], &adv); err != nil || adv.Service != ServiceName {
			continue
		}

		candidates = append(candidates, transport.Candidate{
			Address:         src.IP.String(),
			Port:            adv.Port,
			ProtocolVersion: adv.ProtocolVersion,
			AuthMode:        adv.AuthMode,
		})

		log.Debug().
			Str("addr", src.String()).
			Int("port", adv.Port).
			Msg("discovery candidate found")
	}

	return candidates, nil
}

// Responder answers discovery queries on behalf of the link-server
type Responder struct {
	conn *net.UDPConn

	// LinkPort is the TCP port advertised to clients
	LinkPort        int
	ProtocolVersion int
	AuthMode        string
}

// NewResponder binds the discovery UDP port
func NewResponder(bindAddr string, linkPort, protocolVersion int, authMode string) (*Responder, error) {
	addr, err := net.ResolveUDPAddr("udp4", bindAddr)
	if err != nil {
		return nil, fmt.Errorf("resolve bind addr: %w", err)
	}

	conn, err := net.ListenUDP("udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("listen discovery: %w", err)
	}

	return &Responder{
		conn:            conn,
		LinkPort:        linkPort,
		ProtocolVersion: protocolVersion,
		AuthMode:        authMode,
	}, nil
}

// Start answers queries until ctx is done
func (r *Responder) Start(ctx context.Context) error {
	log.Info().Str("addr", r.conn.LocalAddr().String()).Msg("discovery responder started")

	go func() {
		<-ctx.Done()
		r.conn.Close()
	}()

	reply, err := json.Marshal(advert{
		Service:         ServiceName,
		Port:            r.LinkPort,
		ProtocolVersion: r.ProtocolVersion,
		AuthMode:        r.AuthMode,
	})
	if err != nil {
		return fmt.Errorf("marshal advert: %w", err)
	}

	buf := make([]byte, 2048)
	for {
		n, src, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Error().Err(err).Msg("discovery read error")
			continue
		}

		var q query
		if err := json.Unmarshal(buf[:n], &q); err != nil || q.Service != ServiceName || !q.Query {
			continue
		}

		if _, err := r.conn.WriteToUDP(reply, src); err != nil {
			log.Error().Err(err).Str("addr", src.String()).Msg("discovery reply failed")
			continue
		}

		log.Debug().Str("addr", src.String()).Msg("answered discovery query")
	}
}
