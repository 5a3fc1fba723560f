package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/nfclink-server/nfclink-server-pro/internal/config"
	"github.com/nfclink-server/nfclink-server-pro/internal/discovery"
	"github.com/nfclink-server/nfclink-server-pro/internal/session"
	"github.com/nfclink-server/nfclink-server-pro/internal/transport"
)

// secretCreds presents the raw device secret as the handshake credential
type secretCreds string

func (c secretCreds) CurrentToken() (string, error) {
	if c == "" {
		return "", fmt.Errorf("no device secret configured")
	}
	return string(c), nil
}

func main() {
	var configPath = flag.String("config", "config/link-agent.yml", "path to config file")
	flag.Parse()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Str("config_path", *configPath).Msg("failed to load config")
	}

	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	channels := buildChannels(cfg)
	if len(channels) == 0 {
		log.Fatal().Msg("no transports configured: set bridge_addr or server_addr/use_discovery")
	}

	sess := session.New(session.Config{
		DeviceID:          cfg.Agent.DeviceID,
		ProtocolVersion:   cfg.Link.ProtocolVersion,
		HeartbeatInterval: cfg.Heartbeat.Interval,
		AckTimeout:        cfg.Delivery.AckTimeout,
		ReconnectDeadline: cfg.Delivery.ReconnectTime,
		CacheQueueSize:    cfg.Delivery.CacheSize,
	}, secretCreds(cfg.Agent.DeviceSecret), channels...)

	sess.OnStateChanged(func(from, to session.State) {
		log.Info().Str("from", from.String()).Str("to", to.String()).Msg("session state changed")
	})
	sess.OnMessageFailed(func(seq uint64, payload []byte, err error) {
		log.Warn().Uint64("sequence", seq).Err(err).Msg("scan delivery failed")
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Info().Str("signal", sig.String()).Msg("shutting down")
		cancel()
	}()

	connectCtx, connectCancel := context.WithTimeout(ctx, 30*time.Second)
	err = sess.Connect(connectCtx)
	connectCancel()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to establish session")
	}

	log.Info().
		Str("device", cfg.Agent.DeviceID).
		Str("session", sess.ID().String()).
		Msg("link agent connected")

	// Each stdin line is submitted as one scan payload
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			payload := make([]byte, len(line))
			copy(payload, line)

			fut, err := sess.Submit(ctx, payload)
			if err != nil {
				log.Error().Err(err).Msg("submit failed")
				continue
			}
			go func() {
				res, err := fut.Wait(ctx)
				if err != nil {
					return
				}
				if res.Err != nil {
					log.Warn().Uint64("sequence", res.Sequence).Err(res.Err).Msg("scan not delivered")
				} else {
					log.Debug().Uint64("sequence", res.Sequence).Msg("scan delivered")
				}
			}()
		}
		cancel()
	}()

	<-ctx.Done()

	closeCtx, closeCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer closeCancel()
	if err := sess.Close(closeCtx, true); err != nil {
		log.Warn().Err(err).Msg("session close incomplete")
	}

	log.Info().Msg("link agent stopped")
}

// buildChannels assembles the transport set from config: a cable channel
// when a bridge is configured, and a network channel when either a static
// server address or discovery is configured.
func buildChannels(cfg *config.Config) []transport.Channel {
	var channels []transport.Channel

	if cfg.Agent.BridgeAddr != "" {
		channels = append(channels,
			transport.NewCableChannel(cfg.Agent.BridgeAddr, cfg.Agent.BridgeSerial))
	}

	if cfg.Agent.ServerAddr != "" || cfg.Agent.UseDiscovery {
		var d transport.Discoverer
		if cfg.Agent.UseDiscovery {
			client := discovery.NewClient()
			if cfg.Agent.BroadcastAddr != "" {
				client.BroadcastAddr = cfg.Agent.BroadcastAddr
			}
			d = client
		}
		channels = append(channels,
			transport.NewNetworkChannel(d, cfg.Agent.ServerAddr))
	}

	return channels
}
