package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/nfclink-server/nfclink-server-pro/internal/api"
	"github.com/nfclink-server/nfclink-server-pro/internal/auth"
	"github.com/nfclink-server/nfclink-server-pro/internal/config"
	"github.com/nfclink-server/nfclink-server-pro/internal/integration"
	"github.com/nfclink-server/nfclink-server-pro/internal/server"
	"github.com/nfclink-server/nfclink-server-pro/internal/storage"
)

func main() {
	var configPath = flag.String("config", "config/link-server.yml", "path to config file")
	var validateOnly = flag.Bool("validate", false, "validate config and exit")
	flag.Parse()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Str("config_path", *configPath).Msg("failed to load config")
	}

	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil {
		log.Warn().Str("level", cfg.Log.Level).Msg("invalid log level, using info")
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if cfg.Log.Format == "json" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}

	if *validateOnly {
		fmt.Println("config ok")
		return
	}

	log.Info().
		Str("config_path", *configPath).
		Str("name", cfg.Server.Name).
		Msg("link server starting")

	store, err := storage.NewPostgresStore(
		cfg.Database.DSN,
		cfg.Database.MaxOpenConns,
		cfg.Database.MaxIdleConns,
		cfg.Database.ConnMaxLifetime,
	)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer store.Close()

	nc, err := nats.Connect(cfg.NATS.URL,
		nats.Name(cfg.NATS.ClientID),
		nats.ReconnectWait(cfg.NATS.ReconnectInterval),
		nats.MaxReconnects(cfg.NATS.MaxReconnects))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to NATS")
	}
	defer nc.Close()

	linkServer := server.New(cfg, store, auth.NewJWTManager(&cfg.JWT), nc)
	subscriber := server.NewNATSSubscriber(nc, linkServer, store)
	forwarder := integration.NewForwarderService(cfg, nc, store)
	restServer := api.NewRESTServer(cfg, store, nc)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := linkServer.Start(ctx); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("link server failed")
			cancel()
		}
	}()
	go func() {
		if err := subscriber.Start(ctx); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("NATS subscriber failed")
			cancel()
		}
	}()
	go func() {
		if err := forwarder.Start(ctx); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("integration forwarder failed")
			cancel()
		}
	}()
	go func() {
		addr := fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port)
		if err := restServer.ListenAndServe(addr); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("REST API server failed")
			cancel()
		}
	}()

	select {
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case <-ctx.Done():
		log.Info().Msg("context cancelled, shutting down")
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := restServer.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("REST API shutdown incomplete")
	}

	log.Info().Msg("link server stopped")
}
