package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/VanDung-dev/PeerHub-Engine/config"
	"github.com/VanDung-dev/PeerHub-Engine/monitoring"
	"github.com/VanDung-dev/PeerHub-Engine/network"
)

func main() {
	configPath := flag.String("config", "", "Path to a JSON config file")
	flag.Parse()

	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}
	zerolog.SetGlobalLevel(cfg.Level())

	if err := run(cfg); err != nil {
		log.Fatal().Err(err).Msg("Hub stopped with error")
	}
}

func loadConfig(path string) (config.Config, error) {
	cfg := config.DefaultConfig()
	if path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return cfg, err
		}
		cfg = loaded
	}
	if err := cfg.ApplyEnv(); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func run(cfg config.Config) error {
	wireOpts, err := cfg.WireOptions()
	if err != nil {
		return err
	}
	metrics := monitoring.NewMetrics("peerhub")

	opts := []network.Option{
		network.WithHost(cfg.Host),
		network.WithWorkers(cfg.Workers),
		network.WithWireOptions(wireOpts),
		network.WithOutboundQueue(cfg.OutboundQueue),
		network.WithHandshakeTimeout(cfg.HandshakeTimeout()),
		network.WithMaxNodes(cfg.MaxNodes),
		network.WithMetrics(metrics),
	}
	if cfg.AuthEnabled {
		opts = append(opts, network.WithAdmission(network.NewTokenAdmission(true, cfg.AuthToken)))
	}

	hub, err := network.NewServerMessenger(cfg.Name, cfg.Port, opts...)
	if err != nil {
		return err
	}
	defer hub.ShutDown()

	if cfg.EventsEndpoint != "" {
		events := network.NewZmqEventPublisher(cfg.EventsEndpoint, hub.LocalNode(), log.Logger)
		if err := events.Start(); err != nil {
			return err
		}
		defer events.Close()
		hub.AddConnectionChangeListener(events)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	if cfg.MetricsAddr != "" {
		status := monitoring.NewStatusServer(cfg.MetricsAddr, metrics, hub)
		g.Go(func() error {
			log.Info().Str("addr", cfg.MetricsAddr).Msg("Status server listening")
			return status.Start()
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return status.Stop(shutdownCtx)
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		log.Info().Msg("Shutting down hub...")
		hub.Flush()
		hub.ShutDown()
		return nil
	})

	log.Info().Stringer("node", hub.LocalNode()).Msg("Hub started")
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info().Msg("Hub stopped.")
	return nil
}
