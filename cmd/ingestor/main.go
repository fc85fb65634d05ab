// The ingestor owns the gateway session: it connects to the broker
// first, then identifies with the platform, and from then on every
// supported dispatch frame becomes one envelope on the exchange. It
// dies loudly when the broker reconnection budget runs out so the
// supervisor restarts it with a clean slate.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/arrakis/gateway/internal/broker"
	"github.com/arrakis/gateway/internal/config"
	"github.com/arrakis/gateway/internal/discord"
	"github.com/arrakis/gateway/internal/health"
	"github.com/arrakis/gateway/internal/ingest"
	"github.com/arrakis/gateway/internal/logging"
	"github.com/arrakis/gateway/internal/metrics"
	"github.com/arrakis/gateway/internal/tracing"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadIngestor()
	if err != nil {
		return err
	}
	log := logging.New(cfg.Env, cfg.LogLevel, "ingestor")
	log = log.With("shard_id", cfg.ShardID)

	shutdownTracing, err := tracing.Init("arrakis-ingestor", cfg.OTLPEndpoint)
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		shutdownTracing(ctx)
	}()

	m := metrics.NewIngestor(nil)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	topo := broker.Topology{
		Exchange:          cfg.ExchangeName,
		InteractionsQueue: cfg.InteractionQueue,
		EventsQueue:       cfg.EventQueue,
	}

	// The ingestor's only REST use: telling a user their interaction
	// could not be enqueued.
	replier := discord.NewReplier(discord.ReplierConfig{
		BotToken: cfg.BotToken,
		Logger:   log,
	})

	ing := ingest.New(ingest.Config{
		ShardID: cfg.ShardID,
		Errors:  replier,
		Metrics: m,
		Logger:  log,
	})

	pub := broker.NewPublisher(broker.PublisherConfig{
		URL:      cfg.BrokerURL,
		Topology: topo,
		Logger:   log,
		Metrics:  m,
		OnResult: ing.OnResult,
	})

	// Broker first: the gateway never starts until envelopes have
	// somewhere to go.
	if err := pub.Start(ctx); err != nil {
		return fmt.Errorf("broker startup: %w", err)
	}
	defer pub.Close()

	ing.Start(ctx, pub)
	defer ing.Close()

	gw := discord.NewGateway(discord.GatewayConfig{
		Token:      cfg.BotToken,
		ShardID:    cfg.ShardID,
		ShardCount: cfg.ShardCount,
		Logger:     log,
		Metrics:    m,
		OnEvent:    ing.OnEvent,
	})

	gwDone := make(chan struct{})
	go func() {
		defer close(gwDone)
		gw.Run(ctx)
	}()
	defer gw.Close()

	hs := health.NewServer(health.Config{
		Port:              cfg.Port,
		MemoryThresholdMB: cfg.MemoryThresholdMB,
		Logger:            log,
		Discord: func() health.DiscordCheck {
			st := gw.Status()
			return health.DiscordCheck{
				Connected: st.State == discord.StateReady,
				Latency:   st.LatencyMS,
				ShardID:   st.ShardID,
			}
		},
		Broker: func() health.BrokerCheck {
			st := pub.Status()
			return health.BrokerCheck{Connected: st.Connected, ChannelOpen: st.ChannelOpen}
		},
		Ready: func() bool {
			return gw.Status().State == discord.StateReady && pub.Status().Connected
		},
	})
	healthErr := hs.Start()
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		hs.Shutdown(sctx)
	}()

	log.Info("Ingestor started", "env", cfg.Env,
		"exchange", cfg.ExchangeName, "port", cfg.Port,
		"broker", logging.MaskURL(cfg.BrokerURL))

	select {
	case <-ctx.Done():
		log.Info("Shutdown signal received")
		return nil
	case <-pub.Fatal():
		// Reconnection budget exhausted; restarting is the recovery.
		log.Log(ctx, logging.LevelFatal, "Broker unreachable beyond reconnection budget")
		return fmt.Errorf("broker unreachable, exiting for restart")
	case err := <-healthErr:
		if err != nil {
			return fmt.Errorf("health server: %w", err)
		}
		return nil
	case <-gwDone:
		return nil
	}
}
