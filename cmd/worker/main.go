// The worker drains the broker queues: idempotency check, tenant
// resolution, rate limiting, the interaction deferral and finally the
// registered handler, all inside the consumer's prefetch bound. It
// never opens a gateway session; the bot token is for REST only.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/arrakis/gateway/internal/broker"
	"github.com/arrakis/gateway/internal/config"
	"github.com/arrakis/gateway/internal/discord"
	"github.com/arrakis/gateway/internal/dispatch"
	"github.com/arrakis/gateway/internal/health"
	"github.com/arrakis/gateway/internal/logging"
	"github.com/arrakis/gateway/internal/metrics"
	"github.com/arrakis/gateway/internal/ratelimit"
	"github.com/arrakis/gateway/internal/state"
	"github.com/arrakis/gateway/internal/tenant"
	"github.com/arrakis/gateway/internal/tracing"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadWorker()
	if err != nil {
		return err
	}
	log := logging.New(cfg.Env, cfg.LogLevel, "worker")

	shutdownTracing, err := tracing.Init("arrakis-worker", cfg.OTLPEndpoint)
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		shutdownTracing(ctx)
	}()

	m := metrics.NewWorker(nil)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := state.NewRedis(cfg.RedisURL)
	if err != nil {
		return err
	}
	defer store.Close()

	db, err := openDB(ctx, cfg.DatabaseURL, log)
	if err != nil {
		return err
	}
	if db != nil {
		defer db.Close()
	}

	tiers := tenant.DefaultTiers()
	if cfg.TierFile != "" {
		if tiers, err = tenant.LoadTierFile(cfg.TierFile); err != nil {
			return err
		}
		log.Info("Tier table loaded from file", "path", cfg.TierFile)
	}

	tenants := tenant.NewManager(store, tenant.WithTiers(tiers), tenant.WithLogger(log))
	reloader := tenant.NewReloader(store, tenants, log)
	unsubscribe, err := reloader.Start(ctx)
	if err != nil {
		return fmt.Errorf("tenant reload subscription: %w", err)
	}
	defer unsubscribe()

	limiter := ratelimit.NewLimiter(store, log)
	replier := discord.NewReplier(discord.ReplierConfig{
		ApplicationID: cfg.ApplicationID,
		BotToken:      cfg.BotToken,
		Logger:        log,
	})

	registry := dispatch.NewRegistry()
	registerHandlers(registry)

	dispatcher := dispatch.NewDispatcher(dispatch.Config{
		Registry: registry,
		Tenants:  tenants,
		Limiter:  limiter,
		Replier:  replier,
		Metrics:  m,
		Logger:   log,
		Deps: dispatch.Deps{
			Replier:   replier,
			Store:     store,
			Sessions:  state.NewSessions(store, 0),
			Cooldowns: state.NewCooldowns(store),
			Limiter:   limiter,
			Logger:    log,
			DB:        db,
		},
	})

	consumer := broker.NewConsumer(broker.ConsumerConfig{
		URL: cfg.BrokerURL,
		Topology: broker.Topology{
			Exchange:          cfg.ExchangeName,
			InteractionsQueue: cfg.InteractionQueue,
			EventsQueue:       cfg.EventQueue,
		},
		Prefetch:     cfg.Prefetch,
		MaxRetries:   cfg.MaxRetries,
		DrainTimeout: time.Duration(cfg.DrainTimeoutSec) * time.Second,
		Logger:       log,
		Metrics:      m,
		Idempotency:  state.NewIdempotency(store, time.Duration(cfg.IdempotencyTTLHours)*time.Hour),
	}, dispatcher.Handle)

	if err := consumer.Start(ctx); err != nil {
		return fmt.Errorf("consumer startup: %w", err)
	}
	defer consumer.Stop()

	var healthErr <-chan error
	if cfg.MetricsPort > 0 {
		hs := health.NewServer(health.Config{
			Port:   cfg.MetricsPort,
			Logger: log,
			Broker: func() health.BrokerCheck {
				st := consumer.Status()
				return health.BrokerCheck{Connected: st.Connected, ChannelOpen: st.ChannelOpen}
			},
		})
		healthErr = hs.Start()
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			hs.Shutdown(sctx)
		}()
	}

	log.Info("Worker started", "env", cfg.Env,
		"prefetch", cfg.Prefetch, "handlers", len(registry.Types()),
		"broker", logging.MaskURL(cfg.BrokerURL))

	select {
	case <-ctx.Done():
		log.Info("Shutdown signal received, draining")
		return nil
	case <-consumer.Fatal():
		log.Log(ctx, logging.LevelFatal, "Broker connection lost")
		return fmt.Errorf("broker connection lost, exiting for restart")
	case err := <-healthErr:
		if err != nil {
			return fmt.Errorf("health server: %w", err)
		}
		return nil
	}
}

// openDB connects the handlers' SQL seam through the pooled proxy.
// Workers without DATABASE_URL run handler sets that need no SQL.
func openDB(ctx context.Context, url string, log *slog.Logger) (*sql.DB, error) {
	if url == "" {
		log.Info("No DATABASE_URL, SQL seam disabled")
		return nil, nil
	}
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("database open: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("database ping (%s): %w", logging.MaskURL(url), err)
	}
	log.Info("Database connected", "url", logging.MaskURL(url))
	return db, nil
}

// registerHandlers binds the command set. The business handlers live
// outside this repository and register themselves here at build time;
// the dispatcher's fallback answers anything unbound.
func registerHandlers(r *dispatch.Registry) {
	// Intentionally empty: the proxy ships no business handlers.
}
