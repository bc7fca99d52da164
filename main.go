package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"dhan-agent-bot/config"
	"dhan-agent-bot/internal/agent"
	"dhan-agent-bot/internal/api"
	"dhan-agent-bot/internal/database"
	"dhan-agent-bot/internal/dhan"
	"dhan-agent-bot/internal/logging"
	"dhan-agent-bot/internal/marketdata"
	"dhan-agent-bot/internal/orders"
	"dhan-agent-bot/internal/positions"
	"dhan-agent-bot/internal/vault"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLog := logging.New(config.LoggingConfig{Level: "info", Output: "stderr", JSONFormat: true})
		bootLog.Fatal().Err(err).Msg("failed to load configuration")
	}

	log := logging.New(cfg.LoggingConfig)
	log.Info().Bool("live_trading", cfg.BrokerConfig.LiveTrading).Msg("starting dhan-agent-bot")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Broker credentials, optionally from Vault
	vaultClient, err := vault.NewClient(cfg.VaultConfig)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create vault client")
	}
	creds, err := vaultClient.FetchBrokerCredentials(ctx, vault.BrokerCredentials{
		ClientID:    cfg.BrokerConfig.ClientID,
		AccessToken: cfg.BrokerConfig.AccessToken,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to fetch broker credentials")
	}
	if creds.ClientID == "" || creds.AccessToken == "" {
		log.Fatal().Msg("broker credentials are not configured")
	}

	broker := dhan.NewClient(cfg.BrokerConfig.BaseURL, creds.ClientID, creds.AccessToken)

	// Optional persistence
	var (
		db       *database.DB
		posRepo  positions.Repository
		runStore agent.RunStore
		runList  api.RunLister
		health   api.HealthChecker
	)
	if cfg.DatabaseConfig.Enabled {
		db, err = database.NewDB(cfg.DatabaseConfig, log)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to database")
		}
		defer db.Close()
		if err := db.RunMigrations(ctx); err != nil {
			log.Fatal().Err(err).Msg("failed to run migrations")
		}
		posRepo = database.NewPositionRepository(db)
		runRepo := database.NewRunRepository(db)
		runStore = runRepo
		runList = runRepo
		health = db
	}

	// Idempotency store: redis when available, in-process otherwise
	var idemStore orders.IdempotencyStore = orders.NewMemoryStore()
	if cfg.RedisConfig.Enabled {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisConfig.Address,
			Password: cfg.RedisConfig.Password,
			DB:       cfg.RedisConfig.DB,
			PoolSize: cfg.RedisConfig.PoolSize,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			log.Warn().Err(err).Msg("redis unreachable, falling back to in-memory idempotency store")
		} else {
			idemStore = orders.NewRedisStore(redisClient, log)
			defer redisClient.Close()
		}
	}

	// Market data: push feed with tick cache, REST gateway behind it
	var feedSource marketdata.FeedSource
	if cfg.FeedConfig.Enabled {
		ticks := dhan.NewTickCache(time.Duration(cfg.FeedConfig.TickStaleSec) * time.Second)
		feed := dhan.NewFeedHub(cfg.FeedConfig.URL, creds.ClientID, creds.AccessToken, ticks, log)
		if err := feed.Start(); err != nil {
			log.Fatal().Err(err).Msg("failed to start feed hub")
		}
		defer feed.Stop()
		feedSource = feed
	}

	gateway := marketdata.NewGateway(broker, log)
	resolver := marketdata.NewResolver(feedSource, gateway, log)
	cache := marketdata.NewShortTTLCache()

	ledger := positions.NewLedger(posRepo, log)
	gate := orders.NewGate(broker, idemStore, ledger, resolver, cfg.BrokerConfig.LiveTrading,
		cfg.RiskConfig.MaxConcurrentPositions, log)

	dispatcher := agent.NewDispatcher(gateway, cache, gate, ledger, cfg.RiskConfig,
		cfg.AgentConfig.OptionChainCacheTTL, log)

	planner, err := agent.NewLLMPlanner(cfg.AIConfig)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create planner")
	}
	log.Info().Str("provider", string(planner.Provider())).Msg("planner ready")

	runner, err := agent.NewRunner(planner, dispatcher, runStore, cfg.AgentConfig, cfg.RiskConfig, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create agent runner")
	}

	server := api.NewServer(cfg.ServerConfig, runner, ledger, runList, health, log)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("HTTP server failed")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(),
		time.Duration(cfg.ServerConfig.ShutdownTimeout)*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	log.Info().Msg("shutdown complete")
	os.Exit(0)
}
