package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/quantdesk/quantdesk/internal/agent"
	"github.com/quantdesk/quantdesk/internal/api"
	"github.com/quantdesk/quantdesk/internal/bus"
	"github.com/quantdesk/quantdesk/internal/config"
	"github.com/quantdesk/quantdesk/internal/data"
	"github.com/quantdesk/quantdesk/internal/db"
	"github.com/quantdesk/quantdesk/internal/indicators"
	"github.com/quantdesk/quantdesk/internal/llm"
	"github.com/quantdesk/quantdesk/internal/market"
	"github.com/quantdesk/quantdesk/internal/metrics"
	"github.com/quantdesk/quantdesk/internal/news"
	"github.com/quantdesk/quantdesk/internal/provider"
	"github.com/quantdesk/quantdesk/internal/resilience"
	"github.com/quantdesk/quantdesk/internal/state"
	"github.com/quantdesk/quantdesk/internal/telegram"
	"github.com/quantdesk/quantdesk/internal/tools"
)

const (
	listenerBuffer  = 256
	shutdownTimeout = 10 * time.Second
)

func main() {
	configPath := flag.String("config", "", "Path to config file (optional, env vars override)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	config.InitLogger(cfg.App.LogLevel, cfg.App.LogFormat)
	log := config.NewLogger("server")
	log.Info().Str("version", config.Version).Msg("Starting QuantDesk")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Vault.Enabled {
		if err := config.LoadSecretsFromVault(ctx, cfg); err != nil {
			log.Warn().Err(err).Msg("Vault secrets unavailable, falling back to environment")
		}
	}

	catalog := market.DefaultCatalog()
	if cfg.Market.CatalogPath != "" {
		catalog, err = market.LoadCatalog(cfg.Market.CatalogPath)
		if err != nil {
			log.Fatal().Err(err).Str("path", cfg.Market.CatalogPath).Msg("Failed to load symbol catalog")
		}
	}

	var metricsSrv *metrics.Server
	if cfg.Metrics.Enabled {
		metricsSrv = metrics.NewServer(cfg.Metrics.Port, config.NewLogger("metrics"))
		if err := metricsSrv.Start(); err != nil {
			log.Error().Err(err).Msg("Failed to start metrics server")
		}
	}

	// Candle store is optional: without it backfills go straight to the
	// provider REST APIs.
	var database *db.DB
	var store data.Store
	var updater *metrics.Updater
	if cfg.Database.Enabled {
		database, err = db.New(ctx, cfg.Database.URL)
		if err != nil {
			log.Warn().Err(err).Msg("Candle store unavailable, continuing with provider-only backfill")
		} else {
			store = database.Candles()
			updater = metrics.NewUpdater(database.Pool(), time.Minute)
			go updater.Start(ctx)
			defer updater.Stop()
			defer database.Close()
		}
	}

	var newsClient *news.Client
	if cfg.News.APIKey != "" {
		var newsCache *news.Cache
		if cfg.Redis.Enabled {
			newsCache, err = news.NewCache(cfg.Redis.GetRedisAddr(), cfg.Redis.Password, cfg.Redis.DB)
			if err != nil {
				log.Warn().Err(err).Msg("Redis unavailable, news served without cache")
			}
		}
		newsClient = news.NewClient(cfg.News, newsCache)
	} else {
		log.Info().Msg("No news API key configured, news_search tool disabled")
	}

	backoff := provider.DefaultBackoff()
	if d := cfg.Market.Backoff.GetBase(); d > 0 {
		backoff.Base = d
	}
	if d := cfg.Market.Backoff.GetMax(); d > 0 {
		backoff.Max = d
	}

	var adapters []provider.Adapter
	if cfg.Providers.Binance.Enabled {
		adapters = append(adapters, provider.NewBinanceAdapter(cfg.Providers.Binance, catalog, backoff, cfg.Market.EventBuffer))
	}
	if cfg.Providers.Alpaca.Enabled {
		adapters = append(adapters, provider.NewAlpacaAdapter(cfg.Providers.Alpaca, catalog, backoff, cfg.Market.EventBuffer))
	}
	if len(adapters) == 0 {
		log.Fatal().Msg("No providers enabled; enable at least one of providers.binance or providers.alpaca")
	}

	manager := data.NewManager(cfg.Market, catalog, adapters, store, nil, config.NewLogger("data"))

	breakers := resilience.NewBreakerManager()
	engine := indicators.NewEngine()
	completer := llm.NewClient(cfg.LLM, breakers)

	var registry *tools.Registry
	if newsClient != nil {
		registry, err = tools.NewRegistry(manager, newsClient, engine)
	} else {
		registry, err = tools.NewRegistry(manager, nil, engine)
	}
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build tool registry")
	}

	sessions := state.NewStore(cfg.Sessions, cfg.Agent.MaxHistory, config.NewLogger("state"))
	go sessions.Run(ctx)
	defer sessions.Close()

	analyst := agent.New(completer, registry, cfg.Agent, config.NewLogger("agent"))

	// Optional front ends and fan-outs wire in before the manager starts
	// so no quote is observed before every listener is registered.
	var bot *telegram.Bot
	if cfg.Telegram.Enabled {
		bot, err = telegram.NewBot(cfg.Telegram, manager, analyst, sessions, config.NewLogger("telegram"))
		if err != nil {
			log.Error().Err(err).Msg("Telegram bot unavailable, continuing without it")
		} else {
			manager.SetAlerter(telegram.NewAlerter(bot, cfg.Telegram.AdminChatID, config.NewLogger("telegram")))
			go func() {
				if err := bot.Run(ctx); err != nil {
					log.Error().Err(err).Msg("Telegram bot stopped")
				}
			}()
		}
	}

	var publisher *bus.Publisher
	if cfg.NATS.Enabled {
		publisher, err = bus.NewPublisher(cfg.NATS, config.NewLogger("bus"))
		if err != nil {
			log.Warn().Err(err).Msg("NATS unavailable, market updates will not be published")
		} else {
			defer publisher.Close()
			busQuotes := make(chan market.Quote, listenerBuffer)
			busCandles := make(chan market.Candle, listenerBuffer)
			manager.AddListener(busQuotes)
			manager.AddCandleListener(busCandles)
			go publisher.Run(ctx, busQuotes)
			go publisher.RunCandles(ctx, busCandles)
		}
	}

	hub := api.NewHub(config.NewLogger("ws"))
	hubQuotes := make(chan market.Quote, listenerBuffer)
	manager.AddListener(hubQuotes)
	go hub.Run(ctx, hubQuotes)

	manager.Start(ctx)
	defer manager.Close()

	if err := manager.Watch(ctx, cfg.Market.WatchList); err != nil {
		log.Warn().Err(err).Msg("Watch-list subscription failed, continuing")
	}

	deps := api.Deps{
		Market:   manager,
		Agent:    analyst,
		Sessions: sessions,
		Engine:   engine,
		Hub:      hub,
	}
	if newsClient != nil {
		deps.News = newsClient
	}
	if database != nil {
		deps.DB = database
	}

	server := api.NewServer(cfg.Server, deps, config.NewLogger("api"))

	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- server.Start()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		log.Error().Err(err).Msg("API server error")
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
	}

	log.Info().Msg("Shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := server.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Failed to stop API server gracefully")
	}
	if metricsSrv != nil {
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Failed to stop metrics server gracefully")
		}
	}

	log.Info().Msg("Shutdown complete")
}
