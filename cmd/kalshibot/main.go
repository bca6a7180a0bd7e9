package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/rewired-gh/kalshibot/internal/commands"
	"github.com/rewired-gh/kalshibot/internal/config"
	"github.com/rewired-gh/kalshibot/internal/health"
	"github.com/rewired-gh/kalshibot/internal/kalshi"
	"github.com/rewired-gh/kalshibot/internal/logger"
	"github.com/rewired-gh/kalshibot/internal/monitor"
	"github.com/rewired-gh/kalshibot/internal/scheduler"
	"github.com/rewired-gh/kalshibot/internal/storage"
	"github.com/rewired-gh/kalshibot/internal/telegram"
	"golang.org/x/sync/errgroup"
)

var configPath = flag.String("config", "configs/config.yaml", "Path to configuration file")

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger.Init(cfg.Logging.Level, cfg.Logging.Format)
	logger.Info("Configuration loaded from %s", *configPath)

	store, err := storage.New(cfg.Storage.DBPath)
	if err != nil {
		logger.Fatal("Failed to initialize storage: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("Failed to close storage: %v", err)
		}
	}()

	kalshiClient := kalshi.NewClient(
		cfg.Kalshi.BaseURL,
		cfg.Kalshi.Timeout,
		kalshi.ClientConfig{
			Limit:               cfg.Kalshi.Limit,
			MaxMarkets:          cfg.Kalshi.MaxMarkets,
			UserAgent:           cfg.Kalshi.UserAgent,
			MaxIdleConns:        cfg.Kalshi.MaxIdleConns,
			MaxIdleConnsPerHost: cfg.Kalshi.MaxIdleConnsPerHost,
			IdleConnTimeout:     cfg.Kalshi.IdleConnTimeout,
		},
	)

	detector := monitor.NewDetector()
	engine := monitor.NewEngine(kalshiClient, store, detector)

	router := commands.NewRouter(commands.Deps{
		Store:     store,
		Markets:   kalshiClient,
		Detector:  detector,
		Alerts:    engine,
		TopK:      cfg.Monitor.TopK,
		FindLimit: cfg.Monitor.FindLimit,
	})

	telegramClient, err := telegram.NewClient(
		cfg.Telegram.BotToken,
		router,
		store,
		cfg.Telegram.AdminChatID,
		cfg.Telegram.MaxRetries,
		cfg.Telegram.RetryDelayBase,
	)
	if err != nil {
		logger.Fatal("Failed to initialize Telegram client: %v", err)
	}
	if err := telegramClient.RegisterCommands(); err != nil {
		logger.Warn("Failed to register bot commands: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	failures := scheduler.NewFailureTracker(
		func(err error) {
			if sendErr := telegramClient.SendError(ctx, err); sendErr != nil {
				logger.Warn("Failed to send error notification to Telegram: %v", sendErr)
			}
		},
		func(n int) {
			if sendErr := telegramClient.SendRecovery(ctx, n); sendErr != nil {
				logger.Warn("Failed to send recovery notification to Telegram: %v", sendErr)
			}
		},
	)

	poller := scheduler.New(
		cfg.Monitor.PollInterval,
		func(ctx context.Context) error {
			return runAlertCycle(ctx, engine, telegramClient, cfg.Monitor.PollInterval)
		},
		scheduler.WithName("alert cycle"),
		scheduler.WithResultHandler(failures.Observe),
	)

	logger.Info("Starting alert service (interval: %v, page size: %d, max markets: %d, top_k: %d)",
		cfg.Monitor.PollInterval, cfg.Kalshi.Limit, cfg.Kalshi.MaxMarkets, cfg.Monitor.TopK)

	services := []service{
		{name: "alert poller", run: poller.Run},
		{name: "telegram listener", run: telegramClient.ListenForCommands},
	}
	if cfg.Health.Enabled {
		hs := health.NewServer(fmt.Sprintf(":%d", cfg.Health.Port), store)
		services = append(services, service{name: "health server", run: hs.Run})
	}

	if err := supervise(ctx, services...); err != nil {
		logger.Error("Service stopped with errors: %v", err)
		return
	}
	logger.Info("Service stopped")
}

// service is a long-running component started by supervise.
type service struct {
	name string
	run  func(ctx context.Context) error
}

// supervise runs every service until ctx is cancelled. A service that fails
// is logged and stays stopped; it never cancels the others, so the poller
// outlives a broken listener or health port.
func supervise(ctx context.Context, services ...service) error {
	var g errgroup.Group
	for _, svc := range services {
		g.Go(func() error {
			err := svc.run(ctx)
			if err == nil || errors.Is(err, context.Canceled) {
				return nil
			}
			logger.Error("%s stopped: %v", svc.name, err)
			return fmt.Errorf("%s: %w", svc.name, err)
		})
	}
	return g.Wait()
}

// runAlertCycle fetches one snapshot within budget and delivers any new alerts.
func runAlertCycle(ctx context.Context, engine *monitor.Engine, telegramClient *telegram.Client, budget time.Duration) error {
	startTime := time.Now()
	logger.Debug("Starting alert cycle")

	tickCtx, cancel := context.WithTimeout(ctx, budget)
	alerts, err := engine.Tick(tickCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("alert cycle abandoned: %w", err)
	}

	if len(alerts) > 0 {
		logger.Info("Detected %d threshold crossings", len(alerts))
		if err := telegramClient.SendAlerts(ctx, alerts); err != nil {
			// Delivery is best effort; the next crossing alerts again.
			logger.Error("Some alerts were not delivered: %v", err)
		}
	}

	logger.Debug("Alert cycle completed in %v", time.Since(startTime))
	return nil
}
