package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/willer/trading-bot/internal/broker"
	"github.com/willer/trading-bot/internal/bus"
	"github.com/willer/trading-bot/internal/config"
	cronrunner "github.com/willer/trading-bot/internal/cron"
	"github.com/willer/trading-bot/internal/db"
	"github.com/willer/trading-bot/internal/execution"
	"github.com/willer/trading-bot/internal/logger"
	"github.com/willer/trading-bot/internal/notify"
	"github.com/willer/trading-bot/internal/paas"
	gormrepository "github.com/willer/trading-bot/internal/repository/gorm"
	"github.com/willer/trading-bot/internal/scheduler"
	"github.com/willer/trading-bot/internal/service"
	"github.com/willer/trading-bot/internal/sizing"
)

func main() {
	cfgPath := os.Getenv("TB_CONFIG")
	if cfgPath == "" {
		cfgPath = "config/config.yaml"
	}

	envOnly := false
	if envOnlyRaw := os.Getenv("TB_ENV_ONLY"); envOnlyRaw != "" {
		envOnly = strings.EqualFold(envOnlyRaw, "true") || envOnlyRaw == "1"
	}

	cfg, err := config.Load(cfgPath, envOnly)
	if err != nil {
		panic(err)
	}
	if len(os.Args) > 1 && strings.TrimSpace(os.Args[1]) != "" {
		cfg.Bot.Name = strings.TrimSpace(os.Args[1])
	}

	logger, err := logger.New(cfg.Log, "broker", cfg.Bot.Name)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	if cfg.Bot.Name == "" {
		logger.Fatal("bot name is required (bot.name, TB_BOT_NAME or first argument)")
	}

	dbConn, err := db.Open(cfg.DB)
	if err != nil {
		logger.Fatal("db open failed", zap.Error(err))
	}
	defer db.Close(dbConn)

	if err := db.AutoMigrate(dbConn); err != nil {
		logger.Fatal("auto-migrate failed", zap.Error(err))
	}

	store := gormrepository.New(dbConn.Gorm)
	settingsSvc := &service.SystemSettingsService{Repo: store}
	if err := settingsSvc.EnsureDefaultSwitches(context.Background()); err != nil {
		logger.Warn("init default system switches failed", zap.Error(err))
	}

	signalBus, err := bus.Open(cfg.Bus, cfg.Redis)
	if err != nil {
		logger.Fatal("bus open failed", zap.Error(err))
	}
	defer signalBus.Close()

	book := config.NewAccountBook(cfg)
	if len(book.BotAccounts(cfg.Bot.Name)) == 0 {
		logger.Warn("bot has no accounts configured", zap.String("bot", cfg.Bot.Name))
	}
	instruments := broker.NewInstrumentTable(cfg.Instruments)
	registry := broker.NewRegistry(cfg.Broker, instruments, logger)

	reporter := &notify.Reporter{Logger: logger, Agent: cfg.PaaS.Agent}
	paasClient := initPaaSClient(cfg.PaaS, logger)
	if paasClient != nil {
		reporter.Sink = paasClient
	}

	orchestrator := &execution.Orchestrator{
		Repo:     store,
		Accounts: book,
		Brokers:  registry,
		Sizer:    &sizing.Engine{Config: cfg.Sizing, Logger: logger},
		Reporter: reporter,
		Config:   cfg.Execution,
		Logger:   logger,
	}
	worker := &service.Worker{
		Bus:          signalBus,
		Bot:          cfg.Bot.Name,
		SignalTopic:  cfg.Bus.SignalTopic,
		HealthTopic:  cfg.Bus.HealthTopic,
		HealthSignal: cfg.Bus.HealthSignal,
		MaxInFlight:  cfg.Execution.MaxInFlight,
		Executor:     orchestrator,
		Health:       &service.BrokerHealth{Bot: cfg.Bot.Name, Accounts: book, Brokers: registry},
		Settings:     settingsSvc,
		Logger:       logger,
	}
	retries := &scheduler.Scheduler{
		Repo:   store,
		Bus:    signalBus,
		Topic:  cfg.Bus.SignalTopic,
		Config: cfg.Scheduler,
		Logger: logger,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	baseCtx := ctx
	if paasClient != nil {
		baseCtx = paas.WithClient(ctx, paasClient)
	}

	if cfg.Cron.Enabled {
		cronRunner := cronrunner.New(logger, baseCtx)
		_, err = cronRunner.Add("retry_scheduler", cfg.Cron.Scheduler, service.Gated(settingsSvc, service.FeatureRetryScheduler, func(ctx context.Context) error {
			res, err := retries.Tick(ctx)
			if res.Published > 0 || res.Superseded > 0 || res.Failed > 0 {
				logger.Info("retry scheduler tick",
					zap.Int("due", res.Due),
					zap.Int("published", res.Published),
					zap.Int("superseded", res.Superseded),
					zap.Int("failed", res.Failed),
				)
			}
			return err
		}))
		if err != nil {
			logger.Fatal("cron add failed", zap.Error(err))
		}
		cronRunner.Start()
		defer cronRunner.Stop()
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("bot worker starting",
			zap.String("bot", cfg.Bot.Name),
			zap.Strings("accounts", book.BotAccounts(cfg.Bot.Name)),
			zap.String("bus", cfg.Bus.Driver),
		)
		errCh <- worker.Run(baseCtx)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
		// An in-flight signal sees the cancelled context at its next poll.
		select {
		case <-errCh:
		case <-time.After(5 * time.Second):
			logger.Warn("worker did not stop in time")
		}
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("worker stopped", zap.Error(err))
		} else {
			logger.Info("worker stopped")
		}
	}
}

func initPaaSClient(cfg config.PaaSConfig, logger *zap.Logger) *paas.Client {
	base := strings.TrimSpace(cfg.BaseURL)
	apiKey := strings.TrimSpace(cfg.APIKey)
	if base == "" {
		base = strings.TrimSpace(os.Getenv("EASYWEB3_API_BASE"))
	}
	if apiKey == "" {
		apiKey = strings.TrimSpace(os.Getenv("EASYWEB3_API_KEY"))
	}
	if base == "" || apiKey == "" {
		return nil
	}

	p := &paas.Client{BaseURL: base, APIKey: apiKey, Agent: cfg.Agent}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := p.Login(ctx); err != nil {
		if logger != nil {
			logger.Warn("paas login failed (logs/notify disabled)", zap.Error(err))
		}
		return nil
	}
	if logger != nil {
		logger.Info("paas login ok")
	}
	return p
}
