package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/willer/trading-bot/internal/bus"
	"github.com/willer/trading-bot/internal/config"
	"github.com/willer/trading-bot/internal/db"
	"github.com/willer/trading-bot/internal/handler"
	"github.com/willer/trading-bot/internal/intake"
	"github.com/willer/trading-bot/internal/logger"
	"github.com/willer/trading-bot/internal/paas"
	gormrepository "github.com/willer/trading-bot/internal/repository/gorm"
	"github.com/willer/trading-bot/internal/service"
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

	logger, err := logger.New(cfg.Log, "webhook", "")
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	authOpts := paas.AuthOptions{
		Disabled:       cfg.Server.AuthDisabled,
		RequireGateway: cfg.Server.RequireGateway,
		Token:          cfg.Server.APIToken,
	}
	if err := authOpts.Validate(); err != nil {
		logger.Fatal("refusing to start", zap.Error(err))
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

	intakeSvc := &intake.Service{
		Repo:   store,
		Bus:    signalBus,
		Topic:  cfg.Bus.SignalTopic,
		Bot:    cfg.Bot,
		Config: cfg.Intake,
		Logger: logger,
	}

	if strings.EqualFold(cfg.App.Env, "dev") {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(corsMiddleware())

	paasClient := initPaaSClient(cfg.PaaS, logger)
	engine.Use(paas.RequireBearerMiddleware(authOpts))
	engine.Use(paas.InjectClientMiddleware(paasClient))
	engine.Use(paas.PaaSWriteAuditMiddleware(paasClient, logger))

	healthHandler := &handler.HealthHandler{
		DB:           dbConn.Gorm,
		Bus:          signalBus,
		SignalTopic:  cfg.Bus.SignalTopic,
		HealthTopic:  cfg.Bus.HealthTopic,
		HealthSignal: cfg.Bus.HealthSignal,
		Timeout:      cfg.Server.HealthTimeout,
	}
	healthHandler.Register(engine)
	paas.RegisterDocs(engine)

	webhookHandler := &handler.WebhookHandler{Intake: intakeSvc, Logger: logger}
	webhookHandler.Register(engine)
	signalHandler := &handler.SignalHandler{Repo: store, Intake: intakeSvc}
	signalHandler.Register(engine)
	orderHandler := &handler.OrderHandler{Intake: intakeSvc}
	orderHandler.Register(engine)
	settingsHandler := &handler.SettingsHandler{Settings: settingsSvc}
	settingsHandler.Register(engine)

	srv := &http.Server{
		Addr:    cfg.Server.HTTPAddr,
		Handler: engine,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)

	go func() {
		logger.Info("http server starting", zap.String("addr", cfg.Server.HTTPAddr), zap.String("bus", cfg.Bus.Driver))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
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
			logger.Warn("paas login failed (audit logs disabled)", zap.Error(err))
		}
		return nil
	}
	if logger != nil {
		logger.Info("paas login ok")
	}
	return p
}
