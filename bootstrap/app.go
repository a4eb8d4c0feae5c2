package bootstrap

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"vigil/config"
	"vigil/core"
	"vigil/correlate"
	"vigil/notify"
	"vigil/storage"
)

// App wires the correlation engine to its storage and notification
// dependencies for standalone operation.
type App struct {
	Config *config.Config
	Logger *zap.Logger
	Sugar  *zap.SugaredLogger

	Mongo   *storage.MongoDB
	Rules   storage.RuleStorage
	Archive storage.EventArchive

	Engine *correlate.Engine

	redisChannel *notify.RedisChannel
	shutdownCh   chan struct{}
}

// NewApp loads configuration and initializes every component. The engine is
// built but not started.
func NewApp(ctx context.Context) (*App, error) {
	app := &App{shutdownCh: make(chan struct{})}

	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	app.Config = cfg

	logger, sugar, err := InitLogger(cfg.Logging.Level, cfg.Logging.JSON)
	if err != nil {
		return nil, err
	}
	app.Logger = logger
	app.Sugar = sugar

	sugar.Info("vigil starting...")

	mongo, err := storage.NewMongoDB(ctx, cfg.MongoDB.URI, cfg.MongoDB.Database, cfg.MongoDB.MaxPoolSize)
	if err != nil {
		return nil, err
	}
	app.Mongo = mongo

	ruleStorage := storage.NewMongoRuleStorage(mongo, sugar)
	archive := storage.NewMongoEventArchive(mongo, sugar)
	if err := archive.EnsureIndexes(ctx); err != nil {
		sugar.Warnw("Failed to ensure archive indexes", "error", err)
	}
	app.Rules = ruleStorage
	app.Archive = archive

	channels, err := app.buildChannels(ctx, cfg, sugar)
	if err != nil {
		return nil, err
	}

	cbConfig := core.CircuitBreakerConfig{
		MaxFailures:         cfg.Engine.CircuitBreaker.MaxFailures,
		Timeout:             cfg.Engine.CircuitBreaker.Timeout,
		MaxHalfOpenRequests: cfg.Engine.CircuitBreaker.MaxHalfOpenRequests,
	}

	conditions := correlate.NewConditionEvaluator(
		time.Duration(cfg.Engine.RegexTimeoutMs)*time.Millisecond, sugar)
	patterns := correlate.NewPatternMatcher(
		conditions, cfg.Engine.MaxFlowPaths, cfg.Engine.MaxFlowDepth, sugar)
	evaluator := correlate.NewRuleEvaluator(conditions, patterns, sugar)
	contexts := correlate.NewContextBuilder(
		archive, time.Duration(cfg.Engine.ContextWindowHours)*time.Hour, sugar)

	executor := correlate.NewActionExecutor(
		ruleStorage,
		storage.NewMongoAlertSink(mongo, sugar),
		nil, // entity service is provided by the host platform when embedded
		channels,
		cfg.Engine.ActionTimeout,
		cbConfig,
		sugar,
	)

	app.Engine = correlate.NewEngine(
		correlate.EngineConfig{
			QueueCapacity:         cfg.Engine.QueueCapacity,
			EvaluationConcurrency: cfg.Engine.EvaluationConcurrency,
			ActionWorkerCount:     cfg.Engine.ActionWorkerCount,
			Retention:             time.Duration(cfg.Engine.RetentionDays) * 24 * time.Hour,
			GCInterval:            cfg.Engine.GCInterval,
		},
		ruleStorage,
		archive,
		contexts,
		evaluator,
		correlate.NewStateTracker(),
		correlate.NewCollector(),
		executor,
		sugar,
	)

	return app, nil
}

func (a *App) buildChannels(ctx context.Context, cfg *config.Config, sugar *zap.SugaredLogger) ([]core.NotificationChannel, error) {
	var channels []core.NotificationChannel

	if cfg.Notifications.Webhook.Enabled {
		webhook, err := notify.NewWebhookChannel(
			cfg.Notifications.Webhook.URL,
			cfg.Notifications.Webhook.MinSeverity,
			time.Duration(cfg.Notifications.Webhook.TimeoutSec)*time.Second,
			core.DefaultCircuitBreakerConfig(),
			sugar,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to build webhook channel: %w", err)
		}
		channels = append(channels, webhook)
	}

	if cfg.Redis.Enabled {
		redisCh, err := notify.NewRedisChannel(
			ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.Channel, sugar)
		if err != nil {
			return nil, fmt.Errorf("failed to build redis channel: %w", err)
		}
		a.redisChannel = redisCh
		channels = append(channels, redisCh)
	}

	return channels, nil
}

// Start brings the engine up.
func (a *App) Start(ctx context.Context) error {
	return a.Engine.Start(ctx)
}

// WaitForShutdown blocks until SIGINT/SIGTERM or a programmatic shutdown.
func (a *App) WaitForShutdown() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		a.Sugar.Infow("Received signal, shutting down", "signal", sig.String())
	case <-a.shutdownCh:
		a.Sugar.Info("Programmatic shutdown requested")
	}
}

// Shutdown stops the engine and releases external connections.
func (a *App) Shutdown() {
	a.Sugar.Info("vigil shutting down...")

	if a.Engine != nil {
		a.Engine.Stop()
	}
	if a.redisChannel != nil {
		if err := a.redisChannel.Close(); err != nil {
			a.Sugar.Warnw("Failed to close redis channel", "error", err)
		}
	}
	if a.Mongo != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := a.Mongo.Close(ctx); err != nil {
			a.Sugar.Warnw("Failed to disconnect mongodb", "error", err)
		}
	}

	a.Sugar.Info("vigil stopped")
	_ = a.Logger.Sync()
}
