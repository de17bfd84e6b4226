package stakingd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"riffstake/core/events"
	"riffstake/integrations/webhooks"
	"riffstake/native/staking"
	"riffstake/observability"
	"riffstake/observability/logging"
	telemetry "riffstake/observability/otel"
	"riffstake/services/stakingd/auth"
	stakingmw "riffstake/services/stakingd/middleware"
	"riffstake/services/stakingd/server"
	"riffstake/storage/redislock"
	"riffstake/storage/stakingdb"
)

const serviceName = "stakingd"

// Main initialises and runs the staking daemon.
func Main() error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/stakingd/config.yaml", "path to stakingd configuration")
	flag.Parse()

	cfg, err := LoadConfig(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if env := strings.TrimSpace(os.Getenv("RIFFSTAKE_ENV")); env != "" {
		cfg.Environment = env
	}
	logger := logging.SetupWith(os.Stdout, logging.Options{
		Service:    serviceName,
		Env:        cfg.Environment,
		Level:      cfg.Logging.Level,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})

	endpoint := cfg.Telemetry.Endpoint
	if value := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")); value != "" {
		endpoint = value
	}
	headers := cfg.Telemetry.Headers
	if value := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")); value != "" {
		headers = value
	}
	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: serviceName,
		Environment: cfg.Environment,
		Endpoint:    endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     telemetry.ParseHeaders(headers),
		Metrics:     cfg.Telemetry.Metrics,
		Traces:      cfg.Telemetry.Traces,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	db, err := stakingdb.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	if cfg.Database.AutoMigrate {
		if err := stakingdb.AutoMigrate(db); err != nil {
			return fmt.Errorf("migrate database: %w", err)
		}
	}
	logger.Info("database ready",
		slog.String("driver", cfg.Database.Driver),
		logging.MaskField("dsn", cfg.Database.DSN))

	emitters := events.Multi{events.LogEmitter{Logger: logger}, observability.Events()}
	if cfg.Webhook.Endpoint != "" {
		dispatcher, err := webhooks.NewDispatcher(cfg.Webhook.Endpoint, []byte(cfg.Webhook.Secret),
			webhooks.WithLogger(logger),
			webhooks.WithHTTPClient(&http.Client{Timeout: cfg.Webhook.Timeout.Duration}),
			webhooks.WithDrainTimeout(cfg.Webhook.DrainTimeout.Duration),
			webhooks.WithDeliveryRecorder(observability.Events()))
		if err != nil {
			return fmt.Errorf("init webhooks: %w", err)
		}
		defer dispatcher.Close()
		emitters = append(emitters, dispatcher)
	}

	opts := []staking.Option{
		staking.WithLogger(logger),
		staking.WithEmitter(emitters),
		staking.WithMetrics(observability.Staking()),
		staking.WithScale(cfg.Staking.Scale),
		staking.WithDefaultLockDays(cfg.Staking.DefaultLockDays),
		staking.WithLockTimeout(cfg.Staking.LockTimeout.Duration),
		staking.WithRetry(cfg.Staking.RetryAttempts, cfg.Staking.RetryInitial.Duration),
	}
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer client.Close()
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := client.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		opts = append(opts, staking.WithLocker(redislock.New(client, redislock.Config{
			TTL:  cfg.Redis.LockTTL.Duration,
			Wait: cfg.Staking.LockTimeout.Duration,
		})))
		logger.Info("using redis position locks", slog.String("addr", cfg.Redis.Addr))
	}
	engine := staking.NewEngine(stakingdb.New(db), opts...)

	authenticator, err := auth.New(auth.Config{
		Secret:   []byte(cfg.Auth.HMACSecret),
		Issuer:   cfg.Auth.Issuer,
		Audience: cfg.Auth.Audience,
		Leeway:   cfg.Auth.Leeway.Duration,
	})
	if err != nil {
		return fmt.Errorf("init auth: %w", err)
	}

	srv := server.New(server.Config{
		Engine: engine,
		DB:     db,
		Auth:   authenticator,
		RateLimit: stakingmw.RateLimit{
			RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
			Burst:             cfg.RateLimit.Burst,
		},
		RevenueScope: cfg.Auth.RevenueScope,
		Logger:       logger,
		Metrics:      observability.HTTP(),
		Ready:        pinger(db),
	})

	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("stakingd listening", slog.String("addr", cfg.ListenAddress))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info("stakingd stopped")
	return nil
}

func pinger(db *gorm.DB) func() error {
	return func() error {
		sqlDB, err := db.DB()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return sqlDB.PingContext(ctx)
	}
}
