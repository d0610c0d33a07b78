// Package main is the entrypoint for the notification delivery worker.
//
// The worker consumes pre-rendered notification events from the
// notification queue, fans each one out into per-channel delivery tasks,
// executes provider calls behind per-(channel, provider) circuit
// breakers, and appends every stage transition to the delivery log. Tasks
// that fail transiently re-enter through the per-channel queues with
// backoff; exhausted or permanently failed tasks land in the channel's
// dead-letter queue.
//
// Startup order:
//  1. Initialize the structured JSON logger.
//  2. Load and validate configuration (fail fast).
//  3. Connect the Postgres pool and ping it.
//  4. Build AWS clients (SQS, CloudWatch) and the optional Redis guard.
//  5. Wire breaker store, repositories, recorder, gateways, dispatcher,
//     router, and intake.
//  6. Start the ops HTTP server and one consumer per queue.
//  7. On SIGINT/SIGTERM, stop polling, drain in-flight work, then exit.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"courier/internal/breaker"
	"courier/internal/config"
	"courier/internal/db"
	"courier/internal/delivery"
	"courier/internal/idempotency"
	"courier/internal/ops"
	"courier/internal/provider"
	"courier/internal/provider/email"
	"courier/internal/provider/push"
	"courier/internal/queue"
	"courier/internal/types"
)

// slogAdapter wraps *slog.Logger to implement the types.Logger interface.
// slog.Logger satisfies Info, Error, and Warn directly, but With returns
// *slog.Logger rather than types.Logger, so an adapter is necessary.
type slogAdapter struct {
	logger *slog.Logger
}

func (a *slogAdapter) Info(msg string, args ...any)  { a.logger.Info(msg, args...) }
func (a *slogAdapter) Error(msg string, args ...any) { a.logger.Error(msg, args...) }
func (a *slogAdapter) Warn(msg string, args ...any)  { a.logger.Warn(msg, args...) }
func (a *slogAdapter) With(args ...any) types.Logger {
	return &slogAdapter{logger: a.logger.With(args...)}
}

func logLevel(name string) slog.Level {
	switch name {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.New(slog.NewJSONHandler(os.Stderr, nil)).Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel(cfg.LogLevel),
	}))
	typedLogger := &slogAdapter{logger: logger}

	logger.Info("delivery worker starting",
		"environment", cfg.Environment,
		"version", cfg.Build.Version,
		"commit", cfg.Build.Commit)

	if err := run(cfg, typedLogger); err != nil {
		logger.Error("delivery worker exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("delivery worker stopped")
}

func run(cfg *config.Config, logger types.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Database pool.
	poolCfg, err := pgxpool.ParseConfig(cfg.Database.URL.Unmask())
	if err != nil {
		return err
	}
	poolCfg.MaxConns = int32(cfg.Database.MaxConns)
	poolCfg.MinConns = int32(cfg.Database.MinConns)
	poolCfg.MaxConnLifetime = cfg.Database.MaxConnLifetime
	poolCfg.HealthCheckPeriod = cfg.Database.HealthCheckPeriod

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return err
	}
	defer pool.Close()

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		return err
	}

	// AWS clients.
	awsOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.AWS.Region),
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsOpts...)
	if err != nil {
		return err
	}
	if cfg.AWS.EndpointURL != "" {
		awsCfg.BaseEndpoint = &cfg.AWS.EndpointURL
	}
	sqsClient := sqs.NewFromConfig(awsCfg)
	cwClient := cloudwatch.NewFromConfig(awsCfg)

	// Optional Redis idempotency guard.
	var guard delivery.SeenGuard
	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password.Unmask(),
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()
		guard = idempotency.NewGuard(redisClient, cfg.Redis.IdempotencyTTL)
	} else {
		logger.Warn("REDIS_ADDR not set, idempotency guard disabled")
	}

	topics := queue.Topics{
		Notification:    cfg.Queues.Notification,
		Push:            cfg.Queues.Push,
		Email:           cfg.Queues.Email,
		DeliveryLogs:    cfg.Queues.DeliveryLogs,
		ProviderAudit:   cfg.Queues.ProviderAudit,
		NotificationDLQ: cfg.Queues.NotificationDLQ,
		PushDLQ:         cfg.Queues.PushDLQ,
		EmailDLQ:        cfg.Queues.EmailDLQ,
	}
	publisher := queue.NewPublisher(sqsClient, topics, logger)

	// Persistence and the audit recorder.
	txm := db.NewTxManager(pool)
	repo := db.NewDeliveryLogRepository(pool, txm)
	recorder := delivery.NewRecorder(repo, publisher, types.RealClock{}, logger)

	metrics := delivery.NewCloudWatchNotificationMetrics(cwClient, logger)

	// Circuit breakers.
	breakers := breaker.New(breaker.Settings{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		CoolDown:         cfg.Breaker.CoolDown,
		CoolDownFactor:   cfg.Breaker.CoolDownFactor,
		MaxCoolDown:      cfg.Breaker.MaxCoolDown,
	}, types.RealClock{})

	// Providers. The HTTP clients carry no timeout of their own; each
	// gateway bounds its calls with the configured provider timeout.
	pushProvider := push.NewClient(&http.Client{}, push.ClientConfig{
		Endpoint:  cfg.Push.Endpoint,
		ServerKey: cfg.Push.APIKey.Unmask(),
	}, logger)
	emailProvider := email.NewClient(&http.Client{}, email.ClientConfig{
		APIKey:      cfg.Email.SendGridAPIKey.Unmask(),
		BaseURL:     cfg.Email.BaseURL,
		FromAddress: cfg.Email.FromAddress,
		FromName:    cfg.Email.FromName,
	}, logger)

	providers := map[types.ChannelType]provider.Provider{
		types.ChannelPush:  pushProvider,
		types.ChannelEmail: emailProvider,
	}
	gateways := make(map[types.ChannelType]*delivery.Gateway, len(providers))
	for channel, prov := range providers {
		gateways[channel] = delivery.NewGateway(channel, prov, breakers, recorder,
			publisher, cfg.Retry.ProviderTimeout, metrics, types.RealClock{}, logger)
	}

	dispatcher := delivery.NewDispatcher(recorder, publisher, delivery.RetryPolicy{
		MaxAttempts:   cfg.Retry.MaxAttempts,
		BaseDelay:     cfg.Retry.BaseDelay,
		MaxDelay:      cfg.Retry.MaxDelay,
		BackoffFactor: cfg.Retry.BackoffFactor,
	}, metrics, logger)

	router := delivery.NewRouter(gateways, dispatcher, recorder, cfg.Worker.Concurrency, logger)
	intake := delivery.NewIntake(router, recorder, guard, metrics, logger)

	// Ops HTTP server.
	probes := []ops.Probe{
		ops.ProbeFunc{ProbeName: "database", Fn: pool.Ping},
	}
	if redisClient != nil {
		probes = append(probes, ops.ProbeFunc{ProbeName: "redis", Fn: func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		}})
	}
	opsServer := &http.Server{
		Addr:    ":" + cfg.Ops.Port,
		Handler: ops.NewServer(probes, repo, breakers, logger).Handler(),
	}

	consumerCfg := func(queueURL string) queue.ConsumerConfig {
		return queue.ConsumerConfig{
			QueueURL:           queueURL,
			Concurrency:        cfg.Worker.Concurrency,
			ReconnectRetries:   cfg.Worker.ReconnectRetries,
			ReconnectBaseDelay: cfg.Worker.ReconnectBaseDelay,
		}
	}
	consumers := []*queue.Consumer{
		queue.NewConsumer(sqsClient, consumerCfg(topics.Notification), intake.HandleNotification,
			logger.With("queue", "notification")),
		queue.NewConsumer(sqsClient, consumerCfg(topics.Push), intake.HandleChannelTask,
			logger.With("queue", "notification.push")),
		queue.NewConsumer(sqsClient, consumerCfg(topics.Email), intake.HandleChannelTask,
			logger.With("queue", "notification.email")),
	}

	group, groupCtx := errgroup.WithContext(ctx)

	for _, consumer := range consumers {
		group.Go(func() error {
			return consumer.Run(groupCtx)
		})
	}

	group.Go(func() error {
		logger.Info("ops server listening", "port", cfg.Ops.Port)
		if err := opsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	// Shutdown sequencing: wait for the signal (or a fatal consumer
	// error), then drain in-flight lineages and stop the ops server.
	group.Go(func() error {
		<-groupCtx.Done()

		drainCtx, cancel := context.WithTimeout(context.WithoutCancel(groupCtx), cfg.Worker.ShutdownTimeout)
		defer cancel()

		done := make(chan struct{})
		go func() {
			router.Wait()
			close(done)
		}()
		select {
		case <-done:
			logger.Info("in-flight deliveries drained")
		case <-drainCtx.Done():
			logger.Warn("shutdown timeout reached with deliveries still in flight")
		}

		return opsServer.Shutdown(drainCtx)
	})

	return group.Wait()
}
