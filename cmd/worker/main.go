package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/extra/redisotel/v9"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/noah-isme/learnhub-api/internal/config"
	"github.com/noah-isme/learnhub-api/internal/events"
	"github.com/noah-isme/learnhub-api/internal/lock"
	"github.com/noah-isme/learnhub-api/internal/obs"
	"github.com/noah-isme/learnhub-api/internal/payment"
	"github.com/noah-isme/learnhub-api/internal/resilience"
)

func main() {
	cfg := config.MustLoad()

	logger := obs.NewLogger(cfg.LogFormat, cfg.LogLevel, "learnhub-worker").With().Str("component", "worker").Logger()
	obs.MustRegisterDomainMetrics("learnhub", nil)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := obs.InitTracer(ctx, obs.TracingConfig{
		ServiceName:   "learnhub-worker",
		Environment:   cfg.AppEnv,
		Exporter:      cfg.TracingExporter,
		Endpoint:      cfg.TracingEndpoint,
		SamplingRatio: cfg.TracingSampleRatio,
	})
	if err != nil {
		logger.Error().Err(err).Msg("initialise tracing")
	} else {
		defer func() {
			if err := shutdownTracer(context.Background()); err != nil {
				logger.Error().Err(err).Msg("shutdown tracer")
			}
		}()
	}

	pool := mustInitDatabase(ctx, cfg, logger)
	defer pool.Close()

	redisClient := mustInitRedis(ctx, cfg, logger)
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Error().Err(err).Msg("close redis")
		}
	}()

	gateway, err := payment.NewGateway(cfg.Payment(),
		payment.WithLogger(logger),
		payment.WithHTTPClient(&resilience.HTTPClient{
			Client:      &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
			Breaker:     resilience.NewBreaker(cfg.Breaker()).WithLogger(logger),
			MaxAttempts: 1,
			Timeout:     cfg.PaymentHTTPTimeout,
			Target:      "payos",
			Logger:      &logger,
		}),
	)
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise payment gateway")
	}
	svc := &payment.Service{
		Store:   payment.NewPGStore(pool),
		Gateway: gateway,
		Logger:  logger,
		Events:  &events.Bus{
			Store:     events.PGStore{DB: pool},
			Notifiers: []events.Notifier{events.LogNotifier{Logger: logger}},
		},
	}

	r := reconciler{
		Reconcile:  svc.Reconcile,
		Locker:     lock.Locker{R: redisClient},
		LockTTL:    cfg.LockTTL,
		StaleAfter: cfg.ReconcileStaleAfter,
		Batch:      cfg.ReconcileBatch,
		Logger:     logger,
	}

	logger.Info().Dur("interval", cfg.ReconcileInterval).Str("payment_mode", string(gateway.Mode())).Msg("worker starting")
	if err := r.Run(ctx, cfg.ReconcileInterval); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("worker stopped with error")
	} else {
		logger.Info().Msg("worker shutdown complete")
	}
}

func mustInitDatabase(ctx context.Context, cfg *config.Config, logger zerolog.Logger) *pgxpool.Pool {
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse database config")
	}
	poolConfig.ConnConfig.Tracer = obs.PGXTracer{}
	poolConfig.MaxConns = 4
	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect database")
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		logger.Fatal().Err(err).Msg("ping database")
	}
	return pool
}

func mustInitRedis(ctx context.Context, cfg *config.Config, logger zerolog.Logger) *redis.Client {
	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse redis url")
	}
	redisClient := redis.NewClient(redisOpts)
	if err := redisotel.InstrumentTracing(redisClient); err != nil {
		logger.Error().Err(err).Msg("instrument redis tracing")
	}
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Fatal().Err(err).Msg("ping redis")
	}
	return redisClient
}
