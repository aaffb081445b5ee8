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
	"github.com/noah-isme/learnhub-api/internal/db"
	"github.com/noah-isme/learnhub-api/internal/events"
	"github.com/noah-isme/learnhub-api/internal/health"
	"github.com/noah-isme/learnhub-api/internal/obs"
	"github.com/noah-isme/learnhub-api/internal/payment"
	"github.com/noah-isme/learnhub-api/internal/ratelimit"
	"github.com/noah-isme/learnhub-api/internal/resilience"
)

const metricsNamespace = "learnhub"

func main() {
	cfg := config.MustLoad()

	logger := obs.NewLogger(cfg.LogFormat, cfg.LogLevel, "learnhub-api").With().Str("env", cfg.AppEnv).Logger()
	obs.MustRegisterDomainMetrics(metricsNamespace, nil)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := obs.InitTracer(ctx, obs.TracingConfig{
		ServiceName:   "learnhub-api",
		Environment:   cfg.AppEnv,
		Exporter:      cfg.TracingExporter,
		Endpoint:      cfg.TracingEndpoint,
		SamplingRatio: cfg.TracingSampleRatio,
	})
	if err != nil {
		logger.Error().Err(err).Msg("initialise tracing")
		shutdownTracer = func(context.Context) error { return nil }
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			logger.Error().Err(err).Msg("shutdown tracer")
		}
	}()

	if cfg.MigrationsAuto {
		if err := db.Up(cfg.DatabaseURL, logger); err != nil {
			logger.Fatal().Err(err).Msg("apply migrations")
		}
	}

	startCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse database config")
	}
	poolConfig.ConnConfig.Tracer = obs.PGXTracer{}
	if poolConfig.ConnConfig.RuntimeParams == nil {
		poolConfig.ConnConfig.RuntimeParams = map[string]string{}
	}
	poolConfig.ConnConfig.RuntimeParams["application_name"] = "learnhub-api"
	pool, err := pgxpool.NewWithConfig(startCtx, poolConfig)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect database")
	}
	defer pool.Close()
	if err := pool.Ping(startCtx); err != nil {
		logger.Fatal().Err(err).Msg("ping database")
	}

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse redis url")
	}
	redisClient := redis.NewClient(redisOpts)
	if err := redisotel.InstrumentTracing(redisClient); err != nil {
		logger.Error().Err(err).Msg("instrument redis tracing")
	}
	if err := redisotel.InstrumentMetrics(redisClient); err != nil {
		logger.Error().Err(err).Msg("instrument redis metrics")
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Error().Err(err).Msg("close redis")
		}
	}()
	if err := redisClient.Ping(startCtx).Err(); err != nil {
		logger.Fatal().Err(err).Msg("ping redis")
	}

	gateway, err := payment.NewGateway(cfg.Payment(),
		payment.WithLogger(logger),
		payment.WithHTTPClient(payOSClient(cfg, logger)),
	)
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise payment gateway")
	}
	svc := &payment.Service{
		Store:     payment.NewPGStore(pool),
		Gateway:   gateway,
		ReturnURL: cfg.PaymentReturnURL,
		CancelURL: cfg.PaymentCancelURL,
		Logger:    logger,
		Events:    &events.Bus{
			Store:     events.PGStore{DB: pool},
			Notifiers: []events.Notifier{events.LogNotifier{Logger: logger}},
		},
	}

	limiter, err := checkoutLimiter(cfg, redisClient)
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise rate limiter")
	}

	handler := newRouter(routerDeps{
		Config:      cfg,
		Logger:      logger,
		Service:     svc,
		Limiter:     limiter,
		Redis:       redisClient,
		HTTPMetrics: obs.NewHTTPMetrics(metricsNamespace, obs.ParseBucketsCSV(cfg.MetricsBuckets), nil),
		Probes: []health.Probe{
			{Name: "postgres", Check: pool.Ping},
			{Name: "redis", Check: func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }},
		},
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", srv.Addr).Str("payment_mode", string(gateway.Mode())).Msg("server starting")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server exited unexpectedly")
		}
	case <-ctx.Done():
		health.SetReady(false)
		logger.Info().Msg("server draining")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("server shutdown")
		}
		logger.Info().Msg("server stopped")
	}
}

func payOSClient(cfg *config.Config, logger zerolog.Logger) *resilience.HTTPClient {
	return &resilience.HTTPClient{
		Client:      &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
		Breaker:     resilience.NewBreaker(cfg.Breaker()).WithLogger(logger),
		MaxAttempts: 1,
		Timeout:     cfg.PaymentHTTPTimeout,
		Target:      "payos",
		Logger:      &logger,
	}
}

func checkoutLimiter(cfg *config.Config, client *redis.Client) (ratelimit.Limiter, error) {
	if cfg.RateLimitBackend == "ulule" {
		fw, err := ratelimit.NewRedisFixedWindow(client, "rl:ulule")
		if err != nil {
			return nil, err
		}
		return fw, nil
	}
	return ratelimit.SlidingWindow{Client: client, Prefix: "rl:"}, nil
}
