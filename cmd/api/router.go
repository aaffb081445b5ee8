package main

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/learnhub-api/internal/common"
	"github.com/noah-isme/learnhub-api/internal/config"
	"github.com/noah-isme/learnhub-api/internal/health"
	"github.com/noah-isme/learnhub-api/internal/obs"
	"github.com/noah-isme/learnhub-api/internal/payment"
	"github.com/noah-isme/learnhub-api/internal/ratelimit"
	"github.com/noah-isme/learnhub-api/internal/security"
)

type routerDeps struct {
	Config      *config.Config
	Logger      zerolog.Logger
	Service     *payment.Service
	Limiter     ratelimit.Limiter
	Redis       *redis.Client
	HTTPMetrics *obs.HTTPMetrics
	Probes      []health.Probe
}

func newRouter(d routerDeps) http.Handler {
	cfg := d.Config
	paymentHandler := &payment.Handler{Svc: d.Service, Logger: d.Logger}
	webhook := payment.Webhook{
		Svc:       d.Service,
		Replay:    d.Redis,
		ReplayTTL: cfg.WebhookReplayTTL,
		Logger:    d.Logger,
	}
	idem := common.Idem{R: d.Redis, TTL: cfg.IdempotencyTTL}
	checkoutLimit := ratelimit.Handler{
		Limiter: d.Limiter,
		Config: ratelimit.Config{
			Key:    ratelimit.ByClientIP("checkout"),
			Window: cfg.RateLimitCheckoutWindow,
			Max:    cfg.RateLimitCheckoutMax,
		},
		OnError: func(err error) {
			d.Logger.Warn().Err(err).Msg("rate limiter unavailable")
		},
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(obs.TracingMiddleware)
	if d.HTTPMetrics != nil {
		r.Use(obs.HTTPObs{Metrics: d.HTTPMetrics}.Middleware)
	}
	r.Use(obs.RequestLogger{Logger: d.Logger}.Middleware)
	r.Use(security.Headers{EnableHSTS: cfg.IsProduction()}.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins(cfg),
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "Idempotency-Key"},
		ExposedHeaders: []string{"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "Retry-After"},
		MaxAge:         300,
	}))

	r.Handle("/metrics", promhttp.Handler())
	if cfg.PprofEnabled {
		r.Mount("/debug", protectPprof(middleware.Profiler(), cfg.PprofUser, cfg.PprofPass))
	}
	healthHandler := health.Handler{Probes: d.Probes}
	r.Get("/health/live", healthHandler.Live)
	r.Get("/health/ready", healthHandler.Ready)

	r.Route("/api/v1", func(v chi.Router) {
		v.Route("/payments", func(p chi.Router) {
			p.With(checkoutLimit.Middleware, idem.Middleware).Post("/checkout", paymentHandler.Checkout)
			p.Get("/{orderCode}", paymentHandler.Status)
			if cfg.PaymentMockMode {
				p.Post("/{orderCode}/mock-confirm", paymentHandler.MockConfirm)
			}
		})
		v.With(security.BodyLimit{Max: cfg.WebhookMaxBodyBytes}.Middleware).Post("/webhooks/payos", webhook.Handle)
	})
	return r
}

func allowedOrigins(cfg *config.Config) []string {
	if len(cfg.CORSAllowedOrigins) == 0 {
		return []string{"*"}
	}
	return cfg.CORSAllowedOrigins
}

// protectPprof requires basic auth when a user is configured.
func protectPprof(handler http.Handler, user, pass string) http.Handler {
	user = strings.TrimSpace(user)
	if user == "" {
		return handler
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		if !ok || subtle.ConstantTimeCompare([]byte(u), []byte(user)) != 1 || subtle.ConstantTimeCompare([]byte(p), []byte(pass)) != 1 {
			w.Header().Set("WWW-Authenticate", "Basic realm=restricted")
			http.Error(w, "unauthorised", http.StatusUnauthorized)
			return
		}
		handler.ServeHTTP(w, r)
	})
}
