package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/learnhub-api/internal/config"
	"github.com/noah-isme/learnhub-api/internal/health"
	"github.com/noah-isme/learnhub-api/internal/obs"
	"github.com/noah-isme/learnhub-api/internal/payment"
	"github.com/noah-isme/learnhub-api/internal/ratelimit"
)

func testRouter(t *testing.T, env map[string]string, probes ...health.Probe) http.Handler {
	t.Helper()
	values := map[string]string{
		"DATABASE_URL":            "postgres://localhost/learnhub",
		"REDIS_URL":               "redis://localhost:6379",
		"PAYOS_CLIENT_ID":         "client",
		"PAYOS_API_KEY":           "key",
		"PAYOS_CHECKSUM_KEY":      "checksum",
		"RATE_LIMIT_CHECKOUT_MAX": "1",
		"WEBHOOK_MAX_BODY_BYTES":  "256",
	}
	for k, v := range env {
		values[k] = v
	}
	cfg, err := config.LoadForTests(values)
	require.NoError(t, err)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	gateway, err := payment.NewGateway(cfg.Payment())
	require.NoError(t, err)

	return newRouter(routerDeps{
		Config:      cfg,
		Logger:      zerolog.Nop(),
		Service:     &payment.Service{Gateway: gateway, Logger: zerolog.Nop()},
		Limiter:     ratelimit.SlidingWindow{Client: client, Prefix: "rl:"},
		Redis:       client,
		HTTPMetrics: obs.NewHTTPMetrics("learnhub_test", nil, prometheus.NewRegistry()),
		Probes:      probes,
	})
}

func serve(h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthRoutes(t *testing.T) {
	h := testRouter(t, nil, health.Probe{Name: "postgres", Check: func(context.Context) error {
		return errors.New("down")
	}})

	live := serve(h, http.MethodGet, "/health/live", "")
	require.Equal(t, http.StatusOK, live.Code)
	require.Equal(t, "nosniff", live.Header().Get("X-Content-Type-Options"))

	ready := serve(h, http.MethodGet, "/health/ready", "")
	require.Equal(t, http.StatusServiceUnavailable, ready.Code)
}

func TestMockConfirmOnlyMountedInMockMode(t *testing.T) {
	live := testRouter(t, nil)
	rec := serve(live, http.MethodPost, "/api/v1/payments/1001/mock-confirm", "")
	require.Contains(t, []int{http.StatusNotFound, http.StatusMethodNotAllowed}, rec.Code)

	mock := testRouter(t, map[string]string{"PAYMENT_MOCK_MODE": "true"})
	rec = serve(mock, http.MethodPost, "/api/v1/payments/abc/mock-confirm", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCheckoutIsRateLimited(t *testing.T) {
	h := testRouter(t, nil)

	first := serve(h, http.MethodPost, "/api/v1/payments/checkout", `{}`)
	require.Equal(t, http.StatusBadRequest, first.Code)
	require.Equal(t, "1", first.Header().Get("X-RateLimit-Limit"))

	second := serve(h, http.MethodPost, "/api/v1/payments/checkout", `{}`)
	require.Equal(t, http.StatusTooManyRequests, second.Code)
	require.Contains(t, second.Body.String(), "RATE_LIMITED")
}

func TestWebhookBodyLimitAndMalformed(t *testing.T) {
	h := testRouter(t, nil)

	big := serve(h, http.MethodPost, "/api/v1/webhooks/payos", `{"pad":"`+strings.Repeat("x", 512)+`"}`)
	require.Equal(t, http.StatusRequestEntityTooLarge, big.Code)

	bad := serve(h, http.MethodPost, "/api/v1/webhooks/payos", `{"data":`)
	require.Equal(t, http.StatusBadRequest, bad.Code)
	require.Contains(t, bad.Body.String(), "MALFORMED_PAYLOAD")
}

func TestPprofRequiresCredentials(t *testing.T) {
	h := testRouter(t, map[string]string{
		"OBS_ENABLE_PPROF":      "true",
		"PPROF_BASIC_AUTH_USER": "ops",
		"PPROF_BASIC_AUTH_PASS": "secret",
	})
	rec := serve(h, http.MethodGet, "/debug/pprof/", "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/debug/pprof/cmdline", nil)
	req.SetBasicAuth("ops", "secret")
	ok := httptest.NewRecorder()
	h.ServeHTTP(ok, req)
	require.Equal(t, http.StatusOK, ok.Code)
}
