package payment

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func signedWebhookBody(t *testing.T, orderCode int64, key string) []byte {
	t.Helper()
	data := map[string]any{
		"orderCode":   orderCode,
		"amount":      50000,
		"description": "Course go-101",
		"code":        "00",
		"desc":        "success",
		"reference":   "FT123",
	}
	sig, err := SignWebhookData(data, key)
	require.NoError(t, err)
	return mustJSON(t, map[string]any{"code": "00", "desc": "success", "success": true, "data": data, "signature": sig})
}

type webhookFixture struct {
	store   *memStore
	svc     *Service
	handler Webhook
	mr      *miniredis.Miniredis
}

func newWebhookFixture(t *testing.T) webhookFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	gw, err := NewGateway(liveConfig(""), WithHTTPClient(&countingDoer{}))
	require.NoError(t, err)
	store := newMemStore()
	svc := &Service{Store: store, Gateway: gw, OrderCode: sequence(1000), Logger: zerolog.Nop()}
	_, err = store.CreatePayment(context.Background(), Record{
		OrderCode: 1001, UserID: "user-1", CourseID: "go-101", Amount: 50000, Status: StatusPending, CheckoutURL: "https://pay.payos.vn/web/x",
	})
	require.NoError(t, err)

	return webhookFixture{
		store:   store,
		svc:     svc,
		handler: Webhook{Svc: svc, Replay: client, ReplayTTL: time.Hour, Logger: zerolog.Nop()},
		mr:      mr,
	}
}

func postWebhook(h Webhook, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/payos", bytes.NewReader(body))
	rr := httptest.NewRecorder()
	h.Handle(rr, req)
	return rr
}

func TestWebhookAppliesPayment(t *testing.T) {
	fx := newWebhookFixture(t)

	rr := postWebhook(fx.handler, signedWebhookBody(t, 1001, testChecksumKey))
	require.Equal(t, http.StatusOK, rr.Code)
	require.JSONEq(t, `{"success":true}`, rr.Body.String())

	rec, err := fx.store.GetPaymentByOrderCode(context.Background(), 1001)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, rec.Status)
	require.True(t, fx.store.enrolled("user-1", "go-101"))
}

func TestWebhookReplayIsAcknowledged(t *testing.T) {
	fx := newWebhookFixture(t)
	body := signedWebhookBody(t, 1001, testChecksumKey)

	require.Equal(t, http.StatusOK, postWebhook(fx.handler, body).Code)
	rr := postWebhook(fx.handler, body)
	require.Equal(t, http.StatusOK, rr.Code)
	require.JSONEq(t, `{"success":true}`, rr.Body.String())
	require.Len(t, fx.mr.Keys(), 1)
}

func TestWebhookInvalidSignature(t *testing.T) {
	fx := newWebhookFixture(t)

	rr := postWebhook(fx.handler, signedWebhookBody(t, 1001, "wrong-key"))
	require.Equal(t, http.StatusUnauthorized, rr.Code)
	require.Contains(t, rr.Body.String(), "INVALID_SIGNATURE")
	require.Empty(t, fx.mr.Keys(), "failed deliveries release the replay key")

	rec, err := fx.store.GetPaymentByOrderCode(context.Background(), 1001)
	require.NoError(t, err)
	require.Equal(t, StatusPending, rec.Status)
}

func TestWebhookMalformedBody(t *testing.T) {
	fx := newWebhookFixture(t)
	for _, body := range []string{`not json`, `{"signature":"abc"}`, `{"data":{"orderCode":1001}}`} {
		rr := postWebhook(fx.handler, []byte(body))
		require.Equal(t, http.StatusBadRequest, rr.Code, body)
	}
}

func TestWebhookUnknownOrderIsAcknowledged(t *testing.T) {
	fx := newWebhookFixture(t)
	rr := postWebhook(fx.handler, signedWebhookBody(t, 123, testChecksumKey))
	require.Equal(t, http.StatusOK, rr.Code)
}

func TestWebhookReplayStoreDown(t *testing.T) {
	fx := newWebhookFixture(t)
	fx.mr.Close()
	rr := postWebhook(fx.handler, signedWebhookBody(t, 1001, testChecksumKey))
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
}
