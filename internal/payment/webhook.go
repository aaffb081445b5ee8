package payment

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/learnhub-api/internal/common"
	"github.com/noah-isme/learnhub-api/internal/obs"
)

// ReplayStore is the subset of redis used to drop duplicate deliveries.
type ReplayStore interface {
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// Webhook receives payOS payment notifications.
type Webhook struct {
	Svc       *Service
	Replay    ReplayStore
	ReplayTTL time.Duration
	Logger    zerolog.Logger
}

type ackBody struct {
	Success bool `json:"success"`
}

// Handle serves POST /api/v1/webhooks/payos. Identical bodies seen within
// ReplayTTL are acknowledged without being applied again. Any failure
// releases the replay key so a redelivery is processed.
func (h Webhook) Handle(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := obs.FromContext(ctx, h.Logger)

	body, err := io.ReadAll(r.Body)
	if err != nil {
		countWebhook("unreadable")
		common.JSONError(w, http.StatusBadRequest, "INVALID_BODY", "unable to read payload", nil)
		return
	}
	payload, err := ParseWebhookPayload(body)
	if err != nil {
		countWebhook("malformed")
		common.JSONError(w, http.StatusBadRequest, "MALFORMED_PAYLOAD", "malformed webhook payload", nil)
		return
	}

	var replayKey string
	if h.Replay != nil && h.ReplayTTL > 0 {
		replayKey = "wh:payos:" + common.Sha256Hex(body)
		fresh, err := h.Replay.SetNX(ctx, replayKey, "1", h.ReplayTTL).Result()
		if err != nil {
			logger.Error().Err(err).Msg("webhook replay store unavailable")
			countWebhook("error")
			common.JSONError(w, http.StatusServiceUnavailable, "REPLAY_STORE_ERROR", "try again later", nil)
			return
		}
		if !fresh {
			countWebhook("replay")
			common.JSON(w, http.StatusOK, ackBody{Success: true})
			return
		}
	}

	rec, err := h.Svc.ApplyWebhook(ctx, payload)
	if err != nil {
		h.release(ctx, replayKey)
		h.writeError(w, logger, err)
		return
	}
	logger.Info().Int64("order_code", rec.OrderCode).Str("status", string(rec.Status)).Msg("payment webhook applied")
	countWebhook("applied")
	common.JSON(w, http.StatusOK, ackBody{Success: true})
}

func (h Webhook) writeError(w http.ResponseWriter, logger zerolog.Logger, err error) {
	switch {
	case errors.Is(err, ErrInvalidSignature):
		countWebhook("invalid_signature")
		common.JSONError(w, http.StatusUnauthorized, "INVALID_SIGNATURE", "signature verification failed", nil)
	case errors.Is(err, ErrMalformedPayload):
		countWebhook("malformed")
		common.JSONError(w, http.StatusBadRequest, "MALFORMED_PAYLOAD", "malformed webhook payload", nil)
	case errors.Is(err, ErrAmountMismatch):
		logger.Error().Err(err).Msg("webhook amount mismatch")
		countWebhook("amount_mismatch")
		common.JSONError(w, http.StatusBadRequest, "AMOUNT_MISMATCH", "provider amount mismatch", nil)
	case errors.Is(err, ErrNotFound):
		// payOS probes the endpoint with a sample order when the URL is registered
		logger.Warn().Err(err).Msg("webhook for unknown payment")
		countWebhook("unknown_order")
		common.JSON(w, http.StatusOK, ackBody{Success: true})
	case errors.Is(err, ErrInvalidTransition):
		logger.Warn().Err(err).Msg("webhook ignored")
		countWebhook("ignored")
		common.JSON(w, http.StatusOK, ackBody{Success: true})
	default:
		logger.Error().Err(err).Msg("webhook processing failed")
		countWebhook("error")
		common.JSONError(w, http.StatusInternalServerError, "WEBHOOK_FAILED", "webhook processing failed", nil)
	}
}

func (h Webhook) release(ctx context.Context, key string) {
	if key == "" {
		return
	}
	if err := h.Replay.Del(context.WithoutCancel(ctx), key).Err(); err != nil {
		h.Logger.Warn().Err(err).Msg("release webhook replay key")
	}
}

func countWebhook(result string) {
	if obs.PaymentWebhookTotal != nil {
		obs.PaymentWebhookTotal.WithLabelValues(result).Inc()
	}
}
