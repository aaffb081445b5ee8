package payment

import (
	"bytes"
	"context"
	"crypto/hmac"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/noah-isme/learnhub-api/internal/obs"
	"github.com/noah-isme/learnhub-api/internal/resilience"
)

const (
	// DefaultBaseURL is the payOS merchant API.
	DefaultBaseURL = "https://api-merchant.payos.vn"

	successCode         = "00"
	paymentRequestsPath = "/v2/payment-requests"
	maxResponseBytes    = 1 << 20
	defaultHTTPTimeout  = 10 * time.Second
)

// Mode is fixed when the gateway is built.
type Mode string

const (
	ModeLive Mode = "live"
	ModeMock Mode = "mock"
)

// Config is the immutable gateway configuration.
type Config struct {
	ClientID            string
	APIKey              string
	ChecksumKey         string
	BaseURL             string
	MockMode            bool
	MockCheckoutBaseURL string
}

// Doer sends one outbound request. resilience.HTTPClient satisfies it.
type Doer interface {
	Do(ctx context.Context, req *http.Request) (*http.Response, error)
}

// Option customises NewGateway.
type Option func(*Gateway)

// WithHTTPClient replaces the default outbound client.
func WithHTTPClient(d Doer) Option {
	return func(g *Gateway) { g.http = d }
}

// WithLogger sets the logger used for mode warnings and provider failures.
func WithLogger(l zerolog.Logger) Option {
	return func(g *Gateway) { g.logger = l }
}

// Gateway talks to the payOS payment request API. In mock mode it never
// performs network I/O.
type Gateway struct {
	cfg    Config
	mode   Mode
	http   Doer
	logger zerolog.Logger
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// NewGateway validates cfg and builds a gateway. Live mode requires the
// client id, api key and checksum key.
func NewGateway(cfg Config, opts ...Option) (*Gateway, error) {
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.MockCheckoutBaseURL = strings.TrimRight(strings.TrimSpace(cfg.MockCheckoutBaseURL), "/")

	g := &Gateway{cfg: cfg, mode: ModeLive, logger: zerolog.Nop()}
	if cfg.MockMode {
		g.mode = ModeMock
	}
	for _, opt := range opts {
		opt(g)
	}

	if g.mode == ModeLive {
		var missing []string
		if strings.TrimSpace(cfg.ClientID) == "" {
			missing = append(missing, "client id")
		}
		if strings.TrimSpace(cfg.APIKey) == "" {
			missing = append(missing, "api key")
		}
		if strings.TrimSpace(cfg.ChecksumKey) == "" {
			missing = append(missing, "checksum key")
		}
		if len(missing) > 0 {
			return nil, fmt.Errorf("payment: live mode requires %s", strings.Join(missing, ", "))
		}
		if g.http == nil {
			g.http = defaultHTTPClient(g.logger)
		}
	} else {
		g.http = nil
		g.logger.Warn().Msg("payment gateway in mock mode: webhook signature verification disabled, do not use in production")
	}
	return g, nil
}

func defaultHTTPClient(logger zerolog.Logger) *resilience.HTTPClient {
	breaker := resilience.NewBreaker(resilience.BreakerConfig{
		MinRequests:  5,
		FailureRatio: 0.5,
		OpenFor:      30 * time.Second,
		Target:       "payos",
	}).WithLogger(logger)
	return &resilience.HTTPClient{
		Client:      &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
		Breaker:     breaker,
		MaxAttempts: 1,
		Timeout:     defaultHTTPTimeout,
		Target:      "payos",
		Logger:      &logger,
	}
}

// Mode reports the mode chosen at construction.
func (g *Gateway) Mode() Mode { return g.mode }

// MockPaymentURL is the local checkout page used instead of the provider in
// mock mode.
func (g *Gateway) MockPaymentURL(orderCode int64) string {
	return g.cfg.MockCheckoutBaseURL + "/payment/mock?orderCode=" + strconv.FormatInt(orderCode, 10)
}

type createLinkBody struct {
	PaymentRequest
	Signature string `json:"signature"`
}

type createLinkResponse struct {
	Code string `json:"code"`
	Desc string `json:"desc"`
	Data *struct {
		CheckoutURL   string `json:"checkoutUrl"`
		PaymentLinkID string `json:"paymentLinkId"`
		QRCode        string `json:"qrCode"`
	} `json:"data"`
}

// CreatePaymentLink opens a checkout link for req. Every failure, including
// validation, transport and provider rejections, satisfies
// errors.Is(err, ErrPaymentCreationFailed). The checkout URL of a nil error
// result is never empty.
func (g *Gateway) CreatePaymentLink(ctx context.Context, req PaymentRequest) (PaymentLinkResult, error) {
	ctx, span := otel.Tracer("learnhub/payment").Start(ctx, "payment.create_link")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("payment.order_code", req.OrderCode),
		attribute.String("payment.mode", string(g.mode)),
	)

	res, err := g.createPaymentLink(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "create payment link")
		countLink(g.mode, "error")
		return PaymentLinkResult{}, err
	}
	countLink(g.mode, "ok")
	return res, nil
}

func (g *Gateway) createPaymentLink(ctx context.Context, req PaymentRequest) (PaymentLinkResult, error) {
	if err := validate.Struct(req); err != nil {
		return PaymentLinkResult{}, &CreationError{
			Desc: "invalid payment request",
			Err:  fmt.Errorf("%w: %v", ErrInvalidInput, err),
		}
	}
	if g.mode == ModeMock {
		return PaymentLinkResult{CheckoutURL: g.MockPaymentURL(req.OrderCode)}, nil
	}

	body, err := json.Marshal(createLinkBody{
		PaymentRequest: req,
		Signature:      SignPaymentRequest(req, g.cfg.ChecksumKey),
	})
	if err != nil {
		return PaymentLinkResult{}, creationFailed(genericCreationMessage, err)
	}

	raw, status, err := g.call(ctx, "create_link", http.MethodPost, g.cfg.BaseURL+paymentRequestsPath, body)
	if err != nil {
		g.logger.Error().Err(err).Int64("order_code", req.OrderCode).Msg("payos create payment link failed")
		return PaymentLinkResult{}, creationFailed(genericCreationMessage, err)
	}
	res, err := decodeCreateResponse(raw)
	if err != nil {
		g.logger.Error().Err(err).Int("http_status", status).Int64("order_code", req.OrderCode).Msg("payos create payment link unreadable")
		return PaymentLinkResult{}, creationFailed(genericCreationMessage, err)
	}
	if res.Code != successCode {
		g.logger.Warn().
			Str("provider_code", res.Code).
			Str("provider_desc", res.Desc).
			Int("http_status", status).
			Int64("order_code", req.OrderCode).
			Msg("payos rejected payment link")
		return PaymentLinkResult{}, &CreationError{ProviderCode: res.Code, Desc: res.Desc}
	}
	return PaymentLinkResult{
		CheckoutURL:   res.Data.CheckoutURL,
		PaymentLinkID: res.Data.PaymentLinkID,
		QRCode:        res.Data.QRCode,
	}, nil
}

// decodeCreateResponse maps the create-link body. A success code without a
// checkout URL is malformed.
func decodeCreateResponse(raw []byte) (createLinkResponse, error) {
	var res createLinkResponse
	if err := json.Unmarshal(raw, &res); err != nil {
		return createLinkResponse{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	res.Code = strings.TrimSpace(res.Code)
	if res.Code == "" {
		return createLinkResponse{}, fmt.Errorf("%w: missing code", ErrMalformedPayload)
	}
	if res.Code == successCode && (res.Data == nil || strings.TrimSpace(res.Data.CheckoutURL) == "") {
		return createLinkResponse{}, fmt.Errorf("%w: missing data.checkoutUrl", ErrMalformedPayload)
	}
	return res, nil
}

type infoResponse struct {
	Code string `json:"code"`
	Desc string `json:"desc"`
	Data *struct {
		ID              string      `json:"id"`
		OrderCode       json.Number `json:"orderCode"`
		Amount          int64       `json:"amount"`
		AmountPaid      int64       `json:"amountPaid"`
		AmountRemaining int64       `json:"amountRemaining"`
		Status          string      `json:"status"`
		CreatedAt       string      `json:"createdAt"`
		CanceledAt      string      `json:"canceledAt"`
		CancelReason    string      `json:"cancellationReason"`
	} `json:"data"`
}

// GetPaymentInfo looks up the provider status of orderCode. The boolean is
// false whenever the status is unknown: always in mock mode, and in live
// mode on any transport, provider or decoding failure. Callers must not read
// false as a failed payment.
func (g *Gateway) GetPaymentInfo(ctx context.Context, orderCode int64) (PaymentInfo, bool) {
	if g.mode == ModeMock {
		countLookup(g.mode, "absent")
		return PaymentInfo{}, false
	}
	ctx, span := otel.Tracer("learnhub/payment").Start(ctx, "payment.get_info")
	defer span.End()
	span.SetAttributes(attribute.Int64("payment.order_code", orderCode))

	url := g.cfg.BaseURL + paymentRequestsPath + "/" + strconv.FormatInt(orderCode, 10)
	raw, status, err := g.call(ctx, "get_info", http.MethodGet, url, nil)
	if err != nil {
		g.logger.Warn().Err(err).Int64("order_code", orderCode).Msg("payos payment lookup failed")
		countLookup(g.mode, "absent")
		return PaymentInfo{}, false
	}
	info, err := decodeInfoResponse(raw)
	if err != nil {
		g.logger.Warn().Err(err).Int("http_status", status).Int64("order_code", orderCode).Msg("payos payment lookup failed")
		countLookup(g.mode, "absent")
		return PaymentInfo{}, false
	}
	countLookup(g.mode, "ok")
	return info, true
}

func decodeInfoResponse(raw []byte) (PaymentInfo, error) {
	var res infoResponse
	if err := json.Unmarshal(raw, &res); err != nil {
		return PaymentInfo{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if strings.TrimSpace(res.Code) != successCode {
		return PaymentInfo{}, fmt.Errorf("provider code %q: %s", res.Code, res.Desc)
	}
	if res.Data == nil {
		return PaymentInfo{}, fmt.Errorf("%w: missing data", ErrMalformedPayload)
	}
	if strings.TrimSpace(res.Data.Status) == "" {
		return PaymentInfo{}, fmt.Errorf("%w: missing data.status", ErrMalformedPayload)
	}
	orderCode, err := res.Data.OrderCode.Int64()
	if err != nil {
		return PaymentInfo{}, fmt.Errorf("%w: invalid data.orderCode", ErrMalformedPayload)
	}
	return PaymentInfo{
		ID:              res.Data.ID,
		OrderCode:       orderCode,
		Amount:          res.Data.Amount,
		AmountPaid:      res.Data.AmountPaid,
		AmountRemaining: res.Data.AmountRemaining,
		Status:          ProviderStatus(strings.ToUpper(strings.TrimSpace(res.Data.Status))),
		CreatedAt:       res.Data.CreatedAt,
		CanceledAt:      res.Data.CanceledAt,
		CancelReason:    res.Data.CancelReason,
	}, nil
}

// VerifyWebhookSignature checks signature against every key of
// payload.Data. Mock mode accepts anything. In live mode any problem yields
// false, so a malformed forgery and a wrong signature look the same to the
// caller; both are logged.
func (g *Gateway) VerifyWebhookSignature(payload WebhookPayload, signature string) (ok bool) {
	if g.mode == ModeMock {
		return true
	}
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error().Interface("panic", r).Msg("webhook signature verification panicked")
			ok = false
		}
	}()
	if payload.Data == nil {
		g.logger.Error().Msg("webhook signature verification failed: missing data")
		return false
	}
	expected, err := SignWebhookData(payload.Data, g.cfg.ChecksumKey)
	if err != nil {
		g.logger.Error().Err(err).Msg("webhook signature verification failed: unserializable data")
		return false
	}
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		g.logger.Error().Interface("order_code", payload.Data["orderCode"]).Msg("webhook signature mismatch")
		return false
	}
	return true
}

// call performs one authenticated request and returns the bounded body.
func (g *Gateway) call(ctx context.Context, op, method, url string, body []byte) ([]byte, int, error) {
	var reader io.Reader = http.NoBody
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("x-client-id", g.cfg.ClientID)
	req.Header.Set("x-api-key", g.cfg.APIKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := g.http.Do(ctx, req)
	observeProvider(op, time.Since(start))
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read response: %w", err)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, resp.StatusCode, errors.New("empty response body")
	}
	return raw, resp.StatusCode, nil
}

func countLink(mode Mode, result string) {
	if obs.PaymentLinkTotal != nil {
		obs.PaymentLinkTotal.WithLabelValues(string(mode), result).Inc()
	}
}

func countLookup(mode Mode, result string) {
	if obs.PaymentLookupTotal != nil {
		obs.PaymentLookupTotal.WithLabelValues(string(mode), result).Inc()
	}
}

func observeProvider(op string, d time.Duration) {
	if obs.PaymentProviderLatency != nil {
		obs.PaymentProviderLatency.WithLabelValues(op).Observe(obs.DurationMillis(d))
	}
}
