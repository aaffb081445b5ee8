package payment

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// PaymentRequest holds the fields signed and sent to the provider when opening
// a checkout link. The value is never mutated after signing; the signature is
// attached to a separate request body.
type PaymentRequest struct {
	OrderCode   int64  `json:"orderCode" validate:"gt=0"`
	Amount      int64  `json:"amount" validate:"gt=0"`
	Description string `json:"description" validate:"required"`
	CancelURL   string `json:"cancelUrl" validate:"required,url"`
	ReturnURL   string `json:"returnUrl" validate:"required,url"`
}

// PaymentLinkResult is what the payer gets redirected to.
type PaymentLinkResult struct {
	CheckoutURL   string
	PaymentLinkID string
	QRCode        string
}

// ProviderStatus is the payment status as reported by the provider.
type ProviderStatus string

const (
	ProviderPending    ProviderStatus = "PENDING"
	ProviderProcessing ProviderStatus = "PROCESSING"
	ProviderPaid       ProviderStatus = "PAID"
	ProviderUnderpaid  ProviderStatus = "UNDERPAID"
	ProviderCancelled  ProviderStatus = "CANCELLED"
	ProviderExpired    ProviderStatus = "EXPIRED"
)

// Status is the payment lifecycle tracked by this service.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusRefunded  Status = "REFUNDED"
)

// Terminal reports whether no further provider update can move the payment.
func (s Status) Terminal() bool {
	return s != StatusPending
}

// MapProviderStatus folds a provider status into the payment lifecycle.
// Unknown values stay PENDING.
func MapProviderStatus(status ProviderStatus) Status {
	switch ProviderStatus(strings.ToUpper(strings.TrimSpace(string(status)))) {
	case ProviderPaid:
		return StatusCompleted
	case ProviderCancelled, ProviderExpired:
		return StatusFailed
	default:
		return StatusPending
	}
}

// CanTransition reports whether a payment may move from one lifecycle status
// to another.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusCompleted || to == StatusFailed
	case StatusCompleted:
		return to == StatusRefunded
	default:
		return false
	}
}

// PaymentInfo is the provider's view of a payment request.
type PaymentInfo struct {
	ID              string
	OrderCode       int64
	Amount          int64
	AmountPaid      int64
	AmountRemaining int64
	Status          ProviderStatus
	CreatedAt       string
	CanceledAt      string
	CancelReason    string
}

// WebhookPayload is the body of a provider callback. Data keeps every field
// the provider sent because the signature covers all of them.
type WebhookPayload struct {
	Code      string         `json:"code"`
	Desc      string         `json:"desc"`
	Success   bool           `json:"success"`
	Data      map[string]any `json:"data"`
	Signature string         `json:"signature"`
}

// ParseWebhookPayload decodes a webhook body. Numbers are kept as json.Number
// so they serialize back exactly as the provider sent them.
func ParseWebhookPayload(body []byte) (WebhookPayload, error) {
	var payload WebhookPayload
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&payload); err != nil {
		return WebhookPayload{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if payload.Data == nil {
		return WebhookPayload{}, fmt.Errorf("%w: missing data", ErrMalformedPayload)
	}
	if strings.TrimSpace(payload.Signature) == "" {
		return WebhookPayload{}, fmt.Errorf("%w: missing signature", ErrMalformedPayload)
	}
	return payload, nil
}

// OrderCode extracts data.orderCode.
func (p WebhookPayload) OrderCode() (int64, error) {
	v, ok := p.Data["orderCode"]
	if !ok || v == nil {
		return 0, fmt.Errorf("%w: missing orderCode", ErrMalformedPayload)
	}
	code, err := toInt64(v)
	if err != nil || code <= 0 {
		return 0, fmt.Errorf("%w: invalid orderCode %v", ErrMalformedPayload, v)
	}
	return code, nil
}

// Amount extracts data.amount. The second result is false when the provider
// did not send one.
func (p WebhookPayload) Amount() (int64, bool, error) {
	v, ok := p.Data["amount"]
	if !ok || v == nil {
		return 0, false, nil
	}
	amount, err := toInt64(v)
	if err != nil {
		return 0, true, fmt.Errorf("%w: invalid amount %v", ErrMalformedPayload, v)
	}
	return amount, true, nil
}

// Paid reports whether the callback announces a successful payment. The
// transaction-level data.code wins over the envelope code when present.
func (p WebhookPayload) Paid() bool {
	if v, ok := p.Data["code"]; ok && v != nil {
		return fmt.Sprint(v) == successCode
	}
	return p.Code == successCode
}

func toInt64(v any) (int64, error) {
	switch t := v.(type) {
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return n, nil
		}
		f, err := t.Float64()
		if err != nil {
			return 0, err
		}
		return floatToInt64(f)
	case float64:
		return floatToInt64(t)
	case int:
		return int64(t), nil
	case int64:
		return t, nil
	case int32:
		return int64(t), nil
	case string:
		return strconv.ParseInt(strings.TrimSpace(t), 10, 64)
	default:
		return 0, fmt.Errorf("unsupported number type %T", v)
	}
}

func floatToInt64(f float64) (int64, error) {
	if f != math.Trunc(f) || math.IsInf(f, 0) || math.IsNaN(f) {
		return 0, fmt.Errorf("not an integer: %v", f)
	}
	return int64(f), nil
}
