package payment

import "context"

// Provider is the gateway surface the service depends on.
type Provider interface {
	Mode() Mode
	CreatePaymentLink(ctx context.Context, req PaymentRequest) (PaymentLinkResult, error)
	MockPaymentURL(orderCode int64) string
	GetPaymentInfo(ctx context.Context, orderCode int64) (PaymentInfo, bool)
	VerifyWebhookSignature(payload WebhookPayload, signature string) bool
}

var _ Provider = (*Gateway)(nil)
