package payment

import (
	"errors"
	"strings"
)

var (
	// ErrPaymentCreationFailed marks every failure of CreatePaymentLink.
	ErrPaymentCreationFailed = errors.New("payment: creation failed")
	// ErrMalformedPayload is returned when a provider body lacks required fields.
	ErrMalformedPayload = errors.New("payment: malformed payload")
	// ErrInvalidSignature is returned when a webhook does not verify.
	ErrInvalidSignature = errors.New("payment: invalid webhook signature")
	// ErrInvalidInput wraps checkout validation failures.
	ErrInvalidInput = errors.New("payment: invalid input")
	// ErrNotFound is returned by stores when no payment matches.
	ErrNotFound = errors.New("payment: not found")
	// ErrInvalidTransition is returned when a status change is not allowed.
	ErrInvalidTransition = errors.New("payment: invalid status transition")
	// ErrAmountMismatch is returned when a webhook amount differs from the stored one.
	ErrAmountMismatch = errors.New("payment: amount mismatch")
	// ErrDuplicateOrderCode is returned by stores on an order code collision.
	ErrDuplicateOrderCode = errors.New("payment: duplicate order code")
	// ErrNotMockMode guards operations that only exist in mock mode.
	ErrNotMockMode = errors.New("payment: gateway is not in mock mode")
)

const genericCreationMessage = "payment provider unavailable"

// CreationError describes why a payment link could not be opened. Desc is
// the provider's own description and is safe to show to the payer; Err is
// the underlying cause and is only logged.
type CreationError struct {
	ProviderCode string
	Desc         string
	Err          error
}

func (e *CreationError) Error() string {
	if e == nil {
		return ""
	}
	msg := "payment creation failed"
	if e.ProviderCode != "" {
		msg += " (code " + e.ProviderCode + ")"
	}
	if e.Desc != "" {
		msg += ": " + e.Desc
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Is makes errors.Is(err, ErrPaymentCreationFailed) hold for every CreationError.
func (e *CreationError) Is(target error) bool {
	return target == ErrPaymentCreationFailed
}

func (e *CreationError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// ClientMessage returns a description of the failure that can be shown to
// the end user without leaking transport details.
func ClientMessage(err error) string {
	var ce *CreationError
	if errors.As(err, &ce) && strings.TrimSpace(ce.Desc) != "" {
		return ce.Desc
	}
	return genericCreationMessage
}

func creationFailed(desc string, cause error) error {
	return &CreationError{Desc: desc, Err: cause}
}
