package payment

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Record is a stored payment attempt.
type Record struct {
	ID              uuid.UUID
	OrderCode       int64
	UserID          string
	CourseID        string
	Amount          int64
	Description     string
	Status          Status
	CheckoutURL     string
	ProviderStatus  string
	ProviderPayload []byte
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// StatusUpdate moves a payment from From to To. The store applies it only
// while the payment is still in From.
type StatusUpdate struct {
	OrderCode       int64
	From            Status
	To              Status
	ProviderStatus  string
	ProviderPayload []byte
}

// Store persists payments and the enrollments they unlock.
type Store interface {
	CreatePayment(ctx context.Context, rec Record) (Record, error)
	GetPaymentByOrderCode(ctx context.Context, orderCode int64) (Record, error)
	// GetOpenPaymentForCourse returns the newest PENDING payment of a user
	// for a course, or ErrNotFound.
	GetOpenPaymentForCourse(ctx context.Context, userID, courseID string) (Record, error)
	SetCheckoutURL(ctx context.Context, orderCode int64, checkoutURL string) error
	UpdatePaymentStatus(ctx context.Context, upd StatusUpdate) (Record, error)
	ActivateEnrollment(ctx context.Context, userID, courseID string, paymentID uuid.UUID) error
	ListStalePending(ctx context.Context, olderThan time.Time, limit int) ([]Record, error)
	// InTx runs fn against a store bound to a single transaction.
	InTx(ctx context.Context, fn func(Store) error) error
}
