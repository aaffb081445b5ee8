package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/noah-isme/learnhub-api/internal/events"
	"github.com/noah-isme/learnhub-api/internal/obs"
)

// payOS rejects descriptions longer than this.
const maxDescriptionLen = 25

const orderCodeAttempts = 3

// Service runs the checkout lifecycle on top of a Store and a Provider.
type Service struct {
	Store     Store
	Gateway   Provider
	ReturnURL string
	CancelURL string
	// OrderCode allocates order codes; defaults to a millisecond timestamp
	// with a random suffix.
	OrderCode func() int64
	Now       func() time.Time
	Logger    zerolog.Logger
	// Events receives lifecycle events after they commit. Optional.
	Events EventEmitter
}

// EventEmitter is satisfied by *events.Bus.
type EventEmitter interface {
	Emit(ctx context.Context, topic string, aggregateID uuid.UUID, payload any) (events.Event, error)
}

// CheckoutInput is the buyer's request to pay for a course.
type CheckoutInput struct {
	UserID      string `json:"userId" validate:"required,max=64"`
	CourseID    string `json:"courseId" validate:"required,max=64"`
	Amount      int64  `json:"amount" validate:"gt=0"`
	Description string `json:"description" validate:"max=255"`
}

// CheckoutResult tells the client where to send the payer.
type CheckoutResult struct {
	OrderCode   int64  `json:"orderCode"`
	CheckoutURL string `json:"checkoutUrl"`
	Status      Status `json:"status"`
	Reused      bool   `json:"reused"`
}

// Checkout opens a checkout link for a course purchase. An open PENDING
// payment for the same user, course and amount is returned instead of a new
// one. When the provider refuses the link the payment is marked FAILED and
// the returned error satisfies errors.Is(err, ErrPaymentCreationFailed).
func (s *Service) Checkout(ctx context.Context, in CheckoutInput) (CheckoutResult, error) {
	ctx, span := otel.Tracer("learnhub/payment").Start(ctx, "PaymentService.Checkout")
	defer span.End()
	logger := obs.FromContext(ctx, s.Logger)

	in.UserID = strings.TrimSpace(in.UserID)
	in.CourseID = strings.TrimSpace(in.CourseID)
	if err := validate.Struct(in); err != nil {
		return CheckoutResult{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	span.SetAttributes(attribute.String("course.id", in.CourseID))

	existing, err := s.Store.GetOpenPaymentForCourse(ctx, in.UserID, in.CourseID)
	switch {
	case err == nil && existing.Amount == in.Amount:
		return CheckoutResult{OrderCode: existing.OrderCode, CheckoutURL: existing.CheckoutURL, Status: existing.Status, Reused: true}, nil
	case err != nil && !errors.Is(err, ErrNotFound):
		return CheckoutResult{}, err
	}

	rec, err := s.createRecord(ctx, in)
	if err != nil {
		return CheckoutResult{}, err
	}
	span.SetAttributes(attribute.Int64("payment.order_code", rec.OrderCode))

	var checkoutURL string
	if s.Gateway.Mode() == ModeMock {
		checkoutURL = s.Gateway.MockPaymentURL(rec.OrderCode)
	} else {
		link, err := s.Gateway.CreatePaymentLink(ctx, PaymentRequest{
			OrderCode:   rec.OrderCode,
			Amount:      rec.Amount,
			Description: rec.Description,
			CancelURL:   s.CancelURL,
			ReturnURL:   s.ReturnURL,
		})
		if err != nil {
			span.RecordError(err)
			if _, markErr := s.Store.UpdatePaymentStatus(context.WithoutCancel(ctx), StatusUpdate{
				OrderCode: rec.OrderCode,
				From:      StatusPending,
				To:        StatusFailed,
			}); markErr != nil {
				logger.Error().Err(markErr).Int64("order_code", rec.OrderCode).Msg("mark payment failed")
			} else {
				rec.Status = StatusFailed
				s.emit(ctx, events.TopicPaymentFailed, rec)
			}
			return CheckoutResult{}, err
		}
		checkoutURL = link.CheckoutURL
	}

	if err := s.Store.SetCheckoutURL(ctx, rec.OrderCode, checkoutURL); err != nil {
		return CheckoutResult{}, err
	}
	logger.Info().
		Int64("order_code", rec.OrderCode).
		Str("course_id", rec.CourseID).
		Str("mode", string(s.Gateway.Mode())).
		Msg("checkout opened")
	s.emit(ctx, events.TopicPaymentCreated, rec)
	return CheckoutResult{OrderCode: rec.OrderCode, CheckoutURL: checkoutURL, Status: StatusPending}, nil
}

func (s *Service) createRecord(ctx context.Context, in CheckoutInput) (Record, error) {
	next := s.OrderCode
	if next == nil {
		next = defaultOrderCode
	}
	desc := in.Description
	if strings.TrimSpace(desc) == "" {
		desc = "Course " + in.CourseID
	}
	desc = truncateRunes(desc, maxDescriptionLen)

	var lastErr error
	for range orderCodeAttempts {
		rec, err := s.Store.CreatePayment(ctx, Record{
			OrderCode:   next(),
			UserID:      in.UserID,
			CourseID:    in.CourseID,
			Amount:      in.Amount,
			Description: desc,
			Status:      StatusPending,
		})
		if err == nil {
			return rec, nil
		}
		if !errors.Is(err, ErrDuplicateOrderCode) {
			return Record{}, err
		}
		lastErr = err
	}
	return Record{}, lastErr
}

// ApplyWebhook verifies a provider callback and applies it. Delivering the
// same outcome twice is a no-op.
func (s *Service) ApplyWebhook(ctx context.Context, payload WebhookPayload) (Record, error) {
	ctx, span := otel.Tracer("learnhub/payment").Start(ctx, "PaymentService.ApplyWebhook")
	defer span.End()

	if !s.Gateway.VerifyWebhookSignature(payload, payload.Signature) {
		return Record{}, ErrInvalidSignature
	}
	orderCode, err := payload.OrderCode()
	if err != nil {
		return Record{}, err
	}
	span.SetAttributes(attribute.Int64("payment.order_code", orderCode))

	rec, err := s.Store.GetPaymentByOrderCode(ctx, orderCode)
	if err != nil {
		return Record{}, err
	}
	amount, present, err := payload.Amount()
	if err != nil {
		return Record{}, err
	}
	if present && amount != rec.Amount {
		return rec, fmt.Errorf("%w: got %d want %d", ErrAmountMismatch, amount, rec.Amount)
	}

	to, providerStatus := StatusFailed, string(ProviderCancelled)
	if payload.Paid() {
		to, providerStatus = StatusCompleted, string(ProviderPaid)
	}
	raw, _ := json.Marshal(payload.Data)
	return s.transition(ctx, rec, to, providerStatus, raw)
}

// Status returns the stored payment. A PENDING payment is refreshed from
// the provider in live mode; an unknown provider status leaves it PENDING.
func (s *Service) Status(ctx context.Context, orderCode int64) (Record, error) {
	rec, err := s.Store.GetPaymentByOrderCode(ctx, orderCode)
	if err != nil || rec.Status != StatusPending || s.Gateway.Mode() != ModeLive {
		return rec, err
	}
	return s.refresh(ctx, rec)
}

func (s *Service) refresh(ctx context.Context, rec Record) (Record, error) {
	info, ok := s.Gateway.GetPaymentInfo(ctx, rec.OrderCode)
	if !ok {
		return rec, nil
	}
	return s.applyInfo(ctx, rec, info)
}

func (s *Service) applyInfo(ctx context.Context, rec Record, info PaymentInfo) (Record, error) {
	to := MapProviderStatus(info.Status)
	if to == StatusPending {
		return rec, nil
	}
	raw, _ := json.Marshal(info)
	return s.transition(ctx, rec, to, string(info.Status), raw)
}

// ConfirmMock completes a payment as if the provider reported it paid. Only
// available in mock mode.
func (s *Service) ConfirmMock(ctx context.Context, orderCode int64) (Record, error) {
	if s.Gateway.Mode() != ModeMock {
		return Record{}, ErrNotMockMode
	}
	rec, err := s.Store.GetPaymentByOrderCode(ctx, orderCode)
	if err != nil {
		return Record{}, err
	}
	return s.transition(ctx, rec, StatusCompleted, string(ProviderPaid), nil)
}

// transition moves rec to the target status and activates the enrollment on
// completion, both in one transaction.
func (s *Service) transition(ctx context.Context, rec Record, to Status, providerStatus string, raw []byte) (Record, error) {
	if rec.Status == to {
		return rec, nil
	}
	if !CanTransition(rec.Status, to) {
		return rec, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, rec.Status, to)
	}

	var updated Record
	err := s.Store.InTx(ctx, func(tx Store) error {
		var err error
		updated, err = tx.UpdatePaymentStatus(ctx, StatusUpdate{
			OrderCode:       rec.OrderCode,
			From:            rec.Status,
			To:              to,
			ProviderStatus:  providerStatus,
			ProviderPayload: raw,
		})
		if err != nil {
			return err
		}
		if to == StatusCompleted {
			return tx.ActivateEnrollment(ctx, updated.UserID, updated.CourseID, updated.ID)
		}
		return nil
	})
	if errors.Is(err, ErrInvalidTransition) {
		// lost a race with another delivery; fine if it landed on the same status
		current, getErr := s.Store.GetPaymentByOrderCode(ctx, rec.OrderCode)
		if getErr == nil && current.Status == to {
			return current, nil
		}
	}
	if err != nil {
		return rec, err
	}
	logger := obs.FromContext(ctx, s.Logger)
	logger.Info().
		Int64("order_code", rec.OrderCode).
		Str("from", string(rec.Status)).
		Str("to", string(to)).
		Msg("payment status changed")
	if topic := statusTopic(to); topic != "" {
		s.emit(ctx, topic, updated)
	}
	if to == StatusCompleted {
		s.emit(ctx, events.TopicEnrollmentActivated, updated)
	}
	return updated, nil
}

func statusTopic(st Status) string {
	switch st {
	case StatusCompleted:
		return events.TopicPaymentCompleted
	case StatusFailed:
		return events.TopicPaymentFailed
	case StatusRefunded:
		return events.TopicPaymentRefunded
	}
	return ""
}

type eventPayload struct {
	OrderCode int64  `json:"orderCode"`
	UserID    string `json:"userId"`
	CourseID  string `json:"courseId"`
	Amount    int64  `json:"amount"`
	Status    Status `json:"status"`
}

// emit is best effort; the state change has already committed.
func (s *Service) emit(ctx context.Context, topic string, rec Record) {
	if s.Events == nil {
		return
	}
	_, err := s.Events.Emit(context.WithoutCancel(ctx), topic, rec.ID, eventPayload{
		OrderCode: rec.OrderCode,
		UserID:    rec.UserID,
		CourseID:  rec.CourseID,
		Amount:    rec.Amount,
		Status:    rec.Status,
	})
	if err != nil {
		logger := obs.FromContext(ctx, s.Logger)
		logger.Warn().Err(err).Str("topic", topic).Int64("order_code", rec.OrderCode).Msg("emit payment event")
	}
}

// ReconcileReport counts what one reconcile pass did.
type ReconcileReport struct {
	Checked   int
	Completed int
	Failed    int
	Pending   int
	Unknown   int
	Errors    int
}

// Reconcile looks up stale PENDING payments at the provider and applies any
// terminal status. Payments whose status is unknown are left for the next
// pass. Nothing is looked up in mock mode.
func (s *Service) Reconcile(ctx context.Context, staleAfter time.Duration, limit int) (ReconcileReport, error) {
	var report ReconcileReport
	if s.Gateway.Mode() != ModeLive {
		return report, nil
	}
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	stale, err := s.Store.ListStalePending(ctx, now().Add(-staleAfter), limit)
	if err != nil {
		return report, err
	}
	for _, rec := range stale {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		report.Checked++
		result := s.reconcileOne(ctx, rec, &report)
		if obs.PaymentReconcileTotal != nil {
			obs.PaymentReconcileTotal.WithLabelValues(result).Inc()
		}
	}
	return report, nil
}

func (s *Service) reconcileOne(ctx context.Context, rec Record, report *ReconcileReport) string {
	info, ok := s.Gateway.GetPaymentInfo(ctx, rec.OrderCode)
	if !ok {
		report.Unknown++
		return "unknown"
	}
	updated, err := s.applyInfo(ctx, rec, info)
	switch {
	case err != nil:
		report.Errors++
		logger := obs.FromContext(ctx, s.Logger)
		logger.Warn().Err(err).Int64("order_code", rec.OrderCode).Msg("reconcile payment")
		return "error"
	case updated.Status == StatusCompleted:
		report.Completed++
		return "completed"
	case updated.Status == StatusFailed:
		report.Failed++
		return "failed"
	default:
		report.Pending++
		return "pending"
	}
}

func defaultOrderCode() int64 {
	return time.Now().UnixMilli()*1000 + rand.Int64N(1000)
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}
