package payment

import (
	"context"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/noah-isme/learnhub-api/internal/events"
)

type memStore struct {
	mu          sync.Mutex
	payments    map[int64]Record
	enrollments map[string]uuid.UUID
	now         time.Time
	failCreate  error
	failEnroll  error
}

func newMemStore() *memStore {
	return &memStore{
		payments:    map[int64]Record{},
		enrollments: map[string]uuid.UUID{},
		now:         time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func (m *memStore) CreatePayment(_ context.Context, rec Record) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failCreate != nil {
		return Record{}, m.failCreate
	}
	if _, ok := m.payments[rec.OrderCode]; ok {
		return Record{}, ErrDuplicateOrderCode
	}
	rec.ID = uuid.New()
	rec.CreatedAt, rec.UpdatedAt = m.now, m.now
	m.payments[rec.OrderCode] = rec
	return rec, nil
}

func (m *memStore) GetPaymentByOrderCode(_ context.Context, orderCode int64) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.payments[orderCode]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

func (m *memStore) GetOpenPaymentForCourse(_ context.Context, userID, courseID string) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range m.payments {
		if rec.UserID == userID && rec.CourseID == courseID && rec.Status == StatusPending && rec.CheckoutURL != "" {
			return rec, nil
		}
	}
	return Record{}, ErrNotFound
}

func (m *memStore) SetCheckoutURL(_ context.Context, orderCode int64, url string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.payments[orderCode]
	if !ok {
		return ErrNotFound
	}
	rec.CheckoutURL = url
	m.payments[orderCode] = rec
	return nil
}

func (m *memStore) UpdatePaymentStatus(_ context.Context, upd StatusUpdate) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !CanTransition(upd.From, upd.To) {
		return Record{}, ErrInvalidTransition
	}
	rec, ok := m.payments[upd.OrderCode]
	if !ok {
		return Record{}, ErrNotFound
	}
	if rec.Status != upd.From {
		return Record{}, ErrInvalidTransition
	}
	rec.Status = upd.To
	if upd.ProviderStatus != "" {
		rec.ProviderStatus = upd.ProviderStatus
	}
	if upd.ProviderPayload != nil {
		rec.ProviderPayload = upd.ProviderPayload
	}
	rec.UpdatedAt = m.now.Add(time.Second)
	m.payments[upd.OrderCode] = rec
	return rec, nil
}

func (m *memStore) ActivateEnrollment(_ context.Context, userID, courseID string, paymentID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failEnroll != nil {
		return m.failEnroll
	}
	m.enrollments[userID+"/"+courseID] = paymentID
	return nil
}

func (m *memStore) ListStalePending(_ context.Context, olderThan time.Time, limit int) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Record
	for _, rec := range m.payments {
		if rec.Status == StatusPending && rec.CreatedAt.Before(olderThan) {
			out = append(out, rec)
		}
	}
	slices.SortFunc(out, func(a, b Record) int { return int(a.OrderCode - b.OrderCode) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) InTx(_ context.Context, fn func(Store) error) error {
	return fn(m)
}

func (m *memStore) enrolled(userID, courseID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.enrollments[userID+"/"+courseID]
	return ok
}

// stubProvider is a Provider with canned answers.
type stubProvider struct {
	mode      Mode
	linkErr   error
	links     int
	infos     map[int64]PaymentInfo
	verifyOK  bool
	lastLinks []PaymentRequest
}

func (p *stubProvider) Mode() Mode { return p.mode }

func (p *stubProvider) CreatePaymentLink(_ context.Context, req PaymentRequest) (PaymentLinkResult, error) {
	p.links++
	p.lastLinks = append(p.lastLinks, req)
	if p.linkErr != nil {
		return PaymentLinkResult{}, p.linkErr
	}
	return PaymentLinkResult{CheckoutURL: "https://pay.payos.vn/web/" + uuid.NewString()}, nil
}

func (p *stubProvider) MockPaymentURL(orderCode int64) string {
	return "http://localhost:3000/payment/mock?orderCode=" + strconv.FormatInt(orderCode, 10)
}

func (p *stubProvider) GetPaymentInfo(_ context.Context, orderCode int64) (PaymentInfo, bool) {
	info, ok := p.infos[orderCode]
	return info, ok
}

func (p *stubProvider) VerifyWebhookSignature(WebhookPayload, string) bool { return p.verifyOK }

func sequence(start int64) func() int64 {
	next := start
	return func() int64 {
		next++
		return next
	}
}

type recordedEvent struct {
	topic     string
	aggregate uuid.UUID
	payload   any
}

type captureEmitter struct {
	mu     sync.Mutex
	events []recordedEvent
	err    error
}

func (c *captureEmitter) Emit(_ context.Context, topic string, aggregateID uuid.UUID, payload any) (events.Event, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, recordedEvent{topic: topic, aggregate: aggregateID, payload: payload})
	if c.err != nil {
		return events.Event{}, c.err
	}
	return events.Event{ID: uuid.New(), Topic: topic, AggregateID: aggregateID}, nil
}

func (c *captureEmitter) topics() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.events))
	for _, ev := range c.events {
		out = append(out, ev.topic)
	}
	return out
}
