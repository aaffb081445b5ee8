package obs

import (
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	domainOnce sync.Once

	// PaymentLinkTotal counts CreatePaymentLink outcomes by gateway mode.
	PaymentLinkTotal *prometheus.CounterVec
	// PaymentLookupTotal counts GetPaymentInfo outcomes by gateway mode.
	PaymentLookupTotal *prometheus.CounterVec
	// PaymentWebhookTotal counts inbound payment webhooks by outcome.
	PaymentWebhookTotal *prometheus.CounterVec
	// PaymentReconcileTotal counts reconciled payments by outcome.
	PaymentReconcileTotal *prometheus.CounterVec
	// PaymentProviderLatency observes provider round trips in milliseconds.
	PaymentProviderLatency *prometheus.HistogramVec
)

// MustRegisterDomainMetrics creates the payment collectors once and registers
// them with reg (the default registerer when nil).
func MustRegisterDomainMetrics(namespace string, reg prometheus.Registerer) {
	domainOnce.Do(func() {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		PaymentLinkTotal = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_link_total",
			Help:      "Payment link creation outcomes.",
		}, []string{"mode", "result"}))
		PaymentLookupTotal = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_lookup_total",
			Help:      "Payment status lookup outcomes.",
		}, []string{"mode", "result"}))
		PaymentWebhookTotal = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_webhook_total",
			Help:      "Processed payment webhooks by outcome.",
		}, []string{"result"}))
		PaymentReconcileTotal = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_reconcile_total",
			Help:      "Reconciled stale payments by outcome.",
		}, []string{"result"}))
		latency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "payment_provider_duration_ms",
			Help:      "Payment provider call latency in milliseconds.",
			Buckets:   []float64{25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
		}, []string{"operation"})
		if existing, ok := register(reg, latency).(*prometheus.HistogramVec); ok {
			latency = existing
		}
		PaymentProviderLatency = latency
	})
}

func registerCounterVec(reg prometheus.Registerer, c *prometheus.CounterVec) *prometheus.CounterVec {
	if existing, ok := register(reg, c).(*prometheus.CounterVec); ok {
		return existing
	}
	return c
}

// register returns the already registered collector on conflict, nil otherwise.
func register(reg prometheus.Registerer, c prometheus.Collector) prometheus.Collector {
	err := reg.Register(c)
	if err == nil {
		return nil
	}
	if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
		return are.ExistingCollector
	}
	panic(fmt.Errorf("register collector: %w", err))
}
