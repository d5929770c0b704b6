package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// CheckoutMetrics records outcomes for the checkout, webhook, and refund flows.
type CheckoutMetrics struct {
	intents         *prometheus.CounterVec
	webhookEvents   *prometheus.CounterVec
	materializes    *prometheus.CounterVec
	materializeTime prometheus.Histogram
	upsells         *prometheus.CounterVec
	refunds         *prometheus.CounterVec
}

// NewCheckoutMetrics registers the checkout metrics on the provided registerer.
func NewCheckoutMetrics(reg prometheus.Registerer) *CheckoutMetrics {
	if reg == nil {
		return &CheckoutMetrics{}
	}
	intents := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "checkout_intents_total",
		Help: "Payment intents created, by funnel and outcome.",
	}, []string{"funnel", "outcome"})
	webhookEvents := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "webhook_events_total",
		Help: "Inbound processor notifications, by type and outcome.",
	}, []string{"type", "outcome"})
	materializes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "orders_materialized_total",
		Help: "Orders materialized from payment notifications, by outcome.",
	}, []string{"outcome"})
	materializeTime := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "order_materialize_duration_seconds",
		Help:    "Duration of draft-to-order materialization.",
		Buckets: prometheus.DefBuckets,
	})
	upsells := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "upsell_charges_total",
		Help: "Off-session upsell charges, by outcome.",
	}, []string{"outcome"})
	refunds := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "refunds_total",
		Help: "Refund operations, by outcome.",
	}, []string{"outcome"})
	reg.MustRegister(intents, webhookEvents, materializes, materializeTime, upsells, refunds)
	return &CheckoutMetrics{
		intents:         intents,
		webhookEvents:   webhookEvents,
		materializes:    materializes,
		materializeTime: materializeTime,
		upsells:         upsells,
		refunds:         refunds,
	}
}

func (m *CheckoutMetrics) IncIntent(funnel, outcome string) {
	if m == nil || m.intents == nil {
		return
	}
	m.intents.WithLabelValues(normalizeLabel(funnel), normalizeLabel(outcome)).Inc()
}

func (m *CheckoutMetrics) IncWebhookEvent(eventType, outcome string) {
	if m == nil || m.webhookEvents == nil {
		return
	}
	m.webhookEvents.WithLabelValues(normalizeLabel(eventType), normalizeLabel(outcome)).Inc()
}

func (m *CheckoutMetrics) IncMaterialize(outcome string) {
	if m == nil || m.materializes == nil {
		return
	}
	m.materializes.WithLabelValues(normalizeLabel(outcome)).Inc()
}

func (m *CheckoutMetrics) ObserveMaterializeDuration(d time.Duration) {
	if m == nil || m.materializeTime == nil {
		return
	}
	m.materializeTime.Observe(d.Seconds())
}

func (m *CheckoutMetrics) IncUpsell(outcome string) {
	if m == nil || m.upsells == nil {
		return
	}
	m.upsells.WithLabelValues(normalizeLabel(outcome)).Inc()
}

func (m *CheckoutMetrics) IncRefund(outcome string) {
	if m == nil || m.refunds == nil {
		return
	}
	m.refunds.WithLabelValues(normalizeLabel(outcome)).Inc()
}

func normalizeLabel(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}
