// Package metrics holds the Prometheus collectors for the ledger and the
// campaign dispatcher.
//
// All methods are safe on a nil *Metrics so components can run without a
// registry (tests, CLI one-shots).
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "campaignd"

type Metrics struct {
	ledgerOps     *prometheus.CounterVec
	ledgerCredits *prometheus.CounterVec
	campaigns     *prometheus.CounterVec
	running       prometheus.Gauge
	recipients    *prometheus.CounterVec
	sends         *prometheus.CounterVec
	sendLatency   *prometheus.HistogramVec
}

// New registers the collectors with reg. A nil reg uses a private registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		ledgerOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "operations_total",
			Help:      "Ledger operations by kind and result.",
		}, []string{"kind", "result"}),
		ledgerCredits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "credits_total",
			Help:      "Credit units moved by committed ledger operations.",
		}, []string{"kind", "category"}),
		campaigns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "campaign",
			Name:      "transitions_total",
			Help:      "Campaign status transitions.",
		}, []string{"status"}),
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "campaign",
			Name:      "running",
			Help:      "Campaigns currently being dispatched.",
		}),
		recipients: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "campaign",
			Name:      "recipients_total",
			Help:      "Recipient outcomes.",
		}, []string{"status"}),
		sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "channel",
			Name:      "sends_total",
			Help:      "Provider sends by message kind and result code.",
		}, []string{"kind", "code"}),
		sendLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "channel",
			Name:      "send_seconds",
			Help:      "Provider send latency.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"kind"}),
	}
	reg.MustRegister(m.ledgerOps, m.ledgerCredits, m.campaigns, m.running, m.recipients, m.sends, m.sendLatency)
	return m
}

// LedgerOp counts one ledger call. result is "ok", "replayed" or an error class.
func (m *Metrics) LedgerOp(kind, result string) {
	if m == nil {
		return
	}
	m.ledgerOps.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) LedgerCredits(kind, category string, amount int64) {
	if m == nil || amount <= 0 {
		return
	}
	m.ledgerCredits.WithLabelValues(kind, category).Add(float64(amount))
}

func (m *Metrics) CampaignStatus(status string) {
	if m == nil {
		return
	}
	m.campaigns.WithLabelValues(status).Inc()
}

func (m *Metrics) CampaignRunning(delta int) {
	if m == nil {
		return
	}
	m.running.Add(float64(delta))
}

func (m *Metrics) Recipient(status string) {
	if m == nil {
		return
	}
	m.recipients.WithLabelValues(status).Inc()
}

// Send records one provider call. code is "ok" on success.
func (m *Metrics) Send(kind, code string, took time.Duration) {
	if m == nil {
		return
	}
	m.sends.WithLabelValues(kind, code).Inc()
	m.sendLatency.WithLabelValues(kind).Observe(took.Seconds())
}
