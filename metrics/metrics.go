// Package metrics registers and serves the Prometheus collectors.
// Metric names are part of the operational contract; dashboards and
// alerts key on them.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/brasa/corebank/ledger"
)

// Metrics bundles every collector the service exports.
type Metrics struct {
	registry *prometheus.Registry

	TransactionsTotal *prometheus.CounterVec
	FraudDetected     *prometheus.CounterVec
	TotalBalance      prometheus.Gauge

	IntegrityOK       prometheus.Gauge
	IntegrityFailures prometheus.Counter
	IntegrityLastRun  prometheus.Gauge

	RequestLatency *prometheus.HistogramVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		TransactionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "transactions_total",
			Help: "Committed ledger transactions by operation type.",
		}, []string{"operation_type"}),
		FraudDetected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fraud_detected_total",
			Help: "Fraud engine verdicts by action.",
		}, []string{"action"}),
		TotalBalance: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "accounts_total_balance",
			Help: "Sum of customer account balances.",
		}),
		IntegrityOK: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ledger_integrity_ok",
			Help: "1 when the last integrity scan passed, 0 otherwise.",
		}),
		IntegrityFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ledger_integrity_failures_total",
			Help: "Integrity scans that found a violation.",
		}),
		IntegrityLastRun: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ledger_integrity_last_run_timestamp",
			Help: "Unix timestamp of the last integrity scan.",
		}),
		RequestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "app_request_latency_seconds",
			Help:    "HTTP request latency by route and method.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
	}
	m.registry.MustRegister(
		m.TransactionsTotal,
		m.FraudDetected,
		m.TotalBalance,
		m.IntegrityOK,
		m.IntegrityFailures,
		m.IntegrityLastRun,
		m.RequestLatency,
	)
	return m
}

// Handler serves the /metrics scrape endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveTransaction is wired as the engine's commit hook.
func (m *Metrics) ObserveTransaction(op ledger.OperationType) {
	m.TransactionsTotal.WithLabelValues(string(op)).Inc()
}

// ObserveFraud is wired as the engine's fraud hook.
func (m *Metrics) ObserveFraud(action ledger.FraudAction) {
	m.FraudDetected.WithLabelValues(string(action)).Inc()
}

// ObserveIntegrity is wired as the monitor's result hook.
func (m *Metrics) ObserveIntegrity(report ledger.IntegrityReport) {
	m.IntegrityLastRun.SetToCurrentTime()
	if report.OK {
		m.IntegrityOK.Set(1)
		return
	}
	m.IntegrityOK.Set(0)
	m.IntegrityFailures.Inc()
}
