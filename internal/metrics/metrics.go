// Package metrics exposes Prometheus collectors for access decisions.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "accessgate"

// Metrics groups the collectors registered on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	GiftCodeValidations *prometheus.CounterVec
	GiftCodeRedemptions *prometheus.CounterVec
	PlaybackIssued      *prometheus.CounterVec
	PlaybackValidations *prometheus.CounterVec
	RateLimitDecisions  *prometheus.CounterVec
	SweptRecords        *prometheus.CounterVec
	HTTPRequests        *prometheus.CounterVec
	HTTPDuration        *prometheus.HistogramVec
}

// New registers every collector on a fresh registry, plus the Go runtime and
// process collectors.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		GiftCodeValidations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "giftcode_validations_total",
			Help:      "Gift code validations by outcome.",
		}, []string{"outcome"}),
		GiftCodeRedemptions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "giftcode_redemptions_total",
			Help:      "Gift code redemptions by outcome.",
		}, []string{"outcome"}),
		PlaybackIssued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "playback_tokens_issued_total",
			Help:      "Playback token issue requests by outcome.",
		}, []string{"outcome"}),
		PlaybackValidations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "playback_validations_total",
			Help:      "Playback token validations by outcome.",
		}, []string{"outcome"}),
		RateLimitDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ratelimit_decisions_total",
			Help:      "Rate limit decisions by action and result.",
		}, []string{"action", "result"}),
		SweptRecords: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "swept_records_total",
			Help:      "Records removed or expired by maintenance sweeps.",
		}, []string{"kind"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status code.",
		}, []string{"method", "route", "status"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency in seconds.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}, []string{"method", "route"}),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.GiftCodeValidations,
		m.GiftCodeRedemptions,
		m.PlaybackIssued,
		m.PlaybackValidations,
		m.RateLimitDecisions,
		m.SweptRecords,
		m.HTTPRequests,
		m.HTTPDuration,
	)
	return m
}

// Registry returns the registry backing m.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveRateLimit records a limiter decision.
func (m *Metrics) ObserveRateLimit(action string, allowed bool) {
	if m == nil {
		return
	}
	result := "allowed"
	if !allowed {
		result = "limited"
	}
	m.RateLimitDecisions.WithLabelValues(action, result).Inc()
}

// ObserveHTTP records a served request.
func (m *Metrics) ObserveHTTP(method, route string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.HTTPDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

// CodeValidated records a gift code validation outcome.
func (m *Metrics) CodeValidated(outcome string) {
	if m != nil {
		m.GiftCodeValidations.WithLabelValues(outcome).Inc()
	}
}

// CodeRedeemed records a gift code redemption outcome.
func (m *Metrics) CodeRedeemed(outcome string) {
	if m != nil {
		m.GiftCodeRedemptions.WithLabelValues(outcome).Inc()
	}
}

// TokenIssued records a playback token issue outcome.
func (m *Metrics) TokenIssued(outcome string) {
	if m != nil {
		m.PlaybackIssued.WithLabelValues(outcome).Inc()
	}
}

// TokenValidated records a playback token or grant validation outcome.
func (m *Metrics) TokenValidated(outcome string) {
	if m != nil {
		m.PlaybackValidations.WithLabelValues(outcome).Inc()
	}
}

// AddSwept records n records removed by a sweep of kind.
func (m *Metrics) AddSwept(kind string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.SweptRecords.WithLabelValues(kind).Add(float64(n))
}
