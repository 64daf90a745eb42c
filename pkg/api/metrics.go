// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"net/http"
)

// Metrics holds the core prometheus collectors. It satisfies the proxy's
// MetricsRecorder interface.
type Metrics struct {
	registry *prometheus.Registry

	admissionsTotal *prometheus.CounterVec
	upstreamErrors  prometheus.Counter
	sessionsActive  prometheus.Gauge
	keysActive      prometheus.Gauge
}

// NewMetrics creates and registers the core collectors on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		admissionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "paygate_admissions_total",
			Help: "Gate admission decisions by outcome and denial reason.",
		}, []string{"outcome", "reason"}),
		upstreamErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "paygate_upstream_errors_total",
			Help: "Upstream transport failures.",
		}),
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "paygate_sessions_active",
			Help: "Live MCP sessions.",
		}),
		keysActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "paygate_keys_total",
			Help: "Keys held by the key store.",
		}),
	}
	reg.MustRegister(m.admissionsTotal, m.upstreamErrors, m.sessionsActive, m.keysActive)
	reg.MustRegister(prometheus.NewGoCollector())
	return m
}

// Admission records one gate decision.
func (m *Metrics) Admission(allowed bool, reason string) {
	outcome := "allow"
	if !allowed {
		outcome = "deny"
	}
	m.admissionsTotal.WithLabelValues(outcome, reason).Inc()
}

// UpstreamError records one upstream transport failure.
func (m *Metrics) UpstreamError() {
	m.upstreamErrors.Inc()
}

// Sessions records the current live session count.
func (m *Metrics) Sessions(count int) {
	m.sessionsActive.Set(float64(count))
}

// Keys records the current key count.
func (m *Metrics) Keys(count int) {
	m.keysActive.Set(float64(count))
}

// Handler serves the text exposition for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
