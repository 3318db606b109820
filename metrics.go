// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package ctxrpc

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Message outcomes recorded by the messages counter.
const (
	outcomeReceived    = "received"
	outcomeMalformed   = "malformed"
	outcomeRateLimited = "rate_limited"
	outcomeError       = "error"
)

type metrics struct {
	accepted *prometheus.CounterVec
	rejected *prometheus.CounterVec
	active   *prometheus.GaugeVec
	messages *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)
	return &metrics{
		accepted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ctxrpc",
			Name:      "connections_accepted_total",
			Help:      "Connections accepted and registered.",
		}, []string{"transport"}),
		rejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ctxrpc",
			Name:      "connections_rejected_total",
			Help:      "Connections closed at admission.",
		}, []string{"transport"}),
		active: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "ctxrpc",
			Name:      "connections_active",
			Help:      "Connections currently registered.",
		}, []string{"transport"}),
		messages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ctxrpc",
			Name:      "messages_total",
			Help:      "Messages handled, by outcome.",
		}, []string{"transport", "outcome"}),
		latency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ctxrpc",
			Name:      "respond_duration_seconds",
			Help:      "Time spent building a response.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
		}, []string{"transport"}),
	}
}

func (m *metrics) connOpened(transport string) {
	if m == nil {
		return
	}
	m.accepted.WithLabelValues(transport).Inc()
	m.active.WithLabelValues(transport).Inc()
}

func (m *metrics) connClosed(transport string) {
	if m == nil {
		return
	}
	m.active.WithLabelValues(transport).Dec()
}

func (m *metrics) connRejected(transport string) {
	if m == nil {
		return
	}
	m.rejected.WithLabelValues(transport).Inc()
}

func (m *metrics) message(transport, outcome string) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(transport, outcome).Inc()
}

func (m *metrics) observe(transport string, start time.Time) {
	if m == nil {
		return
	}
	m.latency.WithLabelValues(transport).Observe(time.Since(start).Seconds())
}
