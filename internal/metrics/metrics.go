// Package metrics provides Prometheus instrumentation for the sync engine.
//
// Instruments are registered against an explicit registry so tests and
// multiple sessions never collide on the default one. A nil *Metrics is
// valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the engine's instruments.
type Metrics struct {
	registry *prometheus.Registry

	// EventsReceived counts inbound push events by event name.
	EventsReceived *prometheus.CounterVec

	// EventsDropped counts inbound push events discarded by the router.
	EventsDropped *prometheus.CounterVec

	// ConnectAttempts counts dial+handshake attempts by outcome.
	ConnectAttempts *prometheus.CounterVec

	// Reconnects counts successful reconnects after a connection loss.
	Reconnects prometheus.Counter

	// Connected is 1 while the push connection is live.
	Connected prometheus.Gauge

	// MessagesSent counts messages confirmed by the history API.
	MessagesSent prometheus.Counter

	// MessagesReceived counts messages appended from push events.
	MessagesReceived prometheus.Counter

	// APIRequestDuration tracks history API latency by operation and outcome.
	APIRequestDuration *prometheus.HistogramVec
}

// New creates a registry with Go and process collectors plus the engine's
// instruments.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		EventsReceived: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chat_push_events_received_total",
				Help: "Inbound push events by event name",
			},
			[]string{"event"},
		),
		EventsDropped: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chat_push_events_dropped_total",
				Help: "Inbound push events dropped by the router",
			},
			[]string{"event", "reason"},
		),
		ConnectAttempts: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chat_push_connect_attempts_total",
				Help: "Push connection attempts by outcome",
			},
			[]string{"outcome"},
		),
		Reconnects: f.NewCounter(prometheus.CounterOpts{
			Name: "chat_push_reconnects_total",
			Help: "Successful reconnects after a connection loss",
		}),
		Connected: f.NewGauge(prometheus.GaugeOpts{
			Name: "chat_push_connected",
			Help: "1 while the push connection is live",
		}),
		MessagesSent: f.NewCounter(prometheus.CounterOpts{
			Name: "chat_messages_sent_total",
			Help: "Messages confirmed by the history API",
		}),
		MessagesReceived: f.NewCounter(prometheus.CounterOpts{
			Name: "chat_messages_received_total",
			Help: "Messages appended from push events",
		}),
		APIRequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "chat_api_request_duration_seconds",
				Help:    "History API request duration in seconds",
				Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"op", "status"},
		),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}

	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}

	return m.registry
}

func (m *Metrics) EventReceived(event string) {
	if m == nil {
		return
	}

	m.EventsReceived.WithLabelValues(event).Inc()
}

func (m *Metrics) EventDropped(event, reason string) {
	if m == nil {
		return
	}

	m.EventsDropped.WithLabelValues(event, reason).Inc()
}

func (m *Metrics) ConnectAttempt(outcome string) {
	if m == nil {
		return
	}

	m.ConnectAttempts.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Reconnected() {
	if m == nil {
		return
	}

	m.Reconnects.Inc()
}

// SetConnected flips the connection gauge.
func (m *Metrics) SetConnected(v bool) {
	if m == nil {
		return
	}

	if v {
		m.Connected.Set(1)
	} else {
		m.Connected.Set(0)
	}
}

func (m *Metrics) MessageSent() {
	if m == nil {
		return
	}

	m.MessagesSent.Inc()
}

func (m *Metrics) MessageReceived() {
	if m == nil {
		return
	}

	m.MessagesReceived.Inc()
}

// ObserveAPI records one history API call.
func (m *Metrics) ObserveAPI(op string, err error, seconds float64) {
	if m == nil {
		return
	}

	status := "ok"
	if err != nil {
		status = "error"
	}

	m.APIRequestDuration.WithLabelValues(op, status).Observe(seconds)
}
