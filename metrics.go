// SPDX-License-Identifier: GPL-3.0-or-later

package netconn

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// NewMetrics creates the [*Metrics] collectors and registers them with reg.
//
// A nil [*Metrics] is valid and records nothing.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ConnectAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "netconn_connect_attempts_total",
			Help: "Completed connect attempts by result",
		}, []string{"result"}),
		ConnectRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "netconn_connect_retries_total",
			Help: "Non-blocking connects that advanced to the next address",
		}),
		Handshakes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "netconn_tls_handshakes_total",
			Help: "TLS handshakes by result",
		}, []string{"result"}),
		SessionResumptions: factory.NewCounter(prometheus.CounterOpts{
			Name: "netconn_tls_session_resumptions_total",
			Help: "TLS handshakes that resumed a cached session",
		}),
		Notifications: factory.NewCounter(prometheus.CounterOpts{
			Name: "netconn_notifications_total",
			Help: "Wakeups sent through ConnectionWait",
		}),
	}
}

// Metrics contains the optional Prometheus collectors.
type Metrics struct {
	ConnectAttempts    *prometheus.CounterVec
	ConnectRetries     prometheus.Counter
	Handshakes         *prometheus.CounterVec
	SessionResumptions prometheus.Counter
	Notifications      prometheus.Counter
}

func (m *Metrics) observeConnect(err error) {
	if m == nil {
		return
	}
	m.ConnectAttempts.WithLabelValues(resultLabel(err)).Inc()
}

func (m *Metrics) observeRetry() {
	if m == nil {
		return
	}
	m.ConnectRetries.Inc()
}

func (m *Metrics) observeHandshake(err error, resumed bool) {
	if m == nil {
		return
	}
	m.Handshakes.WithLabelValues(resultLabel(err)).Inc()
	if err == nil && resumed {
		m.SessionResumptions.Inc()
	}
}

func (m *Metrics) observeNotify() {
	if m == nil {
		return
	}
	m.Notifications.Inc()
}

// resultLabel maps an outcome to the "result" label value.
func resultLabel(err error) string {
	var nerr *Error
	switch {
	case err == nil:
		return "success"
	case errors.As(err, &nerr):
		return nerr.Kind.String()
	default:
		return "other"
	}
}
