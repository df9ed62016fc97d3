// Package metrics holds the Prometheus collectors of the portal and the
// optional listener that exposes them.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RelayCommandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{Name: "relayportal_relay_commands_total", Help: "Relay commands applied"}, []string{"command"})
	HTTPRequestsTotal  = promauto.NewCounterVec(prometheus.CounterOpts{Name: "relayportal_http_requests_total", Help: "Control requests served by route"}, []string{"route"})
	HTTPErrorsTotal    = promauto.NewCounterVec(prometheus.CounterOpts{Name: "relayportal_http_errors_total", Help: "Control connection failures by stage"}, []string{"stage"})
	DNSQueriesTotal    = promauto.NewCounterVec(prometheus.CounterOpts{Name: "relayportal_dns_queries_total", Help: "DNS queries by outcome"}, []string{"result"})
	SessionsTotal      = promauto.NewCounter(prometheus.CounterOpts{Name: "relayportal_sessions_total", Help: "Access point sessions started"})
	SessionState       = promauto.NewGauge(prometheus.GaugeOpts{Name: "relayportal_session_state", Help: "Dispatcher state (0 init, 1 serving, 2 exiting, 3 stopped)"})
	ActivationSeconds  = promauto.NewHistogram(prometheus.HistogramOpts{Name: "relayportal_activation_seconds", Help: "Time to bring the access point up", Buckets: prometheus.ExponentialBuckets(0.05, 2, 10)})
)
