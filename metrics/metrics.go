// Package metrics exposes Prometheus counters for the session core. The
// counters register on the default registry; hosts that expose /metrics pick
// them up without extra wiring.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TokenRefreshes counts successful access-token renewals.
	TokenRefreshes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tradovate_token_refreshes_total",
		Help: "Number of successful access token renewals",
	})

	// AuthFailures counts failed credential exchanges (full auth path).
	AuthFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tradovate_auth_failures_total",
		Help: "Number of failed credential exchanges",
	})

	// RESTRequests counts outbound REST calls by outcome.
	RESTRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradovate_rest_requests_total",
		Help: "Number of REST requests by outcome",
	}, []string{"outcome"})

	// FramesReceived counts inbound websocket frames by type prefix.
	FramesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradovate_ws_frames_received_total",
		Help: "Number of websocket frames received by type",
	}, []string{"type"})

	// RequestsSent counts correlated websocket requests sent.
	RequestsSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tradovate_ws_requests_sent_total",
		Help: "Number of correlated websocket requests sent",
	})

	// HeartbeatsSent counts client-initiated heartbeat frames.
	HeartbeatsSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tradovate_ws_heartbeats_sent_total",
		Help: "Number of client heartbeat frames sent",
	})

	// Reconnects counts supervisor reconnect attempts.
	Reconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tradovate_ws_reconnects_total",
		Help: "Number of supervisor reconnect attempts",
	})
)
