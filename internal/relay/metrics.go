package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	connectAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mcprelay",
		Name:      "connect_attempts_total",
		Help:      "Tool server connection attempts by result.",
	}, []string{"result"})

	toolCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mcprelay",
		Name:      "tool_calls_total",
		Help:      "Tool invocations by result.",
	}, []string{"result"})

	reconnectsScheduled = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "mcprelay",
		Name:      "reconnects_scheduled_total",
		Help:      "Reconnection attempts scheduled.",
	})

	liveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "mcprelay",
		Name:      "connections_live",
		Help:      "Currently connected tool servers.",
	})
)

const (
	resultSuccess = "success"
	resultError   = "error"
)
