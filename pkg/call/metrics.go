package call

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	packetsSent = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "linglink",
		Subsystem: "call",
		Name:      "audio_packets_sent_total",
		Help:      "Audio frames shipped over the data channel",
	})
	packetsReceived = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "linglink",
		Subsystem: "call",
		Name:      "audio_packets_received_total",
		Help:      "Audio frames received from the partner",
	})
	stateTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "linglink",
		Subsystem: "call",
		Name:      "state_transitions_total",
		Help:      "Call state transitions by resulting state",
	}, []string{"state"})
)
