package rtc

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	iceRestarts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "linglink",
		Subsystem: "rtc",
		Name:      "ice_restarts_total",
		Help:      "ICE restart offers issued after connectivity loss",
	})
	legacyFrames = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "linglink",
		Subsystem: "rtc",
		Name:      "legacy_frames_total",
		Help:      "Inbound audio payloads accepted via the raw-payload fallback",
	})
	connState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "linglink",
		Subsystem: "rtc",
		Name:      "connection_state",
		Help:      "Current connection state, one gauge per state set to 0 or 1",
	}, []string{"state"})
)

func recordState(s State) {
	for _, st := range []State{StateDisconnected, StateConnecting, StateConnected, StateReconnecting, StateFailed} {
		v := 0.0
		if st == s {
			v = 1.0
		}
		connState.WithLabelValues(st.String()).Set(v)
	}
}
