package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "chat_sync"

var stateValues = map[string]float64{
	"disconnected": 0,
	"connecting":   1,
	"connected":    2,
}

// Engine aggregates the collectors for the sync engine. A nil *Engine is a
// valid no-op sink, so callers do not need to guard every observation.
type Engine struct {
	connectionState prometheus.Gauge
	reconnects      prometheus.Counter
	framesIn        *prometheus.CounterVec
	framesDropped   prometheus.Counter
	sends           prometheus.Counter
	sendFailures    prometheus.Counter
	heartbeatRTT    prometheus.Histogram
}

func New(reg prometheus.Registerer) *Engine {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	e := &Engine{
		connectionState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_state",
			Help:      "Current channel state: 0 disconnected, 1 connecting, 2 connected.",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnect_attempts_total",
			Help:      "Reconnection attempts scheduled after abnormal closures.",
		}),
		framesIn: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_inbound_total",
			Help:      "Inbound frames by kind.",
		}, []string{"kind"}),
		framesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Inbound frames dropped as malformed.",
		}),
		sends: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sends_total",
			Help:      "Outbound message send attempts.",
		}),
		sendFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_failures_total",
			Help:      "Sends rejected or failed at the channel.",
		}),
		heartbeatRTT: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "heartbeat_rtt_seconds",
			Help:      "Round-trip latency measured from heartbeat acknowledgments.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		}),
	}
	reg.MustRegister(
		e.connectionState,
		e.reconnects,
		e.framesIn,
		e.framesDropped,
		e.sends,
		e.sendFailures,
		e.heartbeatRTT,
	)
	return e
}

func (e *Engine) SetConnectionState(state string) {
	if e == nil {
		return
	}
	e.connectionState.Set(stateValues[state])
}

func (e *Engine) IncReconnect() {
	if e == nil {
		return
	}
	e.reconnects.Inc()
}

func (e *Engine) IncFrame(kind string) {
	if e == nil {
		return
	}
	e.framesIn.WithLabelValues(kind).Inc()
}

func (e *Engine) IncFrameDropped() {
	if e == nil {
		return
	}
	e.framesDropped.Inc()
}

func (e *Engine) IncSend() {
	if e == nil {
		return
	}
	e.sends.Inc()
}

func (e *Engine) IncSendFailure() {
	if e == nil {
		return
	}
	e.sendFailures.Inc()
}

func (e *Engine) ObserveHeartbeatRTT(d time.Duration) {
	if e == nil || d < 0 {
		return
	}
	e.heartbeatRTT.Observe(d.Seconds())
}
