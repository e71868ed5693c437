package hassclient

import "github.com/prometheus/client_golang/prometheus"

// clientMetrics counts the frame-level anomalies the dispatch loop contains
// instead of surfacing, plus the keep-alive round-trip time. The metrics are
// always updated; they are only exported when a registerer is configured.
type clientMetrics struct {
	framesReceived  prometheus.Counter
	framesMalformed prometheus.Counter
	orphanResults   prometheus.Counter
	eventsDropped   prometheus.Counter
	reconnects      prometheus.Counter
	pingRTT         prometheus.Gauge
}

func newClientMetrics(reg prometheus.Registerer) *clientMetrics {
	m := &clientMetrics{
		framesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hass", Subsystem: "client",
			Name: "frames_received_total",
			Help: "Inbound websocket frames.",
		}),
		framesMalformed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hass", Subsystem: "client",
			Name: "frames_malformed_total",
			Help: "Inbound frames rejected as unparseable or unexpected.",
		}),
		orphanResults: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hass", Subsystem: "client",
			Name: "orphan_results_total",
			Help: "Result frames with no matching pending request.",
		}),
		eventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hass", Subsystem: "client",
			Name: "events_dropped_total",
			Help: "Event copies dropped on lagging subscribers.",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hass", Subsystem: "client",
			Name: "reconnects_total",
			Help: "Successful reconnections after a lost connection.",
		}),
		pingRTT: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "hass", Subsystem: "client",
			Name: "ping_rtt_seconds",
			Help: "Round-trip time of the most recent keep-alive ping.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.framesReceived,
			m.framesMalformed,
			m.orphanResults,
			m.eventsDropped,
			m.reconnects,
			m.pingRTT,
		)
	}

	return m
}
