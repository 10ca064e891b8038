package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "mcpgate"

// Metrics holds the gateway collectors. A nil *Metrics records nothing.
type Metrics struct {
	reg *prometheus.Registry

	buildInfo        *prometheus.GaugeVec
	frames           *prometheus.CounterVec
	malformed        *prometheus.CounterVec
	synthetic        *prometheus.CounterVec
	unknownResponses prometheus.Counter
	pending          prometheus.Gauge
	upstreamState    prometheus.Gauge
	reconnects       prometheus.Counter
	postDuration     *prometheus.HistogramVec
}

// New creates the collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "build_info",
			Help:      "Build information",
		}, []string{"version", "sha", "date"}),
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_total",
			Help:      "JSON-RPC frames bridged, by direction and kind",
		}, []string{"direction", "kind"}),
		malformed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "malformed_frames_total",
			Help:      "Frames discarded because they could not be decoded",
		}, []string{"source"}),
		synthetic: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "synthetic_responses_total",
			Help:      "Error responses generated by the gateway",
		}, []string{"kind"}),
		unknownResponses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unknown_responses_total",
			Help:      "Upstream responses with no pending request",
		}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_requests",
			Help:      "Requests forwarded upstream and awaiting a response",
		}),
		upstreamState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "upstream_state",
			Help:      "Upstream session state (0 disconnected, 1 connecting, 2 awaiting endpoint, 3 ready, 4 closing, 5 failed)",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_total",
			Help:      "Upstream reconnect attempts",
		}),
		postDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "post_duration_seconds",
			Help:      "Upstream POST latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),
	}
	m.reg.MustRegister(m.buildInfo, m.frames, m.malformed, m.synthetic, m.unknownResponses,
		m.pending, m.upstreamState, m.reconnects, m.postDuration)
	return m
}

// Registry exposes the registry for serving and tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// SetBuildInfo sets the build info metric.
func (m *Metrics) SetBuildInfo(version, sha, date string) {
	if m == nil {
		return
	}
	m.buildInfo.WithLabelValues(version, sha, date).Set(1)
}

// RecordFrame counts a bridged frame; direction is "client" or "upstream".
func (m *Metrics) RecordFrame(direction, kind string) {
	if m == nil {
		return
	}
	m.frames.WithLabelValues(direction, kind).Inc()
}

// RecordMalformed counts a discarded frame.
func (m *Metrics) RecordMalformed(source string) {
	if m == nil {
		return
	}
	m.malformed.WithLabelValues(source).Inc()
}

// RecordSynthetic counts a gateway-generated error response.
func (m *Metrics) RecordSynthetic(kind string) {
	if m == nil {
		return
	}
	m.synthetic.WithLabelValues(kind).Inc()
}

// RecordUnknownResponse counts an upstream response that matched nothing.
func (m *Metrics) RecordUnknownResponse() {
	if m == nil {
		return
	}
	m.unknownResponses.Inc()
}

// SetPending sets the pending request gauge.
func (m *Metrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.pending.Set(float64(n))
}

// SetUpstreamState records the numeric session state.
func (m *Metrics) SetUpstreamState(state int) {
	if m == nil {
		return
	}
	m.upstreamState.Set(float64(state))
}

// RecordReconnect counts a reconnect attempt.
func (m *Metrics) RecordReconnect() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

// ObservePost records the latency of one upstream POST.
func (m *Metrics) ObservePost(d time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.postDuration.WithLabelValues(outcome).Observe(d.Seconds())
}
