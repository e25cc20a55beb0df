package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "callbridge"
	subsystem = "call"
)

var qualities = []Quality{QualityExcellent, QualityGood, QualityFair, QualityPoor, QualityUnknown}

// Recorder exports call metrics snapshots and event counts to Prometheus
type Recorder struct {
	latency  *prometheus.GaugeVec
	loss     *prometheus.GaugeVec
	bitrate  *prometheus.GaugeVec
	fps      *prometheus.GaugeVec
	quality  *prometheus.GaugeVec
	events   *prometheus.CounterVec
	sessions *prometheus.GaugeVec
	joins    *prometheus.CounterVec
}

// NewRecorder registers the call metrics on reg
func NewRecorder(reg prometheus.Registerer) *Recorder {
	factory := promauto.With(reg)
	return &Recorder{
		latency: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "latency_milliseconds",
			Help:      "Last sampled round-trip latency",
		}, []string{"provider"}),
		loss: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "packet_loss_percent",
			Help:      "Last sampled inbound packet loss",
		}, []string{"provider"}),
		bitrate: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "bitrate_kbps",
			Help:      "Last sampled transport bitrate",
		}, []string{"provider"}),
		fps: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "video_fps",
			Help:      "Last sampled local video frame rate",
		}, []string{"provider"}),
		quality: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "quality",
			Help:      "1 for the current quality class of the provider, 0 otherwise",
		}, []string{"provider", "quality"}),
		events: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "events_total",
			Help:      "Canonical events emitted by providers",
		}, []string{"provider", "event"}),
		sessions: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "active_sessions",
			Help:      "Sessions currently joined",
		}, []string{"provider"}),
		joins: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "join_failures_total",
			Help:      "Join attempts that failed, by error kind",
		}, []string{"provider", "kind"}),
	}
}

// Observe exports one snapshot for a provider kind
func (r *Recorder) Observe(provider string, m CallMetrics) {
	if m.LatencyMs != nil {
		r.latency.WithLabelValues(provider).Set(*m.LatencyMs)
	} else {
		r.latency.DeleteLabelValues(provider)
	}
	if m.PacketLossPct != nil {
		r.loss.WithLabelValues(provider).Set(*m.PacketLossPct)
	} else {
		r.loss.DeleteLabelValues(provider)
	}
	r.bitrate.WithLabelValues(provider).Set(m.BitrateKbps)
	r.fps.WithLabelValues(provider).Set(m.FPS)
	for _, q := range qualities {
		v := 0.0
		if q == m.Quality {
			v = 1
		}
		r.quality.WithLabelValues(provider, string(q)).Set(v)
	}
}

// CountEvent increments the event counter
func (r *Recorder) CountEvent(provider, event string) {
	r.events.WithLabelValues(provider, event).Inc()
}

// CountJoinFailure increments the failed join counter
func (r *Recorder) CountJoinFailure(provider, kind string) {
	r.joins.WithLabelValues(provider, kind).Inc()
}

// SessionStarted tracks a joined session
func (r *Recorder) SessionStarted(provider string) {
	r.sessions.WithLabelValues(provider).Inc()
}

// SessionEnded tracks a left session
func (r *Recorder) SessionEnded(provider string) {
	r.sessions.WithLabelValues(provider).Dec()
}
