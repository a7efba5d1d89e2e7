package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"whip-publisher/internal/stats"
)

// Collector exports publisher session and outbound stats metrics.
type Collector struct {
	registry *prometheus.Registry

	sessionState   *prometheus.GaugeVec
	sessionsTotal  *prometheus.CounterVec
	bytesSent      *prometheus.GaugeVec
	packetsSent    *prometheus.GaugeVec
	healthWarnings *prometheus.CounterVec
}

// NewCollector registers its metrics on a fresh registry, so several
// collectors can coexist (one per test, for instance).
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Collector{
		registry: reg,
		sessionState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "whip_session_state",
			Help: "1 for the publisher's current session state, 0 otherwise",
		}, []string{"state"}),
		sessionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "whip_sessions_total",
			Help: "Publishing sessions by outcome",
		}, []string{"outcome"}),
		bytesSent: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "whip_outbound_bytes_sent",
			Help: "Bytes sent in the current session by media kind",
		}, []string{"kind"}),
		packetsSent: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "whip_outbound_packets_sent",
			Help: "Packets sent in the current session by media kind",
		}, []string{"kind"}),
		healthWarnings: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "whip_health_warnings_total",
			Help: "Stats polls that raised a health warning",
		}, []string{"warning"}),
	}
}

// Observe implements stats.Recorder.
func (c *Collector) Observe(r stats.Report) {
	c.bytesSent.WithLabelValues("video").Set(float64(r.Video.BytesSent))
	c.bytesSent.WithLabelValues("audio").Set(float64(r.Audio.BytesSent))
	c.packetsSent.WithLabelValues("video").Set(float64(r.Video.PacketsSent))
	c.packetsSent.WithLabelValues("audio").Set(float64(r.Audio.PacketsSent))
	for _, w := range r.Warnings {
		c.healthWarnings.WithLabelValues(w).Inc()
	}
}

// SetState marks state as the only active one among states.
func (c *Collector) SetState(state string, states []string) {
	for _, s := range states {
		v := 0.0
		if s == state {
			v = 1
		}
		c.sessionState.WithLabelValues(s).Set(v)
	}
}

// SessionEnded counts a finished session; outcome is e.g. "stopped" or "failed".
func (c *Collector) SessionEnded(outcome string) {
	c.sessionsTotal.WithLabelValues(outcome).Inc()
	c.bytesSent.Reset()
	c.packetsSent.Reset()
}

func (c *Collector) Registry() *prometheus.Registry { return c.registry }

func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
