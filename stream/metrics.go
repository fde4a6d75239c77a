package stream

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes the stream session counters. A nil Registerer falls back
// to the default prometheus registry.
type Metrics struct {
	FramesTotal     prometheus.Counter
	FramesDropped   prometheus.Counter
	ReconnectsTotal prometheus.Counter
	FramesPerSecond prometheus.Gauge
}

// NewMetrics registers the stream metrics against reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		FramesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "camlink",
			Subsystem: "stream",
			Name:      "frames_total",
			Help:      "Frames decoded from the multipart stream.",
		}),
		FramesDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "camlink",
			Subsystem: "stream",
			Name:      "frames_dropped_total",
			Help:      "Payloads consumed without producing a frame.",
		}),
		ReconnectsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "camlink",
			Subsystem: "stream",
			Name:      "reconnects_total",
			Help:      "Reconnect attempts started.",
		}),
		FramesPerSecond: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "camlink",
			Subsystem: "stream",
			Name:      "fps",
			Help:      "Frame rate over the rolling measurement window.",
		}),
	}
}
