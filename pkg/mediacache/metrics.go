package mediacache

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the media cache's prometheus collectors. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	Downloads       *prometheus.CounterVec
	DownloadedBytes prometheus.Counter
	Lookups         *prometheus.CounterVec
	ActiveHandles   prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg when it's
// not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Downloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Subsystem: "media",
			Name:      "downloads_total",
			Help:      "Attachment downloads by result.",
		}, []string{"result"}),
		DownloadedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatsync",
			Subsystem: "media",
			Name:      "downloaded_bytes_total",
			Help:      "Bytes received by completed attachment downloads.",
		}),
		Lookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Subsystem: "media",
			Name:      "cache_lookups_total",
			Help:      "Media cache lookups by result (hit or miss).",
		}, []string{"result"}),
		ActiveHandles: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chatsync",
			Subsystem: "media",
			Name:      "active_handles",
			Help:      "Playable handles currently held.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Downloads, m.DownloadedBytes, m.Lookups, m.ActiveHandles)
	}
	return m
}

func (m *Metrics) download(result string, bytes int) {
	if m == nil {
		return
	}
	m.Downloads.WithLabelValues(result).Inc()
	if bytes > 0 {
		m.DownloadedBytes.Add(float64(bytes))
	}
}

func (m *Metrics) lookup(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.Lookups.WithLabelValues("hit").Inc()
	} else {
		m.Lookups.WithLabelValues("miss").Inc()
	}
}

func (m *Metrics) handles(n int) {
	if m != nil {
		m.ActiveHandles.Set(float64(n))
	}
}
