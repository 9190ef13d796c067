package reconstruction

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"tiltrecon/pkg/partition"
)

// Metrics records dispatcher activity. A nil *Metrics records nothing.
type Metrics struct {
	chunks   *prometheus.CounterVec
	duration *prometheus.HistogramVec
	rows     prometheus.Counter
}

// NewMetrics creates the dispatcher metrics and registers them with reg.
// A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		chunks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "tiltrecon",
				Subsystem: "dispatch",
				Name:      "chunks_total",
				Help:      "Number of chunks processed by device and result",
			},
			[]string{"device", "result"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "tiltrecon",
				Subsystem: "dispatch",
				Name:      "chunk_duration_seconds",
				Help:      "Kernel time per chunk in seconds",
				Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10), // 1ms to ~4min
			},
			[]string{"device"},
		),
		rows: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "tiltrecon",
				Subsystem: "dispatch",
				Name:      "rows_total",
				Help:      "Number of reconstruction rows written",
			},
		),
	}
	if reg != nil {
		reg.MustRegister(m.chunks, m.duration, m.rows)
	}
	return m
}

func deviceLabel(d partition.Device) string {
	if d.Kind == partition.Host {
		return partition.Host.String()
	}
	return d.String()
}

func (m *Metrics) observe(d partition.Device, rows int, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	label := deviceLabel(d)
	m.duration.WithLabelValues(label).Observe(elapsed.Seconds())
	if err != nil {
		m.chunks.WithLabelValues(label, "error").Inc()
		return
	}
	m.chunks.WithLabelValues(label, "ok").Inc()
	m.rows.Add(float64(rows))
}

func (m *Metrics) skipped(d partition.Device) {
	if m == nil {
		return
	}
	m.chunks.WithLabelValues(deviceLabel(d), "skipped").Inc()
}
