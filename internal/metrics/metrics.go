package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	pebblestore "github.com/whyjp/durastash/internal/storage/pebble"
)

// StorageMetrics exports storage latencies and volumes to Prometheus. It
// plugs into the storage layer through the MetricsHook seam.
type StorageMetrics struct {
	writeLatency  prometheus.Histogram
	readLatency   prometheus.Histogram
	commitLatency prometheus.Histogram
	writeBytes    prometheus.Counter
	readBytes     prometheus.Counter
	commitBytes   prometheus.Counter
}

var _ pebblestore.MetricsHook = (*StorageMetrics)(nil)

// NewStorageMetrics builds the collectors and registers them on reg.
func NewStorageMetrics(reg prometheus.Registerer) *StorageMetrics {
	m := &StorageMetrics{
		writeLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "durastash", Subsystem: "storage",
			Name: "write_duration_seconds", Help: "Latency of durable point writes.",
		}),
		readLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "durastash", Subsystem: "storage",
			Name: "read_duration_seconds", Help: "Latency of point reads.",
		}),
		commitLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "durastash", Subsystem: "storage",
			Name: "batch_commit_duration_seconds", Help: "Latency of atomic batch commits.",
		}),
		writeBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "durastash", Subsystem: "storage",
			Name: "write_bytes_total", Help: "Bytes written by point writes.",
		}),
		readBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "durastash", Subsystem: "storage",
			Name: "read_bytes_total", Help: "Bytes returned by point reads.",
		}),
		commitBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "durastash", Subsystem: "storage",
			Name: "batch_commit_bytes_total", Help: "Bytes committed by atomic batches.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.writeLatency, m.readLatency, m.commitLatency,
			m.writeBytes, m.readBytes, m.commitBytes,
		)
	}
	return m
}

// ObserveWrite records one durable point write.
func (m *StorageMetrics) ObserveWrite(elapsed time.Duration, bytes int) {
	m.writeLatency.Observe(elapsed.Seconds())
	m.writeBytes.Add(float64(bytes))
}

// ObserveRead records one point read.
func (m *StorageMetrics) ObserveRead(elapsed time.Duration, bytes int) {
	m.readLatency.Observe(elapsed.Seconds())
	m.readBytes.Add(float64(bytes))
}

// ObserveBatchCommit records one atomic batch commit.
func (m *StorageMetrics) ObserveBatchCommit(elapsed time.Duration, bytes int) {
	m.commitLatency.Observe(elapsed.Seconds())
	m.commitBytes.Add(float64(bytes))
}
