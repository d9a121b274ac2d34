package sgdd

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/ehrlich-b/sgdd/internal/interfaces"
)

// LatencyBuckets defines the latency histogram buckets in nanoseconds,
// covering 1us to 10s with logarithmic spacing.
var LatencyBuckets = []uint64{
	1_000,
	10_000,
	100_000,
	1_000_000,
	10_000_000,
	100_000_000,
	1_000_000_000,
	10_000_000_000,
}

const numLatencyBuckets = 8

// Metrics tracks performance and operational statistics for a copy run.
type Metrics struct {
	ReadOps  atomic.Uint64
	WriteOps atomic.Uint64

	ReadBytes  atomic.Uint64
	WriteBytes atomic.Uint64

	ReadErrors  atomic.Uint64
	WriteErrors atomic.Uint64

	// RetryCounts is keyed by retry kind (e.g. "recovered_error",
	// "ebusy", "eintr"); protected by retryMu since it's a plain map.
	retryMu     sync.Mutex
	RetryCounts map[string]uint64

	Miscompares atomic.Uint64

	StallTotalNs atomic.Uint64
	StallCount   atomic.Uint64

	TotalLatencyNs atomic.Uint64
	OpCount        atomic.Uint64

	LatencyBuckets [numLatencyBuckets]atomic.Uint64

	StartTime atomic.Int64
	StopTime  atomic.Int64
}

// NewMetrics creates a new metrics instance with its clock started.
func NewMetrics() *Metrics {
	m := &Metrics{RetryCounts: make(map[string]uint64)}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordRead records a read (or verify-read) of the given outcome.
func (m *Metrics) RecordRead(blocks uint32, bytes uint64, latencyNs uint64, outcome string) {
	m.ReadOps.Add(1)
	if outcome == "ok" {
		m.ReadBytes.Add(bytes)
	} else {
		m.ReadErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

// RecordWrite records a write of the given outcome.
func (m *Metrics) RecordWrite(blocks uint32, bytes uint64, latencyNs uint64, outcome string) {
	m.WriteOps.Add(1)
	if outcome == "ok" {
		m.WriteBytes.Add(bytes)
	} else {
		m.WriteErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

// RecordRetry tallies a retry by kind (device-status class, errno class).
func (m *Metrics) RecordRetry(kind string) {
	m.retryMu.Lock()
	m.RetryCounts[kind]++
	m.retryMu.Unlock()
}

// RecordMiscompare tallies a verify-compare mismatch.
func (m *Metrics) RecordMiscompare() {
	m.Miscompares.Add(1)
}

// RecordStall tallies a queue-depth stall (worker idle waiting on I/O).
func (m *Metrics) RecordStall(durationNs uint64) {
	m.StallTotalNs.Add(durationNs)
	m.StallCount.Add(1)
}

func (m *Metrics) recordLatency(latencyNs uint64) {
	m.TotalLatencyNs.Add(latencyNs)
	m.OpCount.Add(1)
	for i, bucket := range LatencyBuckets {
		if latencyNs <= bucket {
			m.LatencyBuckets[i].Add(1)
		}
	}
}

// Stop marks the run as finished.
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// MetricsSnapshot is a point-in-time read of Metrics with derived rates.
type MetricsSnapshot struct {
	ReadOps  uint64
	WriteOps uint64

	ReadBytes  uint64
	WriteBytes uint64

	ReadErrors  uint64
	WriteErrors uint64

	RetryCounts map[string]uint64
	Miscompares uint64

	AvgStallNs uint64
	StallCount uint64

	AvgLatencyNs uint64
	UptimeNs     uint64

	LatencyP50Ns  uint64
	LatencyP99Ns  uint64
	LatencyP999Ns uint64

	LatencyHistogram [numLatencyBuckets]uint64

	ReadIOPS       float64
	WriteIOPS      float64
	ReadBandwidth  float64
	WriteBandwidth float64
	TotalOps       uint64
	TotalBytes     uint64
	ErrorRate      float64
}

// Snapshot creates a point-in-time snapshot of metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		ReadOps:     m.ReadOps.Load(),
		WriteOps:    m.WriteOps.Load(),
		ReadBytes:   m.ReadBytes.Load(),
		WriteBytes:  m.WriteBytes.Load(),
		ReadErrors:  m.ReadErrors.Load(),
		WriteErrors: m.WriteErrors.Load(),
		Miscompares: m.Miscompares.Load(),
		StallCount:  m.StallCount.Load(),
	}

	m.retryMu.Lock()
	snap.RetryCounts = make(map[string]uint64, len(m.RetryCounts))
	for k, v := range m.RetryCounts {
		snap.RetryCounts[k] = v
	}
	m.retryMu.Unlock()

	snap.TotalOps = snap.ReadOps + snap.WriteOps
	snap.TotalBytes = snap.ReadBytes + snap.WriteBytes

	stallTotal := m.StallTotalNs.Load()
	if snap.StallCount > 0 {
		snap.AvgStallNs = stallTotal / snap.StallCount
	}

	totalLatencyNs := m.TotalLatencyNs.Load()
	opCount := m.OpCount.Load()
	if opCount > 0 {
		snap.AvgLatencyNs = totalLatencyNs / opCount
	}

	startTime := m.StartTime.Load()
	stopTime := m.StopTime.Load()
	if stopTime > 0 {
		snap.UptimeNs = uint64(stopTime - startTime)
	} else {
		snap.UptimeNs = uint64(time.Now().UnixNano() - startTime)
	}

	if snap.UptimeNs > 0 {
		uptimeSeconds := float64(snap.UptimeNs) / 1e9
		snap.ReadIOPS = float64(snap.ReadOps) / uptimeSeconds
		snap.WriteIOPS = float64(snap.WriteOps) / uptimeSeconds
		snap.ReadBandwidth = float64(snap.ReadBytes) / uptimeSeconds
		snap.WriteBandwidth = float64(snap.WriteBytes) / uptimeSeconds
	}

	totalErrors := snap.ReadErrors + snap.WriteErrors
	if snap.TotalOps > 0 {
		snap.ErrorRate = float64(totalErrors) / float64(snap.TotalOps) * 100.0
	}

	for i := 0; i < numLatencyBuckets; i++ {
		snap.LatencyHistogram[i] = m.LatencyBuckets[i].Load()
	}

	if opCount > 0 {
		snap.LatencyP50Ns = m.calculatePercentile(0.50)
		snap.LatencyP99Ns = m.calculatePercentile(0.99)
		snap.LatencyP999Ns = m.calculatePercentile(0.999)
	}

	return snap
}

// calculatePercentile estimates the latency at the given percentile
// (0.0-1.0) using linear interpolation between histogram buckets.
func (m *Metrics) calculatePercentile(percentile float64) uint64 {
	totalOps := m.OpCount.Load()
	if totalOps == 0 {
		return 0
	}

	targetCount := uint64(float64(totalOps) * percentile)

	prevBucket := uint64(0)
	for i, bucket := range LatencyBuckets {
		bucketCount := m.LatencyBuckets[i].Load()
		if bucketCount >= targetCount {
			prevCount := uint64(0)
			if i > 0 {
				prevCount = m.LatencyBuckets[i-1].Load()
			}
			if bucketCount == prevCount {
				return bucket
			}
			fraction := float64(targetCount-prevCount) / float64(bucketCount-prevCount)
			return prevBucket + uint64(fraction*float64(bucket-prevBucket))
		}
		prevBucket = bucket
	}

	return LatencyBuckets[numLatencyBuckets-1]
}

// NoOpObserver is a no-op implementation of interfaces.Observer.
type NoOpObserver struct{}

func (NoOpObserver) ObserveRead(uint32, uint64, uint64, string)  {}
func (NoOpObserver) ObserveWrite(uint32, uint64, uint64, string) {}
func (NoOpObserver) ObserveRetry(string)                        {}
func (NoOpObserver) ObserveMiscompare()                          {}
func (NoOpObserver) ObserveStall(uint64)                         {}

// MetricsObserver implements interfaces.Observer by recording into Metrics.
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver creates an observer that records to the given metrics.
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveRead(blocks uint32, bytes uint64, latencyNs uint64, outcome string) {
	o.metrics.RecordRead(blocks, bytes, latencyNs, outcome)
}

func (o *MetricsObserver) ObserveWrite(blocks uint32, bytes uint64, latencyNs uint64, outcome string) {
	o.metrics.RecordWrite(blocks, bytes, latencyNs, outcome)
}

func (o *MetricsObserver) ObserveRetry(kind string) {
	o.metrics.RecordRetry(kind)
}

func (o *MetricsObserver) ObserveMiscompare() {
	o.metrics.RecordMiscompare()
}

func (o *MetricsObserver) ObserveStall(durationNs uint64) {
	o.metrics.RecordStall(durationNs)
}

var _ interfaces.Observer = (*MetricsObserver)(nil)
var _ interfaces.Observer = (*NoOpObserver)(nil)
