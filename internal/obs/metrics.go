package obs

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Track identifies one measured pipeline leg.
type Track uint8

const (
	// TrackOrderPath measures a robot decision reaching its gateway.
	TrackOrderPath Track = iota
	// TrackDepthPath measures a gateway depth update reaching the robots.
	TrackDepthPath

	trackCount
)

func (t Track) String() string {
	switch t {
	case TrackOrderPath:
		return "order_path"
	case TrackDepthPath:
		return "depth_path"
	default:
		return "unknown"
	}
}

// Metrics collects lightweight counters and latency samples for the
// platform's message pipelines.
type Metrics struct {
	queueDrops  uint64
	queueClosed uint64

	stats [trackCount]LatencyStats

	mu      sync.Mutex
	samples [trackCount][]time.Duration
}

// NewMetrics allocates a metrics container.
func NewMetrics() *Metrics {
	return &Metrics{}
}

// Observe records a duration sample on the given track.
func (m *Metrics) Observe(track Track, d time.Duration) {
	if m == nil || track >= trackCount || d < 0 {
		return
	}
	m.stats[track].Observe(d)
	m.mu.Lock()
	m.samples[track] = append(m.samples[track], d)
	m.mu.Unlock()
}

// IncQueueDrop records a queue drop.
func (m *Metrics) IncQueueDrop() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.queueDrops, 1)
}

// IncQueueClosed records a closed-queue publish attempt.
func (m *Metrics) IncQueueClosed() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.queueClosed, 1)
}

// QueueDrops reports the number of dropped publishes.
func (m *Metrics) QueueDrops() uint64 {
	if m == nil {
		return 0
	}
	return atomic.LoadUint64(&m.queueDrops)
}

// Live returns the cheap atomic view of a track without touching samples.
func (m *Metrics) Live(track Track) LatencySnapshot {
	if m == nil || track >= trackCount {
		return LatencySnapshot{}
	}
	return m.stats[track].Snapshot()
}

// Report computes the full sample distribution for a track. The sample set
// is copied under the lock and sorted outside it.
func (m *Metrics) Report(track Track) Distribution {
	if m == nil || track >= trackCount {
		return Distribution{}
	}
	m.mu.Lock()
	samples := make([]time.Duration, len(m.samples[track]))
	copy(samples, m.samples[track])
	m.mu.Unlock()

	return newDistribution(samples)
}

// Distribution summarizes a sorted set of duration samples.
type Distribution struct {
	Count  int
	Min    time.Duration
	Max    time.Duration
	Mean   time.Duration
	Median time.Duration
	P25    time.Duration
	P75    time.Duration
	P95    time.Duration
	P99    time.Duration
}

func newDistribution(samples []time.Duration) Distribution {
	if len(samples) == 0 {
		return Distribution{}
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })

	var sum time.Duration
	for _, d := range samples {
		sum += d
	}
	n := len(samples)
	median := samples[n/2]
	if n%2 == 0 {
		median = (samples[n/2-1] + samples[n/2]) / 2
	}
	return Distribution{
		Count:  n,
		Min:    samples[0],
		Max:    samples[n-1],
		Mean:   sum / time.Duration(n),
		Median: median,
		P25:    samples[n/4],
		P75:    samples[3*n/4],
		P95:    samples[95*n/100],
		P99:    samples[99*n/100],
	}
}

func (d Distribution) String() string {
	if d.Count == 0 {
		return "no samples"
	}
	return fmt.Sprintf(
		"count=%d min=%v p25=%v median=%v mean=%v p75=%v p95=%v p99=%v max=%v",
		d.Count, d.Min, d.P25, d.Median, d.Mean, d.P75, d.P95, d.P99, d.Max,
	)
}

// LatencyStats aggregates duration samples in nanoseconds.
type LatencyStats struct {
	count uint64
	sum   uint64
	min   uint64
	max   uint64
}

// LatencySnapshot is a point-in-time view of latency stats.
type LatencySnapshot struct {
	Count uint64
	Min   time.Duration
	Max   time.Duration
	Avg   time.Duration
}

// Observe records a duration sample.
func (l *LatencyStats) Observe(d time.Duration) {
	if d < 0 {
		return
	}
	nanos := uint64(d)
	atomic.AddUint64(&l.count, 1)
	atomic.AddUint64(&l.sum, nanos)

	for {
		min := atomic.LoadUint64(&l.min)
		if min != 0 && nanos >= min {
			break
		}
		if atomic.CompareAndSwapUint64(&l.min, min, nanos) {
			break
		}
	}

	for {
		max := atomic.LoadUint64(&l.max)
		if nanos <= max {
			break
		}
		if atomic.CompareAndSwapUint64(&l.max, max, nanos) {
			break
		}
	}
}

// Snapshot returns the aggregated latency stats.
func (l *LatencyStats) Snapshot() LatencySnapshot {
	count := atomic.LoadUint64(&l.count)
	if count == 0 {
		return LatencySnapshot{}
	}
	sum := atomic.LoadUint64(&l.sum)
	min := atomic.LoadUint64(&l.min)
	max := atomic.LoadUint64(&l.max)
	return LatencySnapshot{
		Count: count,
		Min:   time.Duration(min),
		Max:   time.Duration(max),
		Avg:   time.Duration(sum / count),
	}
}
