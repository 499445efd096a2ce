package observability

import (
	"sort"
	"sync"
	"time"
)

// summaryWindow bounds per-key memory; the percentile reflects the most
// recent observations once the window wraps.
const summaryWindow = 1024

// LatencySummary keeps an in-process latency summary per key, serving the
// metrics endpoint directly without a collector round trip.
type LatencySummary struct {
	mu     sync.Mutex
	series map[string]*latencySeries
}

type latencySeries struct {
	count   uint64
	totalNS int64
	maxNS   int64
	recent  []int64 // ring buffer of recent durations
	next    int
}

// LatencyStats is one key's snapshot.
type LatencyStats struct {
	Count uint64  `json:"count"`
	AvgMS float64 `json:"avg_ms"`
	P95MS float64 `json:"p95_ms"`
	MaxMS float64 `json:"max_ms"`
}

// NewLatencySummary creates an empty summary.
func NewLatencySummary() *LatencySummary {
	return &LatencySummary{series: make(map[string]*latencySeries)}
}

// Observe records one duration under the given key.
func (s *LatencySummary) Observe(key string, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ser, ok := s.series[key]
	if !ok {
		ser = &latencySeries{recent: make([]int64, 0, summaryWindow)}
		s.series[key] = ser
	}
	ns := d.Nanoseconds()
	ser.count++
	ser.totalNS += ns
	if ns > ser.maxNS {
		ser.maxNS = ns
	}
	if len(ser.recent) < summaryWindow {
		ser.recent = append(ser.recent, ns)
	} else {
		ser.recent[ser.next] = ns
		ser.next = (ser.next + 1) % summaryWindow
	}
}

// Snapshot returns current stats per key.
func (s *LatencySummary) Snapshot() map[string]LatencyStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]LatencyStats, len(s.series))
	for key, ser := range s.series {
		stats := LatencyStats{
			Count: ser.count,
			MaxMS: float64(ser.maxNS) / 1e6,
		}
		if ser.count > 0 {
			stats.AvgMS = float64(ser.totalNS) / float64(ser.count) / 1e6
		}
		if len(ser.recent) > 0 {
			sorted := append([]int64(nil), ser.recent...)
			sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
			idx := (len(sorted)*95 + 99) / 100
			if idx > 0 {
				idx--
			}
			stats.P95MS = float64(sorted[idx]) / 1e6
		}
		out[key] = stats
	}
	return out
}
