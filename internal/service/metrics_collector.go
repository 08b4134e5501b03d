package service

import (
	"sort"
	"sync"
	"time"

	"payment-orchestrator/internal/core/domain"
	"payment-orchestrator/internal/core/ports"
)

// defaultLatencyWindow bounds the per-gateway latency sample buffer used
// for percentile estimates.
const defaultLatencyWindow = 1000

type gatewayStats struct {
	totalRequests int64
	totalSuccess  int64
	totalFailure  int64
	latencies     []time.Duration // ring buffer
	latencyNext   int
	latencyFull   bool
	costSum       float64
	costCount     int64
	lastFailureAt time.Time
}

// TimedSnapshot is one historical metrics sample for trend queries.
type TimedSnapshot struct {
	At       time.Time
	Snapshot ports.MetricsSnapshot
}

// GatewayMetricsCollector implements ports.MetricsCollector with a
// fixed-size latency window per gateway and optional periodic snapshots.
type GatewayMetricsCollector struct {
	mu         sync.RWMutex
	stats      map[domain.GatewayType]*gatewayStats
	windowSize int

	history          map[domain.GatewayType][]TimedSnapshot
	historyRetention time.Duration

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewGatewayMetricsCollector creates a collector with the default window.
func NewGatewayMetricsCollector() *GatewayMetricsCollector {
	return &GatewayMetricsCollector{
		stats:            make(map[domain.GatewayType]*gatewayStats),
		windowSize:       defaultLatencyWindow,
		history:          make(map[domain.GatewayType][]TimedSnapshot),
		historyRetention: 24 * time.Hour,
		stop:             make(chan struct{}),
	}
}

// RecordSuccess records one successful gateway call.
func (c *GatewayMetricsCollector) RecordSuccess(gateway domain.GatewayType, latency time.Duration, cost float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.statsFor(gateway)
	s.totalRequests++
	s.totalSuccess++
	s.costSum += cost
	s.costCount++
	c.pushLatency(s, latency)
}

// RecordFailure records one failed gateway call.
func (c *GatewayMetricsCollector) RecordFailure(gateway domain.GatewayType, latency time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.statsFor(gateway)
	s.totalRequests++
	s.totalFailure++
	s.lastFailureAt = time.Now()
	c.pushLatency(s, latency)
}

// Snapshot returns the current rolling view of one gateway.
func (c *GatewayMetricsCollector) Snapshot(gateway domain.GatewayType) ports.MetricsSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.stats[gateway]
	if !ok {
		return ports.MetricsSnapshot{Gateway: gateway, SuccessRate: 1.0}
	}
	return c.snapshotLocked(gateway, s)
}

// Snapshots returns the current view of every known gateway.
func (c *GatewayMetricsCollector) Snapshots() map[domain.GatewayType]ports.MetricsSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[domain.GatewayType]ports.MetricsSnapshot, len(c.stats))
	for gw, s := range c.stats {
		out[gw] = c.snapshotLocked(gw, s)
	}
	return out
}

// Trend returns the historical snapshots of a gateway taken since the cutoff.
func (c *GatewayMetricsCollector) Trend(gateway domain.GatewayType, since time.Time) []TimedSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []TimedSnapshot
	for _, ts := range c.history[gateway] {
		if !ts.At.Before(since) {
			out = append(out, ts)
		}
	}
	return out
}

// StartSnapshots begins the periodic history tick. Stop terminates it.
func (c *GatewayMetricsCollector) StartSnapshots(interval time.Duration) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-c.stop:
				return
			case <-ticker.C:
				c.captureHistory()
			}
		}
	}()
}

// Stop terminates the snapshot ticker. Safe to call more than once.
func (c *GatewayMetricsCollector) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
	c.wg.Wait()
}

func (c *GatewayMetricsCollector) captureHistory() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	cutoff := now.Add(-c.historyRetention)
	for gw, s := range c.stats {
		hist := append(c.history[gw], TimedSnapshot{At: now, Snapshot: c.snapshotLocked(gw, s)})
		i := 0
		for i < len(hist) && hist[i].At.Before(cutoff) {
			i++
		}
		c.history[gw] = hist[i:]
	}
}

func (c *GatewayMetricsCollector) statsFor(gateway domain.GatewayType) *gatewayStats {
	s, ok := c.stats[gateway]
	if !ok {
		s = &gatewayStats{latencies: make([]time.Duration, c.windowSize)}
		c.stats[gateway] = s
	}
	return s
}

func (c *GatewayMetricsCollector) pushLatency(s *gatewayStats, latency time.Duration) {
	s.latencies[s.latencyNext] = latency
	s.latencyNext++
	if s.latencyNext == len(s.latencies) {
		s.latencyNext = 0
		s.latencyFull = true
	}
}

func (c *GatewayMetricsCollector) snapshotLocked(gateway domain.GatewayType, s *gatewayStats) ports.MetricsSnapshot {
	snap := ports.MetricsSnapshot{
		Gateway:       gateway,
		TotalRequests: s.totalRequests,
		TotalSuccess:  s.totalSuccess,
		TotalFailure:  s.totalFailure,
		SuccessRate:   1.0,
		LastFailureAt: s.lastFailureAt,
	}
	if s.totalRequests > 0 {
		snap.SuccessRate = float64(s.totalSuccess) / float64(s.totalRequests)
	}
	if s.costCount > 0 {
		snap.AvgCost = s.costSum / float64(s.costCount)
	}

	n := s.latencyNext
	if s.latencyFull {
		n = len(s.latencies)
	}
	if n == 0 {
		return snap
	}

	window := make([]time.Duration, n)
	copy(window, s.latencies[:n])
	sort.Slice(window, func(i, j int) bool { return window[i] < window[j] })

	var sum time.Duration
	for _, l := range window {
		sum += l
	}
	snap.AvgLatency = sum / time.Duration(n)
	snap.P95Latency = window[percentileIndex(n, 0.95)]
	snap.P99Latency = window[percentileIndex(n, 0.99)]
	return snap
}

func percentileIndex(n int, p float64) int {
	idx := int(float64(n)*p) - 1
	if idx < 0 {
		return 0
	}
	if idx >= n {
		return n - 1
	}
	return idx
}
