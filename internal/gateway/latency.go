package gateway

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"squeezebotv1/internal/metrics"
	"squeezebotv1/internal/model"
)

// LatencyTracker records venue round-trip samples in a circular buffer and
// computes percentiles. Thread-safe.
type LatencyTracker struct {
	mu      sync.Mutex
	samples []float64 // latency values in ms
	pos     int
	count   int
	cap     int
}

// NewLatencyTracker creates a tracker holding the last capacity samples.
func NewLatencyTracker(capacity int) *LatencyTracker {
	if capacity <= 0 {
		capacity = 1000
	}
	return &LatencyTracker{
		samples: make([]float64, capacity),
		cap:     capacity,
	}
}

// Record adds a latency sample in milliseconds.
func (lt *LatencyTracker) Record(latencyMs float64) {
	lt.mu.Lock()
	lt.samples[lt.pos] = latencyMs
	lt.pos = (lt.pos + 1) % lt.cap
	if lt.count < lt.cap {
		lt.count++
	}
	lt.mu.Unlock()
}

// Percentiles returns p50, p95, p99 latency in milliseconds, zeros when no
// samples have been recorded yet.
func (lt *LatencyTracker) Percentiles() (p50, p95, p99 float64) {
	lt.mu.Lock()
	n := lt.count
	if n == 0 {
		lt.mu.Unlock()
		return 0, 0, 0
	}
	sorted := make([]float64, n)
	if n == lt.cap {
		copy(sorted, lt.samples[lt.pos:])
		copy(sorted[lt.cap-lt.pos:], lt.samples[:lt.pos])
	} else {
		copy(sorted, lt.samples[:n])
	}
	lt.mu.Unlock()

	sort.Float64s(sorted)
	return percentile(sorted, 0.50), percentile(sorted, 0.95), percentile(sorted, 0.99)
}

func percentile(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n == 1 {
		return sorted[0]
	}
	rank := p * float64(n-1)
	lower := int(math.Floor(rank))
	upper := lower + 1
	if upper >= n {
		return sorted[n-1]
	}
	frac := rank - float64(lower)
	return sorted[lower]*(1-frac) + sorted[upper]*frac
}

// LatencyMonitor pings the venue on a fixed cadence, records samples, and
// pushes LATENCY_UPDATE events to clients.
type LatencyMonitor struct {
	market   model.MarketData
	hub      *Hub
	tracker  *LatencyTracker
	metrics  *metrics.Metrics
	interval time.Duration
}

// NewLatencyMonitor creates a monitor on a 10s cadence. m may be nil.
func NewLatencyMonitor(market model.MarketData, hub *Hub, m *metrics.Metrics) *LatencyMonitor {
	return &LatencyMonitor{
		market:   market,
		hub:      hub,
		tracker:  NewLatencyTracker(1000),
		metrics:  m,
		interval: 10 * time.Second,
	}
}

// Tracker exposes recorded samples, e.g. for the performance endpoint.
func (lm *LatencyMonitor) Tracker() *LatencyTracker {
	return lm.tracker
}

// Run probes immediately and then on the cadence until ctx ends.
func (lm *LatencyMonitor) Run(ctx context.Context) {
	lm.probe(ctx)
	ticker := time.NewTicker(lm.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			lm.probe(ctx)
		}
	}
}

func (lm *LatencyMonitor) probe(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	rtt, err := lm.market.Ping(probeCtx)
	if err != nil {
		lm.hub.Broadcast(model.Event{
			Type:    model.EventLatencyUpdate,
			Payload: map[string]interface{}{"latency_ms": nil},
		})
		return
	}

	ms := float64(rtt.Microseconds()) / 1000.0
	lm.tracker.Record(ms)
	if lm.metrics != nil {
		lm.metrics.VenueLatency.Set(rtt.Seconds())
	}
	lm.hub.Broadcast(model.Event{
		Type:    model.EventLatencyUpdate,
		Payload: map[string]interface{}{"latency_ms": ms},
	})
}
