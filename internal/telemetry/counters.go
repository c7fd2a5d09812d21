package telemetry

import (
	"sort"
	"sync"
	"sync/atomic"
)

// Metric keys recorded by the glow pipeline and the hub.
const (
	MetricReconcilePass     = "reconcile_pass"
	MetricReconcilePatched  = "reconcile_patched"
	MetricReconcileResend   = "reconcile_resend"
	MetricExplicitSends     = "explicit_sends"
	MetricExplicitSendFails = "explicit_send_failures"
	MetricSweepExpired      = "sweep_expired"
	MetricSweepRefreshed    = "sweep_refreshed"
	MetricGlowingViewers    = "glowing_viewers"
	MetricBroadcastBytes    = "broadcast_bytes"
	MetricBroadcastUpdates  = "broadcast_updates"
	MetricConnectedViewers  = "connected_viewers"
)

// Counters is a concurrency-safe Metrics implementation backed by atomics.
type Counters struct {
	mu     sync.RWMutex
	values map[string]*atomic.Uint64
}

func NewCounters() *Counters {
	return &Counters{values: make(map[string]*atomic.Uint64)}
}

func (c *Counters) counter(key string) *atomic.Uint64 {
	c.mu.RLock()
	value, ok := c.values[key]
	c.mu.RUnlock()
	if ok {
		return value
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if value, ok = c.values[key]; ok {
		return value
	}
	value = &atomic.Uint64{}
	c.values[key] = value
	return value
}

func (c *Counters) Add(key string, delta uint64) {
	if c == nil || key == "" {
		return
	}
	c.counter(key).Add(delta)
}

func (c *Counters) Store(key string, value uint64) {
	if c == nil || key == "" {
		return
	}
	c.counter(key).Store(value)
}

// Load returns the current value for key, zero when it was never recorded.
func (c *Counters) Load(key string) uint64 {
	if c == nil {
		return 0
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if value, ok := c.values[key]; ok {
		return value.Load()
	}
	return 0
}

// Snapshot copies every counter.
func (c *Counters) Snapshot() map[string]uint64 {
	if c == nil {
		return map[string]uint64{}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	snapshot := make(map[string]uint64, len(c.values))
	for key, value := range c.values {
		snapshot[key] = value.Load()
	}
	return snapshot
}

// Keys lists recorded metric names in sorted order.
func (c *Counters) Keys() []string {
	snapshot := c.Snapshot()
	keys := make([]string, 0, len(snapshot))
	for key := range snapshot {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
