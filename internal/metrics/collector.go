// Package metrics holds the lock-free runtime counters of the data plane.
package metrics

import (
	"math"
	"sync/atomic"
	"time"

	"NetSimCore/internal/core/model"
)

// Collector aggregates packet counters using atomics only. All methods are
// safe for concurrent use.
type Collector struct {
	packetsProcessed atomic.Uint64
	packetsDropped   atomic.Uint64
	packetsForwarded atomic.Uint64
	packetsRouted    atomic.Uint64
	packetsLocal     atomic.Uint64
	bytesProcessed   atomic.Uint64
	routingControl   atomic.Uint64
	errors           atomic.Uint64
	drops            [model.NumDropReasons]atomic.Uint64

	latencySum   atomic.Uint64
	latencyCount atomic.Uint64
	latencyMax   atomic.Uint64
	latencyMin   atomic.Uint64 // math.MaxUint64 until the first sample

	startNanos atomic.Int64
	now        func() time.Time
}

// NewCollector returns a zeroed collector whose uptime starts now.
func NewCollector() *Collector {
	c := &Collector{now: time.Now}
	c.latencyMin.Store(math.MaxUint64)
	c.startNanos.Store(c.now().UnixNano())
	return c
}

// RecordPacketProcessed counts one ingested frame of the given size.
func (c *Collector) RecordPacketProcessed(bytes uint64) {
	c.packetsProcessed.Add(1)
	c.bytesProcessed.Add(bytes)
}

// RecordPacketDropped counts a drop without a specific reason.
func (c *Collector) RecordPacketDropped() {
	c.packetsDropped.Add(1)
}

// RecordDrop counts a drop and attributes it to reason.
func (c *Collector) RecordDrop(reason model.DropReason) {
	c.packetsDropped.Add(1)
	if reason < model.NumDropReasons {
		c.drops[reason].Add(1)
	}
}

// RecordPacketForwarded counts a packet that left the engine, either routed
// or delivered locally.
func (c *Collector) RecordPacketForwarded() {
	c.packetsForwarded.Add(1)
}

// RecordPacketRouted counts a packet that matched a route.
func (c *Collector) RecordPacketRouted() {
	c.packetsRouted.Add(1)
}

// RecordLocalDelivery counts a packet addressed to this router.
func (c *Collector) RecordLocalDelivery() {
	c.packetsLocal.Add(1)
	c.packetsForwarded.Add(1)
}

// RecordRoutingControl counts a routing-protocol control message.
func (c *Collector) RecordRoutingControl() {
	c.routingControl.Add(1)
}

// RecordError counts a failure of a downstream component.
func (c *Collector) RecordError() {
	c.errors.Add(1)
}

// RecordLatency adds one processing latency sample in nanoseconds.
func (c *Collector) RecordLatency(ns uint64) {
	c.latencySum.Add(ns)
	c.latencyCount.Add(1)

	for {
		cur := c.latencyMax.Load()
		if ns <= cur || c.latencyMax.CompareAndSwap(cur, ns) {
			break
		}
	}
	for {
		cur := c.latencyMin.Load()
		if ns >= cur || c.latencyMin.CompareAndSwap(cur, ns) {
			break
		}
	}
}

// Snapshot is an immutable copy of the counters.
type Snapshot struct {
	Timestamp        time.Time                    `json:"timestamp"`
	Uptime           time.Duration                `json:"uptime"`
	PacketsProcessed uint64                       `json:"packets_processed"`
	PacketsDropped   uint64                       `json:"packets_dropped"`
	PacketsForwarded uint64                       `json:"packets_forwarded"`
	PacketsRouted    uint64                       `json:"packets_routed"`
	PacketsLocal     uint64                       `json:"packets_local"`
	BytesProcessed   uint64                       `json:"bytes_processed"`
	RoutingControl   uint64                       `json:"routing_control"`
	Errors           uint64                       `json:"errors"`
	Drops            [model.NumDropReasons]uint64 `json:"-"`
	LatencyCount     uint64                       `json:"latency_count"`
	LatencyAvgNs     uint64                       `json:"latency_avg_ns"`
	LatencyMinNs     uint64                       `json:"latency_min_ns"`
	LatencyMaxNs     uint64                       `json:"latency_max_ns"`
	PacketsPerSecond float64                      `json:"packets_per_second"`
	BytesPerSecond   float64                      `json:"bytes_per_second"`
}

// DropsByReason returns the non-zero per-reason drop counters keyed by name.
func (s Snapshot) DropsByReason() map[string]uint64 {
	out := make(map[string]uint64)
	for i, v := range s.Drops {
		if v > 0 {
			out[model.DropReason(i).String()] = v
		}
	}
	return out
}

// DropRate returns dropped/processed in percent.
func (s Snapshot) DropRate() float64 {
	if s.PacketsProcessed == 0 {
		return 0
	}
	return float64(s.PacketsDropped) / float64(s.PacketsProcessed) * 100
}

// Snapshot copies the current counters. Counters are read individually, so a
// snapshot taken under load may be off by the packets in flight.
func (c *Collector) Snapshot() Snapshot {
	now := c.now()
	s := Snapshot{
		Timestamp:        now,
		Uptime:           now.Sub(time.Unix(0, c.startNanos.Load())),
		PacketsProcessed: c.packetsProcessed.Load(),
		PacketsDropped:   c.packetsDropped.Load(),
		PacketsForwarded: c.packetsForwarded.Load(),
		PacketsRouted:    c.packetsRouted.Load(),
		PacketsLocal:     c.packetsLocal.Load(),
		BytesProcessed:   c.bytesProcessed.Load(),
		RoutingControl:   c.routingControl.Load(),
		Errors:           c.errors.Load(),
		LatencyCount:     c.latencyCount.Load(),
		LatencyMaxNs:     c.latencyMax.Load(),
	}
	for i := range c.drops {
		s.Drops[i] = c.drops[i].Load()
	}
	if s.LatencyCount > 0 {
		s.LatencyAvgNs = c.latencySum.Load() / s.LatencyCount
		if m := c.latencyMin.Load(); m != math.MaxUint64 {
			s.LatencyMinNs = m
		}
	}
	if secs := s.Uptime.Seconds(); secs > 0 {
		s.PacketsPerSecond = float64(s.PacketsProcessed) / secs
		s.BytesPerSecond = float64(s.BytesProcessed) / secs
	}
	return s
}

// Reset zeroes every counter and restarts the uptime clock.
func (c *Collector) Reset() {
	c.packetsProcessed.Store(0)
	c.packetsDropped.Store(0)
	c.packetsForwarded.Store(0)
	c.packetsRouted.Store(0)
	c.packetsLocal.Store(0)
	c.bytesProcessed.Store(0)
	c.routingControl.Store(0)
	c.errors.Store(0)
	for i := range c.drops {
		c.drops[i].Store(0)
	}
	c.latencySum.Store(0)
	c.latencyCount.Store(0)
	c.latencyMax.Store(0)
	c.latencyMin.Store(math.MaxUint64)
	c.startNanos.Store(c.now().UnixNano())
}
