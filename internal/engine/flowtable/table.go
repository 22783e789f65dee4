package flowtable

import (
	"encoding/binary"
	"sort"
	"sync"
	"time"

	"NetSimCore/internal/core/model"
)

const (
	defaultShardCount  = 64
	DefaultIdleTimeout = 300 * time.Second
)

// Key identifies a flow by its 5-tuple.
type Key = model.FiveTuple

// Flow is the aggregate of all packets sharing a Key.
type Flow struct {
	Key          Key       `json:"key"`
	PacketCount  uint64    `json:"packet_count"`
	ByteCount    uint64    `json:"byte_count"`
	FirstSeen    time.Time `json:"first_seen"`
	LastSeen     time.Time `json:"last_seen"`
	Application  string    `json:"application"`
	TrafficClass string    `json:"traffic_class"`
	DSCP         uint8     `json:"dscp"`
	Ingress      string    `json:"ingress"`
}

// shard is a part of the sharded map, containing its own map and a mutex.
type shard struct {
	flows map[Key]*Flow
	mu    sync.RWMutex
}

// Table tracks live flows in a sharded map for improved concurrency.
type Table struct {
	shards      []*shard
	shardCount  uint32
	idleTimeout time.Duration
}

// New creates a flow table. Zero arguments select the defaults.
func New(shardCount uint32, idleTimeout time.Duration) *Table {
	if shardCount == 0 {
		shardCount = defaultShardCount
	}
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	t := &Table{
		shards:      make([]*shard, shardCount),
		shardCount:  shardCount,
		idleTimeout: idleTimeout,
	}
	for i := range t.shards {
		t.shards[i] = &shard{flows: make(map[Key]*Flow)}
	}
	return t
}

// IdleTimeout returns the configured idle timeout.
func (t *Table) IdleTimeout() time.Duration { return t.idleTimeout }

// getShard returns the appropriate shard for a given key.
func (t *Table) getShard(k Key) *shard {
	var buf [37]byte
	src, dst := k.SrcIP.As16(), k.DstIP.As16()
	copy(buf[0:16], src[:])
	copy(buf[16:32], dst[:])
	binary.BigEndian.PutUint16(buf[32:34], k.SrcPort)
	binary.BigEndian.PutUint16(buf[34:36], k.DstPort)
	buf[36] = k.Protocol

	return t.shards[fnv32a(buf[:])%t.shardCount]
}

const (
	fnvOffset32 = 2166136261
	fnvPrime32  = 16777619
)

// fnv32a is FNV-1a over b without the allocation of hash/fnv's interface.
func fnv32a(b []byte) uint32 {
	h := uint32(fnvOffset32)
	for _, c := range b {
		h ^= uint32(c)
		h *= fnvPrime32
	}
	return h
}

// Update creates or refreshes the flow of pkt.
func (t *Table) Update(pkt *model.Packet, application, trafficClass string) {
	s := t.getShard(pkt.FiveTuple)
	s.mu.Lock()
	defer s.mu.Unlock()

	if flow, ok := s.flows[pkt.FiveTuple]; ok {
		flow.LastSeen = pkt.Timestamp
		flow.PacketCount++
		flow.ByteCount += uint64(pkt.Size)
		return
	}
	s.flows[pkt.FiveTuple] = &Flow{
		Key:          pkt.FiveTuple,
		PacketCount:  1,
		ByteCount:    uint64(pkt.Size),
		FirstSeen:    pkt.Timestamp,
		LastSeen:     pkt.Timestamp,
		Application:  application,
		TrafficClass: trafficClass,
		DSCP:         pkt.DSCP,
		Ingress:      pkt.Ingress,
	}
}

// Get returns a copy of the flow for k.
func (t *Table) Get(k Key) (Flow, bool) {
	s := t.getShard(k)
	s.mu.RLock()
	defer s.mu.RUnlock()
	if flow, ok := s.flows[k]; ok {
		return *flow, true
	}
	return Flow{}, false
}

// Len returns the number of live flows.
func (t *Table) Len() int {
	count := 0
	for _, s := range t.shards {
		s.mu.RLock()
		count += len(s.flows)
		s.mu.RUnlock()
	}
	return count
}

// Snapshot returns copies of all live flows ordered by byte count, largest first.
func (t *Table) Snapshot() []Flow {
	var out []Flow
	for _, s := range t.shards {
		s.mu.RLock()
		for _, flow := range s.flows {
			out = append(out, *flow)
		}
		s.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ByteCount > out[j].ByteCount })
	return out
}

// Sweep evicts flows idle for longer than the idle timeout and returns them.
func (t *Table) Sweep(now time.Time) []Flow {
	var evicted []Flow
	for _, s := range t.shards {
		s.mu.Lock()
		for k, flow := range s.flows {
			if now.Sub(flow.LastSeen) > t.idleTimeout {
				evicted = append(evicted, *flow)
				delete(s.flows, k)
			}
		}
		s.mu.Unlock()
	}
	return evicted
}

// Reset drops every flow.
func (t *Table) Reset() {
	for _, s := range t.shards {
		s.mu.Lock()
		clear(s.flows)
		s.mu.Unlock()
	}
}
