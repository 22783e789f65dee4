// Package mempool provides reusable packet buffers so the data path does not
// allocate per packet.
package mempool

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrResourceExhausted is returned by Acquire when a buffer cannot be provided.
var ErrResourceExhausted = errors.New("memory pool exhausted")

const (
	DefaultMaxPoolSize = 1000
	DefaultBufferSize  = 1500
	DefaultMaxAge      = 300 * time.Second
	DefaultMaxIdle     = 60 * time.Second
)

// Options configures a Pool. Zero values select the defaults; a zero
// MaxBufferSize or MaxOutstanding means unbounded.
type Options struct {
	MaxPoolSize    int
	BufferSize     int
	MaxBufferSize  int
	MaxOutstanding int
	MaxAge         time.Duration
	MaxIdle        time.Duration
}

func (o *Options) setDefaults() {
	if o.MaxPoolSize <= 0 {
		o.MaxPoolSize = DefaultMaxPoolSize
	}
	if o.BufferSize <= 0 {
		o.BufferSize = DefaultBufferSize
	}
	if o.MaxAge <= 0 {
		o.MaxAge = DefaultMaxAge
	}
	if o.MaxIdle <= 0 {
		o.MaxIdle = DefaultMaxIdle
	}
}

// Buffer is a packet buffer leased from a Pool.
type Buffer struct {
	data      []byte
	size      int
	id        uint64
	createdAt time.Time
	lastUsed  time.Time
	leased    bool
}

// Bytes returns the logical contents of the buffer.
func (b *Buffer) Bytes() []byte { return b.data[:b.size] }

// Len returns the logical size.
func (b *Buffer) Len() int { return b.size }

// Cap returns the capacity of the underlying storage.
func (b *Buffer) Cap() int { return cap(b.data) }

// ID returns the pool-unique buffer id.
func (b *Buffer) ID() uint64 { return b.id }

// CreatedAt returns when the buffer was first allocated.
func (b *Buffer) CreatedAt() time.Time { return b.createdAt }

// Stats is a point-in-time view of pool counters.
type Stats struct {
	PoolSize      int    `json:"pool_size"`
	MaxPoolSize   int    `json:"max_pool_size"`
	BufferSize    int    `json:"buffer_size"`
	Created       uint64 `json:"created"`
	Allocations   uint64 `json:"allocations"`
	Deallocations uint64 `json:"deallocations"`
	Outstanding   int    `json:"outstanding"`
	Failures      uint64 `json:"failures"`
	Evictions     uint64 `json:"evictions"`
}

// HitRate is the share of allocations not currently outstanding, in percent.
func (s Stats) HitRate() float64 {
	if s.Allocations == 0 {
		return 0
	}
	active := s.Allocations - s.Deallocations
	if s.Deallocations > s.Allocations {
		active = 0
	}
	return float64(s.Allocations-active) / float64(s.Allocations) * 100
}

// Utilization is the pool fill level in percent.
func (s Stats) Utilization() float64 {
	if s.MaxPoolSize == 0 {
		return 0
	}
	return float64(s.PoolSize) / float64(s.MaxPoolSize) * 100
}

// Pool is a bounded free list of packet buffers guarded by a single mutex.
type Pool struct {
	opts Options
	now  func() time.Time

	mu            sync.Mutex
	free          []*Buffer
	nextID        uint64
	created       uint64
	allocations   uint64
	deallocations uint64
	outstanding   int
	failures      uint64
	evictions     uint64
}

// New creates an empty pool.
func New(opts Options) *Pool {
	opts.setDefaults()
	return &Pool{
		opts: opts,
		now:  time.Now,
		free: make([]*Buffer, 0, opts.MaxPoolSize),
	}
}

// Options returns the effective options.
func (p *Pool) Options() Options { return p.opts }

// Acquire leases a buffer of at least size bytes. The returned bytes are zeroed.
func (p *Pool) Acquire(size int) (*Buffer, error) {
	if size < 0 {
		size = 0
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.opts.MaxBufferSize > 0 && size > p.opts.MaxBufferSize {
		p.failures++
		return nil, fmt.Errorf("%w: requested %d bytes, limit is %d", ErrResourceExhausted, size, p.opts.MaxBufferSize)
	}
	if p.opts.MaxOutstanding > 0 && p.outstanding >= p.opts.MaxOutstanding {
		p.failures++
		return nil, fmt.Errorf("%w: %d buffers outstanding", ErrResourceExhausted, p.outstanding)
	}

	now := p.now()
	var b *Buffer
	for i, cand := range p.free {
		if cap(cand.data) >= size {
			last := len(p.free) - 1
			p.free[i] = p.free[last]
			p.free[last] = nil
			p.free = p.free[:last]
			b = cand
			break
		}
	}
	if b == nil {
		p.nextID++
		p.created++
		b = &Buffer{
			data:      make([]byte, max(size, p.opts.BufferSize)),
			id:        p.nextID,
			createdAt: now,
		}
	}

	b.data = b.data[:cap(b.data)]
	b.size = size
	b.lastUsed = now
	b.leased = true
	p.allocations++
	p.outstanding++
	return b, nil
}

// Release returns b to the pool. Buffers past the max age or smaller than the
// standard size are discarded, as are buffers returned to a full pool.
// Releasing a buffer that is not leased is counted but otherwise ignored.
func (p *Pool) Release(b *Buffer) {
	if b == nil {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.deallocations++
	if !b.leased {
		return
	}
	b.leased = false
	p.outstanding--

	now := p.now()
	if now.Sub(b.createdAt) > p.opts.MaxAge || cap(b.data) < p.opts.BufferSize {
		return
	}
	if len(p.free) >= p.opts.MaxPoolSize {
		return
	}
	b.data = b.data[:cap(b.data)]
	clear(b.data)
	b.size = p.opts.BufferSize
	b.lastUsed = now
	p.free = append(p.free, b)
}

// Cleanup evicts pooled buffers that are past the max age and have been idle
// longer than the idle threshold. It returns the number evicted.
func (p *Pool) Cleanup() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	kept := p.free[:0]
	evicted := 0
	for _, b := range p.free {
		if now.Sub(b.createdAt) > p.opts.MaxAge && now.Sub(b.lastUsed) > p.opts.MaxIdle {
			evicted++
			continue
		}
		kept = append(kept, b)
	}
	for i := len(kept); i < len(p.free); i++ {
		p.free[i] = nil
	}
	p.free = kept
	p.evictions += uint64(evicted)
	return evicted
}

// Stats returns the current counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		PoolSize:      len(p.free),
		MaxPoolSize:   p.opts.MaxPoolSize,
		BufferSize:    p.opts.BufferSize,
		Created:       p.created,
		Allocations:   p.allocations,
		Deallocations: p.deallocations,
		Outstanding:   p.outstanding,
		Failures:      p.failures,
		Evictions:     p.evictions,
	}
}
