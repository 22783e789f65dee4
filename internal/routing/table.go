package routing

import (
	"fmt"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	arc "github.com/hashicorp/golang-lru/arc/v2"
)

// DefaultCacheSize is the number of destinations kept in the route cache.
const DefaultCacheSize = 65536

// Options configures a Table.
type Options struct {
	CacheEnabled bool
	CacheSize    int
}

// Stats is a point-in-time view of the table's counters.
type Stats struct {
	Routes        int    `json:"routes"`
	IPv4Routes    int    `json:"ipv4_routes"`
	IPv6Routes    int    `json:"ipv6_routes"`
	CacheEnabled  bool   `json:"cache_enabled"`
	CacheEntries  int    `json:"cache_entries"`
	Lookups       uint64 `json:"lookups"`
	CacheHits     uint64 `json:"cache_hits"`
	CacheMisses   uint64 `json:"cache_misses"`
	Invalidations uint64 `json:"invalidations"`
}

// HitRate returns the cache hit rate as a percentage.
func (s Stats) HitRate() float64 {
	if s.Lookups == 0 {
		return 0
	}
	return float64(s.CacheHits) / float64(s.Lookups) * 100
}

// Table holds the routes of both address families and a cache of resolved
// destinations. The cache only ever holds results computed from the current
// set of routes: every mutation purges it while holding the write lock.
type Table struct {
	mu sync.RWMutex
	v4 *trie
	v6 *trie

	cache *arc.ARCCache[netip.Addr, Route]
	now   func() time.Time

	lookups       atomic.Uint64
	hits          atomic.Uint64
	misses        atomic.Uint64
	invalidations atomic.Uint64
}

// NewTable creates an empty routing table.
func NewTable(opts Options) (*Table, error) {
	t := &Table{
		v4:  newTrie(32),
		v6:  newTrie(128),
		now: time.Now,
	}
	if opts.CacheEnabled {
		size := opts.CacheSize
		if size <= 0 {
			size = DefaultCacheSize
		}
		cache, err := arc.NewARC[netip.Addr, Route](size)
		if err != nil {
			return nil, fmt.Errorf("failed to create route cache: %w", err)
		}
		t.cache = cache
	}
	return t, nil
}

func (t *Table) trieFor(addr netip.Addr) *trie {
	if addr.Is4() {
		return t.v4
	}
	return t.v6
}

// AddRoute installs r. It returns false without error when a route with a
// better preference already holds the prefix.
func (t *Table) AddRoute(r Route) (bool, error) {
	if err := r.Validate(); err != nil {
		return false, err
	}
	r.Prefix = r.Prefix.Masked()
	if r.Protocol == "" {
		r.Protocol = ProtocolStatic
	}
	if r.AddedAt.IsZero() {
		r.AddedAt = t.now()
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.trieFor(r.Prefix.Addr()).insert(r) {
		return false, nil
	}
	t.invalidateLocked()
	return true, nil
}

// RemoveRoute deletes the route for prefix. It reports whether one existed;
// the table is left untouched otherwise.
func (t *Table) RemoveRoute(prefix netip.Prefix) bool {
	if !prefix.IsValid() {
		return false
	}
	prefix = prefix.Masked()

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.trieFor(prefix.Addr()).remove(prefix); !ok {
		return false
	}
	t.invalidateLocked()
	return true
}

func (t *Table) invalidateLocked() {
	if t.cache != nil {
		t.cache.Purge()
	}
	t.invalidations.Add(1)
}

// Lookup returns the longest-prefix-match route for dst.
func (t *Table) Lookup(dst netip.Addr) (Route, bool) {
	t.lookups.Add(1)
	if !dst.IsValid() {
		t.misses.Add(1)
		return Route{}, false
	}

	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.cache != nil {
		if r, ok := t.cache.Get(dst); ok {
			t.hits.Add(1)
			return r, true
		}
	}
	t.misses.Add(1)

	r, ok := t.trieFor(dst).lookup(dst)
	if ok && t.cache != nil {
		t.cache.Add(dst, r)
	}
	return r, ok
}

// Get returns the route installed for exactly prefix.
func (t *Table) Get(prefix netip.Prefix) (Route, bool) {
	if !prefix.IsValid() {
		return Route{}, false
	}
	prefix = prefix.Masked()
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.trieFor(prefix.Addr()).exact(prefix)
}

// Routes returns a copy of all routes, IPv4 first.
func (t *Table) Routes() []Route {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Route, 0, t.v4.size+t.v6.size)
	collect := func(r Route) { out = append(out, r) }
	t.v4.walk(collect)
	t.v6.walk(collect)
	return out
}

// Len returns the number of installed routes.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.v4.size + t.v6.size
}

// Stats returns the current counters.
func (t *Table) Stats() Stats {
	t.mu.RLock()
	s := Stats{
		IPv4Routes:   t.v4.size,
		IPv6Routes:   t.v6.size,
		CacheEnabled: t.cache != nil,
	}
	if t.cache != nil {
		s.CacheEntries = t.cache.Len()
	}
	t.mu.RUnlock()

	s.Routes = s.IPv4Routes + s.IPv6Routes
	s.Lookups = t.lookups.Load()
	s.CacheHits = t.hits.Load()
	s.CacheMisses = t.misses.Load()
	s.Invalidations = t.invalidations.Load()
	return s
}
