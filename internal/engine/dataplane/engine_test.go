package dataplane

import (
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"NetSimCore/internal/core/model"
	"NetSimCore/internal/engine/flowtable"
	"NetSimCore/internal/engine/protocol"
	"NetSimCore/internal/mempool"
	"NetSimCore/internal/metrics"
	"NetSimCore/internal/routing"
)

type fixture struct {
	engine  *Engine
	table   *routing.Table
	pool    *mempool.Pool
	metrics *metrics.Collector
	flows   *flowtable.Table
}

func newFixture(t *testing.T, opts Options, poolOpts mempool.Options) *fixture {
	t.Helper()
	table, err := routing.NewTable(routing.Options{CacheEnabled: true, CacheSize: 64})
	require.NoError(t, err)
	r, err := routing.ParseRoute("10.0.0.0/24", "192.168.1.1", "eth0", 1)
	require.NoError(t, err)
	_, err = table.AddRoute(r)
	require.NoError(t, err)
	r, err = routing.ParseRoute("172.16.0.0/16", "0.0.0.0", "eth2", 1)
	require.NoError(t, err)
	_, err = table.AddRoute(r)
	require.NoError(t, err)

	if opts.LocalAddresses == nil {
		opts.LocalAddresses = []netip.Addr{netip.MustParseAddr("192.168.1.254")}
	}
	f := &fixture{
		table:   table,
		pool:    mempool.New(poolOpts),
		metrics: metrics.NewCollector(),
		flows:   flowtable.New(8, time.Minute),
	}
	f.engine, err = New(opts, f.table, f.pool, f.metrics, f.flows, zap.NewNop())
	require.NoError(t, err)
	return f
}

func frame(t *testing.T, src, dst string, proto uint8, sport, dport uint16, size int) []byte {
	t.Helper()
	b, err := protocol.BuildFrame(protocol.FrameSpec{
		Src: netip.MustParseAddr(src), Dst: netip.MustParseAddr(dst),
		Protocol: proto, SrcPort: sport, DstPort: dport, Size: size,
	})
	require.NoError(t, err)
	return b
}

func TestForwardViaRoute(t *testing.T) {
	f := newFixture(t, Options{}, mempool.Options{})

	d := f.engine.Ingest(frame(t, "192.168.1.10", "10.0.0.5", 6, 40000, 443, 100), "eth1")
	assert.Equal(t, model.ActionForward, d.Action)
	assert.Equal(t, netip.MustParseAddr("192.168.1.1"), d.NextHop)
	assert.Equal(t, "eth0", d.Egress)

	s := f.metrics.Snapshot()
	assert.EqualValues(t, 1, s.PacketsProcessed)
	assert.EqualValues(t, 100, s.BytesProcessed)
	assert.EqualValues(t, 1, s.PacketsRouted)
	assert.EqualValues(t, 1, s.PacketsForwarded)
	assert.Zero(t, s.PacketsDropped)
	assert.EqualValues(t, 1, s.LatencyCount)
}

func TestConnectedRouteForwardsToDestination(t *testing.T) {
	f := newFixture(t, Options{}, mempool.Options{})

	d := f.engine.Ingest(frame(t, "192.168.1.10", "172.16.4.4", 17, 40000, 53, 80), "eth1")
	assert.Equal(t, model.ActionForward, d.Action)
	assert.Equal(t, netip.MustParseAddr("172.16.4.4"), d.NextHop)
	assert.Equal(t, "eth2", d.Egress)
}

func TestNoRouteDrop(t *testing.T) {
	f := newFixture(t, Options{}, mempool.Options{})

	d := f.engine.Ingest(frame(t, "192.168.1.10", "8.8.8.8", 17, 40000, 53, 80), "eth1")
	assert.Equal(t, model.Drop(model.DropNoRoute), d)

	s := f.metrics.Snapshot()
	assert.EqualValues(t, 1, s.PacketsDropped)
	assert.EqualValues(t, 1, s.Drops[model.DropNoRoute])
	assert.Zero(t, s.PacketsRouted)
	assert.Equal(t, 1, f.flows.Len(), "parsed packets are tracked even without a route")
}

func TestLocalDelivery(t *testing.T) {
	f := newFixture(t, Options{}, mempool.Options{})

	d := f.engine.Ingest(frame(t, "192.168.1.10", "192.168.1.254", 6, 40000, 22, 80), "eth1")
	assert.Equal(t, model.DeliverLocal(), d)

	s := f.metrics.Snapshot()
	assert.EqualValues(t, 1, s.PacketsLocal)
	assert.EqualValues(t, 1, s.PacketsForwarded)
	assert.Zero(t, s.PacketsRouted)
	assert.Zero(t, f.table.Stats().Lookups, "local packets skip the routing table")
}

func TestMalformedDoesNotTouchFlows(t *testing.T) {
	f := newFixture(t, Options{}, mempool.Options{})

	d := f.engine.Ingest([]byte{0x01, 0x02, 0x03}, "eth1")
	assert.Equal(t, model.Drop(model.DropMalformed), d)

	good := frame(t, "192.168.1.10", "10.0.0.5", 6, 40000, 443, 100)
	d = f.engine.Ingest(good[:14+20+5], "eth1")
	assert.Equal(t, model.Drop(model.DropMalformed), d)

	assert.Zero(t, f.flows.Len())
	s := f.metrics.Snapshot()
	assert.EqualValues(t, 2, s.Drops[model.DropMalformed])
	assert.Zero(t, s.Errors, "parse failures are drops, not errors")
}

func TestUnsupportedEtherType(t *testing.T) {
	f := newFixture(t, Options{}, mempool.Options{})

	raw := frame(t, "192.168.1.10", "10.0.0.5", 17, 1, 2, 80)
	raw[12], raw[13] = 0x08, 0x06
	d := f.engine.Ingest(raw, "eth1")
	assert.Equal(t, model.Drop(model.DropUnsupported), d)
	assert.Zero(t, f.metrics.Snapshot().Errors)
}

func TestFlowScenario(t *testing.T) {
	f := newFixture(t, Options{}, mempool.Options{})

	raw := frame(t, "10.0.0.1", "10.0.0.2", 6, 80, 8080, 1500)
	f.engine.Ingest(raw, "eth0")
	f.engine.Ingest(raw, "eth0")

	require.Equal(t, 1, f.flows.Len())
	flow := f.flows.Snapshot()[0]
	assert.EqualValues(t, 2, flow.PacketCount)
	assert.EqualValues(t, 3000, flow.ByteCount)
	assert.Equal(t, "HTTP", flow.Application)
	assert.Equal(t, "Best Effort", flow.TrafficClass)

	f.engine.Ingest(frame(t, "10.0.0.1", "10.0.0.3", 6, 80, 8080, 1500), "eth0")
	assert.Equal(t, 2, f.flows.Len())
}

func TestRoutingControlCounted(t *testing.T) {
	f := newFixture(t, Options{}, mempool.Options{})

	f.engine.Ingest(frame(t, "10.0.0.1", "192.168.1.254", 6, 40000, 179, 80), "eth0")
	f.engine.Ingest(frame(t, "10.0.0.1", "10.0.0.9", 89, 0, 0, 80), "eth0")
	assert.EqualValues(t, 2, f.metrics.Snapshot().RoutingControl)
}

func TestPoolExhaustionDropsAndCountsError(t *testing.T) {
	f := newFixture(t, Options{}, mempool.Options{BufferSize: 512, MaxBufferSize: 1024})

	d := f.engine.Ingest(frame(t, "192.168.1.10", "10.0.0.5", 6, 40000, 443, 1500), "eth1")
	assert.Equal(t, model.Drop(model.DropResourceExhausted), d)

	s := f.metrics.Snapshot()
	assert.EqualValues(t, 1, s.Errors)
	assert.EqualValues(t, 1, s.PacketsDropped)
}

func TestBuffersReturnToPool(t *testing.T) {
	f := newFixture(t, Options{}, mempool.Options{MaxPoolSize: 4})

	raw := frame(t, "192.168.1.10", "10.0.0.5", 6, 40000, 443, 100)
	for i := 0; i < 10; i++ {
		f.engine.Ingest(raw, "eth1")
	}
	f.engine.Ingest([]byte{1}, "eth1")

	st := f.pool.Stats()
	assert.EqualValues(t, 11, st.Allocations)
	assert.EqualValues(t, 11, st.Deallocations)
	assert.Zero(t, st.Outstanding)
	assert.EqualValues(t, 1, st.Created)
}

func TestRateLimitPerInterface(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	f := newFixture(t, Options{
		RateLimit: RateLimit{PacketsPerSecond: 1, Burst: 2},
		Now:       func() time.Time { return now },
	}, mempool.Options{})

	raw := frame(t, "192.168.1.10", "10.0.0.5", 6, 40000, 443, 100)
	assert.Equal(t, model.ActionForward, f.engine.Ingest(raw, "eth1").Action)
	assert.Equal(t, model.ActionForward, f.engine.Ingest(raw, "eth1").Action)
	assert.Equal(t, model.Drop(model.DropRateLimited), f.engine.Ingest(raw, "eth1"))
	assert.Equal(t, model.ActionForward, f.engine.Ingest(raw, "eth2").Action, "buckets are per interface")

	now = now.Add(time.Second)
	assert.Equal(t, model.ActionForward, f.engine.Ingest(raw, "eth1").Action)

	flow := f.flows.Snapshot()[0]
	assert.EqualValues(t, 4, flow.PacketCount, "rate limited packets do not reach the flow table")
}

func TestIPv6Forwarding(t *testing.T) {
	f := newFixture(t, Options{LocalAddresses: []netip.Addr{netip.MustParseAddr("2001:db8::fe")}}, mempool.Options{})
	r, err := routing.ParseRoute("2001:db8:1::/48", "2001:db8::1", "eth3", 1)
	require.NoError(t, err)
	_, err = f.table.AddRoute(r)
	require.NoError(t, err)

	d := f.engine.Ingest(frame(t, "2001:db8::10", "2001:db8:1::5", 17, 40000, 123, 120), "eth1")
	assert.Equal(t, model.Forward(netip.MustParseAddr("2001:db8::1"), "eth3"), d)

	d = f.engine.Ingest(frame(t, "2001:db8::10", "2001:db8::fe", 58, 0, 0, 120), "eth1")
	assert.Equal(t, model.DeliverLocal(), d)
}

func TestConcurrentIngest(t *testing.T) {
	f := newFixture(t, Options{}, mempool.Options{MaxPoolSize: 16})

	const workers, perWorker = 8, 500
	frames := make([][]byte, workers)
	for w := range frames {
		frames[w] = frame(t, "192.168.1.10", "10.0.0.5", 6, uint16(40000+w), 443, 128)
	}

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(raw []byte) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				if d := f.engine.Ingest(raw, "eth1"); d.Action != model.ActionForward {
					t.Errorf("unexpected decision %v", d)
					return
				}
			}
		}(frames[w])
	}
	wg.Wait()

	s := f.metrics.Snapshot()
	assert.EqualValues(t, workers*perWorker, s.PacketsProcessed)
	assert.EqualValues(t, workers*perWorker, s.PacketsRouted)
	assert.Equal(t, workers, f.flows.Len())
	for _, flow := range f.flows.Snapshot() {
		assert.EqualValues(t, perWorker, flow.PacketCount)
	}
	assert.Zero(t, f.pool.Stats().Outstanding)
}

func TestPanicBecomesInternalErrorDrop(t *testing.T) {
	f := newFixture(t, Options{}, mempool.Options{})
	// A zero-value flow table has no shards, so Update panics.
	broken, err := New(Options{}, f.table, f.pool, f.metrics, &flowtable.Table{}, zap.NewNop())
	require.NoError(t, err)

	d := broken.Ingest(frame(t, "192.168.1.10", "10.0.0.5", 6, 40000, 443, 100), "eth1")
	assert.Equal(t, model.Drop(model.DropInternalError), d)
	assert.Equal(t, "drop(internal_error)", d.String())

	s := f.metrics.Snapshot()
	assert.EqualValues(t, 1, s.PacketsProcessed)
	assert.EqualValues(t, 1, s.Errors)
	assert.EqualValues(t, 1, s.PacketsDropped)
	assert.EqualValues(t, 1, s.Drops[model.DropInternalError])
	assert.Zero(t, s.PacketsRouted)
	assert.Zero(t, s.PacketsForwarded)
	assert.EqualValues(t, 1, s.LatencyCount)
	assert.Zero(t, f.pool.Stats().Outstanding)
}

func TestPanicAfterRouteLookupIsNotCountedAsForwarded(t *testing.T) {
	f := newFixture(t, Options{}, mempool.Options{})
	logger := zap.New(panicOnCore{})
	e, err := New(Options{LocalAddresses: []netip.Addr{netip.MustParseAddr("192.168.1.254")}},
		f.table, f.pool, f.metrics, f.flows, logger)
	require.NoError(t, err)

	for _, dst := range []string{"10.0.0.5", "192.168.1.254"} {
		d := e.Ingest(frame(t, "192.168.1.10", dst, 6, 40000, 443, 100), "eth1")
		assert.Equal(t, model.Drop(model.DropInternalError), d, dst)
	}

	s := f.metrics.Snapshot()
	assert.EqualValues(t, 2, s.PacketsDropped)
	assert.EqualValues(t, 2, s.Errors)
	assert.Zero(t, s.PacketsRouted)
	assert.Zero(t, s.PacketsLocal)
	assert.Zero(t, s.PacketsForwarded)
	assert.Equal(t, 2, f.flows.Len())
	assert.Zero(t, f.pool.Stats().Outstanding)
}

// panicOnCore enables debug logging and panics when the per-packet trace
// for a processed packet is written.
type panicOnCore struct{}

func (panicOnCore) Enabled(zapcore.Level) bool { return true }

func (c panicOnCore) With([]zapcore.Field) zapcore.Core { return c }

func (c panicOnCore) Check(e zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	return ce.AddCore(e, c)
}

func (panicOnCore) Write(e zapcore.Entry, _ []zapcore.Field) error {
	if e.Message == "packet processed" {
		panic("trace sink failed")
	}
	return nil
}

func (panicOnCore) Sync() error { return nil }

func TestNewValidatesCollaborators(t *testing.T) {
	_, err := New(Options{}, nil, nil, nil, nil, nil)
	assert.Error(t, err)
}
