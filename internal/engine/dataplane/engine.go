// Package dataplane implements the per-packet decision pipeline: parse,
// classify as local or transit, look up a route, account, and decide.
package dataplane

import (
	"errors"
	"fmt"
	"math"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"go4.org/netipx"
	"golang.org/x/time/rate"

	"NetSimCore/internal/core/model"
	"NetSimCore/internal/engine/flowtable"
	"NetSimCore/internal/engine/protocol"
	"NetSimCore/internal/mempool"
	"NetSimCore/internal/metrics"
	"NetSimCore/internal/routing"
)

// RateLimit bounds the packet rate accepted on each ingress interface.
type RateLimit struct {
	PacketsPerSecond float64
	Burst            int
}

// Options configures an Engine.
type Options struct {
	LocalAddresses []netip.Addr
	RateLimit      RateLimit
	// Now overrides the clock used for packet timestamps.
	Now func() time.Time
}

// Engine turns raw frames into forwarding decisions. Ingest is safe for
// concurrent use; parsers are pooled so no worker shares decoding state.
type Engine struct {
	table   *routing.Table
	pool    *mempool.Pool
	metrics *metrics.Collector
	flows   *flowtable.Table
	logger  *zap.Logger

	locals    *netipx.IPSet
	rateLimit RateLimit
	limiters  sync.Map // ingress name -> *rate.Limiter
	parsers   sync.Pool
	nextID    atomic.Uint64
	now       func() time.Time
}

// New wires an engine to its collaborators.
func New(opts Options, table *routing.Table, pool *mempool.Pool, mc *metrics.Collector, flows *flowtable.Table, logger *zap.Logger) (*Engine, error) {
	if table == nil || pool == nil || mc == nil || flows == nil {
		return nil, errors.New("dataplane: routing table, pool, metrics and flow table are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	var b netipx.IPSetBuilder
	for _, addr := range opts.LocalAddresses {
		if !addr.IsValid() {
			return nil, fmt.Errorf("dataplane: invalid local address %v", addr)
		}
		b.Add(addr)
	}
	locals, err := b.IPSet()
	if err != nil {
		return nil, fmt.Errorf("dataplane: failed to build local address set: %w", err)
	}

	rl := opts.RateLimit
	if rl.PacketsPerSecond < 0 {
		return nil, errors.New("dataplane: negative rate limit")
	}
	if rl.PacketsPerSecond > 0 && rl.Burst <= 0 {
		rl.Burst = int(math.Max(1, math.Ceil(rl.PacketsPerSecond)))
	}

	e := &Engine{
		table:     table,
		pool:      pool,
		metrics:   mc,
		flows:     flows,
		logger:    logger.Named("dataplane"),
		locals:    locals,
		rateLimit: rl,
		now:       opts.Now,
	}
	if e.now == nil {
		e.now = time.Now
	}
	e.parsers.New = func() any { return protocol.NewParser() }
	return e, nil
}

// Table returns the routing table consulted for transit packets.
func (e *Engine) Table() *routing.Table { return e.table }

// Flows returns the flow table.
func (e *Engine) Flows() *flowtable.Table { return e.flows }

// Metrics returns the metrics collector.
func (e *Engine) Metrics() *metrics.Collector { return e.metrics }

// Pool returns the buffer pool.
func (e *Engine) Pool() *mempool.Pool { return e.pool }

// IsLocal reports whether addr is one of the router's own addresses.
func (e *Engine) IsLocal(addr netip.Addr) bool { return e.locals.Contains(addr) }

func (e *Engine) limiter(ingress string) *rate.Limiter {
	if e.rateLimit.PacketsPerSecond == 0 {
		return nil
	}
	if lim, ok := e.limiters.Load(ingress); ok {
		return lim.(*rate.Limiter)
	}
	lim, _ := e.limiters.LoadOrStore(ingress,
		rate.NewLimiter(rate.Limit(e.rateLimit.PacketsPerSecond), e.rateLimit.Burst))
	return lim.(*rate.Limiter)
}

// Ingest processes one frame received on ingress and returns the decision.
// Failures never escape: they are counted and turned into drops.
func (e *Engine) Ingest(raw []byte, ingress string) (decision model.Decision) {
	start := time.Now()
	e.metrics.RecordPacketProcessed(uint64(len(raw)))
	defer func() {
		if r := recover(); r != nil {
			e.metrics.RecordError()
			e.logger.Error("recovered from panic while processing packet",
				zap.String("ingress", ingress), zap.Any("panic", r))
			decision = e.drop(model.DropInternalError, ingress, nil)
		}
		e.metrics.RecordLatency(uint64(time.Since(start)))
	}()

	if lim := e.limiter(ingress); lim != nil && !lim.AllowN(e.now(), 1) {
		return e.drop(model.DropRateLimited, ingress, nil)
	}

	buf, err := e.pool.Acquire(len(raw))
	if err != nil {
		e.metrics.RecordError()
		return e.drop(model.DropResourceExhausted, ingress, err)
	}
	defer e.pool.Release(buf)
	copy(buf.Bytes(), raw)

	parser := e.parsers.Get().(*protocol.Parser)
	defer e.parsers.Put(parser)

	pkt := model.Packet{
		ID:        e.nextID.Add(1),
		Timestamp: e.now(),
		Ingress:   ingress,
	}
	if err := parser.Parse(buf.Bytes(), &pkt); err != nil {
		if errors.Is(err, protocol.ErrUnsupported) {
			return e.drop(model.DropUnsupported, ingress, err)
		}
		return e.drop(model.DropMalformed, ingress, err)
	}

	ft := pkt.FiveTuple
	if protocol.IsRoutingControl(ft.Protocol, ft.SrcPort, ft.DstPort) {
		e.metrics.RecordRoutingControl()
	}
	e.flows.Update(&pkt,
		protocol.Application(ft.Protocol, ft.SrcPort, ft.DstPort),
		protocol.TrafficClass(pkt.DSCP))

	switch {
	case e.locals.Contains(ft.DstIP):
		decision = model.DeliverLocal()
	default:
		route, ok := e.table.Lookup(ft.DstIP)
		if !ok {
			return e.drop(model.DropNoRoute, ingress, nil)
		}
		nextHop := route.NextHop
		if route.Connected() {
			nextHop = ft.DstIP
		}
		decision = model.Forward(nextHop, route.Interface)
	}

	if ce := e.logger.Check(zap.DebugLevel, "packet processed"); ce != nil {
		ce.Write(zap.Uint64("id", pkt.ID), zap.String("ingress", ingress),
			zap.Stringer("flow", ft), zap.Stringer("decision", decision))
	}
	// Counted last so a recovered panic never leaves a packet both
	// forwarded and dropped.
	switch decision.Action {
	case model.ActionForward:
		e.metrics.RecordPacketRouted()
		e.metrics.RecordPacketForwarded()
	case model.ActionDeliverLocal:
		e.metrics.RecordLocalDelivery()
	}
	return decision
}

func (e *Engine) drop(reason model.DropReason, ingress string, err error) model.Decision {
	e.metrics.RecordDrop(reason)
	if ce := e.logger.Check(zap.DebugLevel, "packet dropped"); ce != nil {
		ce.Write(zap.String("ingress", ingress), zap.Stringer("reason", reason), zap.Error(err))
	}
	return model.Drop(reason)
}
