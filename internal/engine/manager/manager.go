package manager

import (
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"go.uber.org/zap"

	"NetSimCore/internal/alerter"
	"NetSimCore/internal/config"
	coremodel "NetSimCore/internal/core/model"
	"NetSimCore/internal/engine/dataplane"
	"NetSimCore/internal/engine/flowtable"
	"NetSimCore/internal/factory"
	"NetSimCore/internal/mempool"
	"NetSimCore/internal/metrics"
	"NetSimCore/internal/model"
	"NetSimCore/internal/notification"
	"NetSimCore/internal/routing"
	_ "NetSimCore/internal/sink" // Registers the clickhouse, file and nats writers
)

// ErrStopped is returned by Submit after Stop has been called.
var ErrStopped = errors.New("manager stopped")

const (
	// maxPendingReports bounds the reports retained per writer while it fails.
	maxPendingReports = 16
	// maxQueuedEvictions bounds the evicted flows waiting for a writer.
	maxQueuedEvictions = 1 << 16
)

// DecisionHandler receives every forwarding decision. It runs on the worker
// that processed the frame and must not block for long.
type DecisionHandler func(frame coremodel.Frame, decision coremodel.Decision)

// outbox holds what a writer has not persisted yet.
type outbox struct {
	writer model.Writer

	mu      sync.Mutex
	evicted []flowtable.Flow

	// pending is only touched by the writer's snapshotter goroutine.
	pending []*model.Report
}

// Manager owns the data-plane components, a worker pool feeding the packet
// engine and the background loops that report, sweep and alert.
type Manager struct {
	logger  *zap.Logger
	table   *routing.Table
	pool    *mempool.Pool
	metrics *metrics.Collector
	flows   *flowtable.Table
	engine  *dataplane.Engine
	alerter *alerter.Alerter
	handler DecisionHandler
	now     func() time.Time

	outboxes []*outbox

	// Worker pool for concurrent packet processing
	inputs   []chan coremodel.Frame
	workerWg sync.WaitGroup
	inputMu  sync.RWMutex
	stopped  bool

	sweepInterval   time.Duration
	cleanupInterval time.Duration

	sweeperDone   chan struct{}
	done          chan struct{}
	snapshotterWg sync.WaitGroup
	sweeperWg     sync.WaitGroup
	startOnce     sync.Once
	stopOnce      sync.Once
}

// NewManager builds every component from cfg, including the configured writers.
func NewManager(cfg *config.Config, logger *zap.Logger) (*Manager, error) {
	writers, err := factory.CreateWriters(cfg.Writers, logger)
	if err != nil {
		return nil, err
	}
	m, err := NewManagerWithWriters(cfg, writers, logger)
	if err != nil {
		for _, w := range writers {
			w.Close()
		}
		return nil, err
	}
	return m, nil
}

// NewManagerWithWriters is NewManager with an explicit writer set.
func NewManagerWithWriters(cfg *config.Config, writers []model.Writer, logger *zap.Logger) (*Manager, error) {
	logger = logger.Named("manager")

	table, err := routing.NewTable(routing.Options{
		CacheEnabled: cfg.Routing.Cache.Enabled,
		CacheSize:    cfg.Routing.Cache.Size,
	})
	if err != nil {
		return nil, err
	}
	routes, err := cfg.StaticRoutes()
	if err != nil {
		return nil, err
	}
	for _, r := range routes {
		if _, err := table.AddRoute(r); err != nil {
			return nil, fmt.Errorf("failed to install route %s: %w", r, err)
		}
	}
	locals, err := cfg.LocalAddrs()
	if err != nil {
		return nil, err
	}

	pool := mempool.New(mempool.Options{
		MaxPoolSize:    cfg.Pool.MaxBuffers,
		BufferSize:     cfg.Pool.BufferSize,
		MaxBufferSize:  cfg.Pool.MaxBufferSize,
		MaxOutstanding: cfg.Pool.MaxOutstanding,
		MaxAge:         cfg.Pool.MaxAge,
		MaxIdle:        cfg.Pool.MaxIdle,
	})
	mc := metrics.NewCollector()
	flows := flowtable.New(cfg.Engine.NumFlowShards, cfg.Engine.FlowIdleTimeout)
	engine, err := dataplane.New(dataplane.Options{
		LocalAddresses: locals,
		RateLimit: dataplane.RateLimit{
			PacketsPerSecond: cfg.Engine.RateLimit.PacketsPerSecond,
			Burst:            cfg.Engine.RateLimit.Burst,
		},
	}, table, pool, mc, flows, logger.Named("dataplane"))
	if err != nil {
		return nil, err
	}

	numWorkers := cfg.Engine.NumWorkers
	if numWorkers <= 0 {
		numWorkers = 1
	}
	m := &Manager{
		logger:          logger,
		table:           table,
		pool:            pool,
		metrics:         mc,
		flows:           flows,
		engine:          engine,
		now:             time.Now,
		inputs:          make([]chan coremodel.Frame, numWorkers),
		sweepInterval:   cfg.Engine.SweepInterval,
		cleanupInterval: cfg.Pool.CleanupInterval,
		sweeperDone:     make(chan struct{}),
		done:            make(chan struct{}),
	}
	if m.sweepInterval <= 0 {
		m.sweepInterval = 10 * time.Second
	}
	if m.cleanupInterval <= 0 {
		m.cleanupInterval = 30 * time.Second
	}
	perWorker := cfg.Engine.SizeOfPacketChannel / numWorkers
	for i := range m.inputs {
		m.inputs[i] = make(chan coremodel.Frame, perWorker)
	}
	for _, w := range writers {
		m.outboxes = append(m.outboxes, &outbox{writer: w})
	}

	if cfg.Alerter.Enabled {
		notifier, err := notification.New(cfg.Alerter.Notifier, cfg.SMTP, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create notifier: %w", err)
		}
		m.alerter, err = alerter.NewAlerter(&cfg.Alerter, m.alertSample, notifier, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create alerter: %w", err)
		}
		logger.Info("Alerter enabled and initialized.", zap.String("notifier", cfg.Alerter.Notifier))
	}

	logger.Info("Manager created",
		zap.Int("routes", table.Len()), zap.Int("local_addresses", len(locals)),
		zap.Int("workers", numWorkers), zap.Int("writers", len(writers)))
	return m, nil
}

// SetDecisionHandler installs h. It must be called before Start.
func (m *Manager) SetDecisionHandler(h DecisionHandler) {
	m.handler = h
}

// Start begins the manager's packet processing workers, snapshotters, sweeper and alerter.
func (m *Manager) Start() {
	m.startOnce.Do(func() {
		for _, ob := range m.outboxes {
			m.snapshotterWg.Add(1)
			go m.runSnapshotter(ob)
		}

		m.sweeperWg.Add(1)
		go m.runSweeper()

		if m.alerter != nil {
			m.alerter.Start()
		}

		m.workerWg.Add(len(m.inputs))
		for _, in := range m.inputs {
			go m.worker(in)
		}
		m.logger.Info("Manager started", zap.Int("workers", len(m.inputs)), zap.Int("writers", len(m.outboxes)))
	})
}

// Stop drains the workers, flushes one final report to every writer and
// closes the writers.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		m.logger.Info("Manager stopping...")
		// 1. Stop accepting new frames.
		m.inputMu.Lock()
		m.stopped = true
		for _, in := range m.inputs {
			close(in)
		}
		m.inputMu.Unlock()

		// 2. Wait for all workers to finish processing buffered frames.
		m.workerWg.Wait()

		// 3. Run a final sweep so the last reports carry every evicted flow.
		close(m.sweeperDone)
		m.sweeperWg.Wait()

		// 4. Signal snapshotters to write their final report and exit.
		close(m.done)
		m.snapshotterWg.Wait()

		if m.alerter != nil {
			m.alerter.Stop()
		}
		for _, ob := range m.outboxes {
			if err := ob.writer.Close(); err != nil {
				m.logger.Warn("Failed to close writer", zap.Error(err))
			}
		}
		m.logger.Info("Manager stopped.")
	})
}

// Submit hands a frame to the worker that owns its interface. It blocks while
// that worker's queue is full.
func (m *Manager) Submit(frame coremodel.Frame) error {
	m.inputMu.RLock()
	defer m.inputMu.RUnlock()
	if m.stopped {
		return ErrStopped
	}
	m.inputs[m.workerFor(frame.Interface)] <- frame
	return nil
}

func (m *Manager) workerFor(iface string) int {
	// FNV-1a, inlined so Submit does not allocate.
	h := uint32(2166136261)
	for i := 0; i < len(iface); i++ {
		h ^= uint32(iface[i])
		h *= 16777619
	}
	return int(h % uint32(len(m.inputs)))
}

func (m *Manager) worker(in <-chan coremodel.Frame) {
	defer m.workerWg.Done()
	for frame := range in {
		d := m.engine.Ingest(frame.Data, frame.Interface)
		if m.handler != nil {
			m.handler(frame, d)
		}
	}
}

// Process runs one frame through the engine synchronously, bypassing the
// worker pool.
func (m *Manager) Process(frame coremodel.Frame) coremodel.Decision {
	d := m.engine.Ingest(frame.Data, frame.Interface)
	if m.handler != nil {
		m.handler(frame, d)
	}
	return d
}

// Report captures the current state of every component.
func (m *Manager) Report() *model.Report {
	return &model.Report{
		Timestamp: m.now(),
		Metrics:   m.metrics.Snapshot(),
		Routing:   m.table.Stats(),
		Pool:      m.pool.Stats(),
		Routes:    m.table.Routes(),
		Flows:     m.flows.Snapshot(),
	}
}

// runSnapshotter runs a dedicated report loop for a single writer.
func (m *Manager) runSnapshotter(ob *outbox) {
	defer m.snapshotterWg.Done()
	interval := ob.writer.GetInterval()
	if interval <= 0 {
		m.logger.Warn("Invalid interval for writer, snapshotter will not run.", zap.Duration("interval", interval))
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.flush(ob)
		case <-m.done:
			m.flush(ob)
			return
		}
	}
}

// flush queues a fresh report for ob and writes every pending report in
// order. Reports that fail stay queued for the next attempt.
func (m *Manager) flush(ob *outbox) {
	report := m.Report()
	ob.mu.Lock()
	report.Evicted, ob.evicted = ob.evicted, nil
	ob.mu.Unlock()

	ob.pending = append(ob.pending, report)
	if over := len(ob.pending) - maxPendingReports; over > 0 {
		m.logger.Warn("Writer is falling behind, discarding oldest reports", zap.Int("discarded", over))
		ob.pending = ob.pending[over:]
	}

	for len(ob.pending) > 0 {
		r := ob.pending[0]
		if err := ob.writer.Write(r); err != nil {
			m.metrics.RecordError()
			m.logger.Error("Error writing report, will retry",
				zap.Time("report", r.Timestamp), zap.Int("pending", len(ob.pending)), zap.Error(err))
			return
		}
		ob.pending[0] = nil
		ob.pending = ob.pending[1:]
	}
}

// runSweeper evicts idle flows and ages out pooled buffers.
func (m *Manager) runSweeper() {
	defer m.sweeperWg.Done()
	sweep := time.NewTicker(m.sweepInterval)
	defer sweep.Stop()
	cleanup := time.NewTicker(m.cleanupInterval)
	defer cleanup.Stop()

	for {
		select {
		case <-sweep.C:
			m.SweepFlows()
		case <-cleanup.C:
			if n := m.pool.Cleanup(); n > 0 {
				m.logger.Debug("Evicted idle buffers", zap.Int("count", n))
			}
		case <-m.sweeperDone:
			m.SweepFlows()
			return
		}
	}
}

// SweepFlows removes idle flows and queues them for every writer. It returns
// the number of flows evicted.
func (m *Manager) SweepFlows() int {
	evicted := m.flows.Sweep(m.now())
	if len(evicted) == 0 {
		return 0
	}
	for _, ob := range m.outboxes {
		ob.mu.Lock()
		ob.evicted = append(ob.evicted, evicted...)
		if over := len(ob.evicted) - maxQueuedEvictions; over > 0 {
			ob.evicted = ob.evicted[over:]
		}
		ob.mu.Unlock()
	}
	m.logger.Debug("Swept idle flows", zap.Int("count", len(evicted)))
	return len(evicted)
}

func (m *Manager) alertSample() alerter.Sample {
	return alerter.Sample{
		Metrics:     m.metrics.Snapshot(),
		Pool:        m.pool.Stats(),
		ActiveFlows: m.flows.Len(),
	}
}

// MetricsSnapshot returns the current counters.
func (m *Manager) MetricsSnapshot() metrics.Snapshot { return m.metrics.Snapshot() }

// RoutingStats returns the routing table statistics.
func (m *Manager) RoutingStats() routing.Stats { return m.table.Stats() }

// PoolStats returns the buffer pool statistics.
func (m *Manager) PoolStats() mempool.Stats { return m.pool.Stats() }

// Routes lists the installed routes.
func (m *Manager) Routes() []routing.Route { return m.table.Routes() }

// ActiveFlows returns the live flows ordered by bytes.
func (m *Manager) ActiveFlows() []flowtable.Flow { return m.flows.Snapshot() }

// ActiveFlowCount returns the number of live flows.
func (m *Manager) ActiveFlowCount() int { return m.flows.Len() }

// LookupRoute returns the route used for dst.
func (m *Manager) LookupRoute(dst netip.Addr) (routing.Route, bool) { return m.table.Lookup(dst) }

// AddRoute installs r if it is preferred over the current route for its prefix.
func (m *Manager) AddRoute(r routing.Route) (bool, error) {
	installed, err := m.table.AddRoute(r)
	if err != nil {
		return false, err
	}
	m.logger.Info("Route added", zap.Stringer("route", r), zap.Bool("installed", installed))
	return installed, nil
}

// RemoveRoute withdraws the route for prefix.
func (m *Manager) RemoveRoute(prefix netip.Prefix) bool {
	removed := m.table.RemoveRoute(prefix)
	if removed {
		m.logger.Info("Route removed", zap.Stringer("prefix", prefix))
	}
	return removed
}

// Engine returns the packet engine.
func (m *Manager) Engine() *dataplane.Engine { return m.engine }
