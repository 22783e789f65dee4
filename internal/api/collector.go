package api

import (
	"github.com/prometheus/client_golang/prometheus"

	coremodel "NetSimCore/internal/core/model"
)

const namespace = "netsim"

// Collector exports the backend counters to Prometheus. Values are read at
// scrape time, so the data path never touches Prometheus types.
type Collector struct {
	backend Backend

	processed      *prometheus.Desc
	bytes          *prometheus.Desc
	dropped        *prometheus.Desc
	forwarded      *prometheus.Desc
	routed         *prometheus.Desc
	local          *prometheus.Desc
	routingControl *prometheus.Desc
	errors         *prometheus.Desc
	latencyAvg     *prometheus.Desc
	latencyMax     *prometheus.Desc
	routes         *prometheus.Desc
	cacheLookups   *prometheus.Desc
	poolBuffers    *prometheus.Desc
	poolLeased     *prometheus.Desc
	poolFailures   *prometheus.Desc
	activeFlows    *prometheus.Desc
}

// NewCollector creates a collector reading from backend.
func NewCollector(backend Backend) *Collector {
	desc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, labels, nil)
	}
	return &Collector{
		backend:        backend,
		processed:      desc("packets_processed_total", "Frames handed to the packet engine."),
		bytes:          desc("bytes_processed_total", "Bytes handed to the packet engine."),
		dropped:        desc("packets_dropped_total", "Dropped packets by reason.", "reason"),
		forwarded:      desc("packets_forwarded_total", "Packets routed or delivered locally."),
		routed:         desc("packets_routed_total", "Packets forwarded through a route."),
		local:          desc("packets_local_total", "Packets delivered to a local address."),
		routingControl: desc("routing_control_total", "Routing protocol control messages seen."),
		errors:         desc("errors_total", "Failures of data-plane components."),
		latencyAvg:     desc("latency_avg_seconds", "Average per-packet processing latency."),
		latencyMax:     desc("latency_max_seconds", "Maximum per-packet processing latency."),
		routes:         desc("routes", "Installed routes."),
		cacheLookups:   desc("route_cache_lookups_total", "Route lookups by cache result.", "result"),
		poolBuffers:    desc("pool_buffers", "Free buffers held by the pool."),
		poolLeased:     desc("pool_outstanding_buffers", "Buffers currently leased from the pool."),
		poolFailures:   desc("pool_failures_total", "Buffer requests refused by the pool."),
		activeFlows:    desc("active_flows", "Flows in the flow table."),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.processed, c.bytes, c.dropped, c.forwarded, c.routed, c.local, c.routingControl, c.errors,
		c.latencyAvg, c.latencyMax, c.routes, c.cacheLookups, c.poolBuffers, c.poolLeased, c.poolFailures,
		c.activeFlows,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.backend.MetricsSnapshot()
	counter := func(d *prometheus.Desc, v uint64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), labels...)
	}
	gauge := func(d *prometheus.Desc, v float64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v)
	}

	counter(c.processed, s.PacketsProcessed)
	counter(c.bytes, s.BytesProcessed)
	for i, v := range s.Drops {
		if reason := coremodel.DropReason(i); reason != coremodel.DropNone {
			counter(c.dropped, v, reason.String())
		}
	}
	counter(c.forwarded, s.PacketsForwarded)
	counter(c.routed, s.PacketsRouted)
	counter(c.local, s.PacketsLocal)
	counter(c.routingControl, s.RoutingControl)
	counter(c.errors, s.Errors)
	gauge(c.latencyAvg, float64(s.LatencyAvgNs)/1e9)
	gauge(c.latencyMax, float64(s.LatencyMaxNs)/1e9)

	rs := c.backend.RoutingStats()
	gauge(c.routes, float64(rs.Routes))
	counter(c.cacheLookups, rs.CacheHits, "hit")
	counter(c.cacheLookups, rs.CacheMisses, "miss")

	ps := c.backend.PoolStats()
	gauge(c.poolBuffers, float64(ps.PoolSize))
	gauge(c.poolLeased, float64(ps.Outstanding))
	counter(c.poolFailures, ps.Failures)

	gauge(c.activeFlows, float64(c.backend.ActiveFlowCount()))
}
