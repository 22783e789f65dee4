// Package api exposes the router's control and observation surface over
// HTTP (JSON and Prometheus) and gRPC.
package api

import (
	"net/netip"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"NetSimCore/internal/engine/flowtable"
	"NetSimCore/internal/mempool"
	"NetSimCore/internal/metrics"
	"NetSimCore/internal/query"
	"NetSimCore/internal/routing"
)

// Backend is the router state served by the API. *manager.Manager implements it.
type Backend interface {
	MetricsSnapshot() metrics.Snapshot
	RoutingStats() routing.Stats
	PoolStats() mempool.Stats
	Routes() []routing.Route
	ActiveFlows() []flowtable.Flow
	ActiveFlowCount() int
	LookupRoute(dst netip.Addr) (routing.Route, bool)
	AddRoute(r routing.Route) (bool, error)
	RemoveRoute(prefix netip.Prefix) bool
}

// Server holds the dependencies shared by the HTTP and gRPC front ends.
type Server struct {
	backend  Backend
	querier  query.Querier // nil when history is disabled
	logger   *zap.Logger
	registry *prometheus.Registry
}

// NewServer creates a Server. querier may be nil.
func NewServer(backend Backend, querier query.Querier, logger *zap.Logger) *Server {
	reg := prometheus.NewRegistry()
	reg.MustRegister(NewCollector(backend))
	return &Server{
		backend:  backend,
		querier:  querier,
		logger:   logger.Named("api"),
		registry: reg,
	}
}

// Registry returns the Prometheus registry served on /metrics.
func (s *Server) Registry() *prometheus.Registry { return s.registry }

// RouteRequest is the body of a route installation request.
type RouteRequest struct {
	Prefix        string `json:"prefix"`
	NextHop       string `json:"next_hop"`
	Interface     string `json:"interface"`
	Metric        uint32 `json:"metric"`
	AdminDistance uint8  `json:"admin_distance"`
}

// Route validates the request and builds the route it describes.
func (req RouteRequest) Route() (routing.Route, error) {
	r, err := routing.ParseRoute(req.Prefix, req.NextHop, req.Interface, req.Metric)
	if err != nil {
		return routing.Route{}, err
	}
	if req.AdminDistance != 0 {
		r.AdminDistance = req.AdminDistance
	}
	return r, nil
}
