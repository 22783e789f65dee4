package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/netip"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"NetSimCore/internal/mempool"
	"NetSimCore/internal/metrics"
	"NetSimCore/internal/query"
	"NetSimCore/internal/routing"
)

// MetricsResponse is the body of GET /api/v1/metrics.
type MetricsResponse struct {
	Metrics  metrics.Snapshot  `json:"metrics"`
	Drops    map[string]uint64 `json:"drops"`
	DropRate float64           `json:"drop_rate"`
	Routing  routing.Stats     `json:"routing"`
	Pool     mempool.Stats     `json:"pool"`
}

// AddRouteResponse is the body of POST /api/v1/routes.
type AddRouteResponse struct {
	Installed bool          `json:"installed"`
	Route     routing.Route `json:"route"`
}

// Handler returns the HTTP API.
func (s *Server) Handler() http.Handler {
	// Registered on the root router so a method mismatch answers 405.
	r := mux.NewRouter()
	r.HandleFunc("/api/v1/metrics", s.metricsHandler).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/routes", s.listRoutesHandler).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/routes", s.addRouteHandler).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/routes", s.removeRouteHandler).Methods(http.MethodDelete)
	r.HandleFunc("/api/v1/routes/lookup/{addr}", s.lookupRouteHandler).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/flows", s.flowsHandler).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/pool", s.poolHandler).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/history/metrics", s.metricsHistoryHandler).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/history/flows/trace", s.traceFlowHandler).Methods(http.MethodPost)
	r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	return r
}

func (s *Server) metricsHandler(w http.ResponseWriter, r *http.Request) {
	snap := s.backend.MetricsSnapshot()
	s.writeJSON(w, http.StatusOK, MetricsResponse{
		Metrics:  snap,
		Drops:    snap.DropsByReason(),
		DropRate: snap.DropRate(),
		Routing:  s.backend.RoutingStats(),
		Pool:     s.backend.PoolStats(),
	})
}

func (s *Server) listRoutesHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.backend.Routes())
}

func (s *Server) addRouteHandler(w http.ResponseWriter, r *http.Request) {
	var req RouteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "failed to decode request: "+err.Error())
		return
	}
	route, err := req.Route()
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	installed, err := s.backend.AddRoute(route)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, routing.ErrInvalidRoute) {
			status = http.StatusBadRequest
		}
		s.writeError(w, status, err.Error())
		return
	}
	status := http.StatusOK
	if installed {
		status = http.StatusCreated
	}
	s.writeJSON(w, status, AddRouteResponse{Installed: installed, Route: route})
}

func (s *Server) removeRouteHandler(w http.ResponseWriter, r *http.Request) {
	prefix, err := netip.ParsePrefix(r.URL.Query().Get("prefix"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid prefix: "+err.Error())
		return
	}
	if !s.backend.RemoveRoute(prefix.Masked()) {
		s.writeError(w, http.StatusNotFound, "no route for "+prefix.Masked().String())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) lookupRouteHandler(w http.ResponseWriter, r *http.Request) {
	addr, err := netip.ParseAddr(mux.Vars(r)["addr"])
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid address: "+err.Error())
		return
	}
	route, ok := s.backend.LookupRoute(addr)
	if !ok {
		s.writeError(w, http.StatusNotFound, "no route to "+addr.String())
		return
	}
	s.writeJSON(w, http.StatusOK, route)
}

func (s *Server) flowsHandler(w http.ResponseWriter, r *http.Request) {
	flows := s.backend.ActiveFlows()
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			s.writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		if limit < len(flows) {
			flows = flows[:limit]
		}
	}
	s.writeJSON(w, http.StatusOK, flows)
}

func (s *Server) poolHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.backend.PoolStats())
}

func (s *Server) metricsHistoryHandler(w http.ResponseWriter, r *http.Request) {
	if s.querier == nil {
		s.writeError(w, http.StatusServiceUnavailable, "history is not enabled")
		return
	}
	var req query.MetricsHistoryRequest
	q := r.URL.Query()
	for name, dst := range map[string]*time.Time{"since": &req.Since, "until": &req.Until} {
		if v := q.Get(name); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				s.writeError(w, http.StatusBadRequest, "invalid "+name+": "+err.Error())
				return
			}
			*dst = t
		}
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		req.Limit = limit
	}

	points, err := s.querier.MetricsHistory(r.Context(), req)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to query metrics: "+err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, points)
}

func (s *Server) traceFlowHandler(w http.ResponseWriter, r *http.Request) {
	if s.querier == nil {
		s.writeError(w, http.StatusServiceUnavailable, "history is not enabled")
		return
	}
	var req query.TraceFlowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "failed to decode request: "+err.Error())
		return
	}
	resp, err := s.querier.TraceFlow(r.Context(), req)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, query.ErrBadRequest) {
			status = http.StatusBadRequest
		}
		s.writeError(w, status, "failed to trace flow: "+err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("Failed to write response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
