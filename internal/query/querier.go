package query

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"NetSimCore/internal/config"
	"NetSimCore/internal/sink"
)

// ErrBadRequest marks requests rejected before reaching the database.
var ErrBadRequest = errors.New("bad query request")

const (
	defaultHistoryLimit = 100
	maxHistoryLimit     = 10000
)

// MetricsHistoryRequest selects persisted metrics rows.
type MetricsHistoryRequest struct {
	Since time.Time
	Until time.Time
	Limit int
}

// MetricsPoint is one persisted metrics row.
type MetricsPoint struct {
	Timestamp        time.Time `json:"timestamp"`
	PacketsProcessed uint64    `json:"packets_processed"`
	PacketsDropped   uint64    `json:"packets_dropped"`
	PacketsForwarded uint64    `json:"packets_forwarded"`
	BytesProcessed   uint64    `json:"bytes_processed"`
	Errors           uint64    `json:"errors"`
	LatencyAvgNs     uint64    `json:"latency_avg_ns"`
	PacketsPerSecond float64   `json:"packets_per_second"`
	ActiveFlows      uint64    `json:"active_flows"`
}

// TraceFlowRequest identifies a flow by any subset of its five-tuple fields:
// SrcIP, DstIP, SrcPort, DstPort and Protocol.
type TraceFlowRequest struct {
	FlowKeys map[string]string `json:"flow_keys"`
	EndTime  time.Time         `json:"end_time"`
}

// FlowLifecycle summarizes every record of a flow.
type FlowLifecycle struct {
	FirstSeen    time.Time `json:"first_seen"`
	LastSeen     time.Time `json:"last_seen"`
	TotalPackets uint64    `json:"total_packets"`
	TotalBytes   uint64    `json:"total_bytes"`
	Evicted      bool      `json:"evicted"`
}

// Querier defines the interface for querying persisted router data.
type Querier interface {
	MetricsHistory(ctx context.Context, req MetricsHistoryRequest) ([]MetricsPoint, error)
	TraceFlow(ctx context.Context, req TraceFlowRequest) (*FlowLifecycle, error)
	Close() error
}

// clickhouseQuerier implements the Querier interface for ClickHouse.
type clickhouseQuerier struct {
	conn driver.Conn
}

// NewClickHouseQuerier creates a new querier for ClickHouse.
func NewClickHouseQuerier(cfg config.ClickHouseConfig) (Querier, error) {
	conn, err := sink.Connect(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to clickhouse: %w", err)
	}
	return &clickhouseQuerier{conn: conn}, nil
}

func (q *clickhouseQuerier) Close() error {
	return q.conn.Close()
}

// MetricsHistory returns the newest metrics rows first.
func (q *clickhouseQuerier) MetricsHistory(ctx context.Context, req MetricsHistoryRequest) ([]MetricsPoint, error) {
	query, args := buildMetricsQuery(req)
	rows, err := q.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to execute query: %w", err)
	}
	defer rows.Close()

	var points []MetricsPoint
	for rows.Next() {
		var p MetricsPoint
		if err := rows.Scan(&p.Timestamp, &p.PacketsProcessed, &p.PacketsDropped, &p.PacketsForwarded,
			&p.BytesProcessed, &p.Errors, &p.LatencyAvgNs, &p.PacketsPerSecond, &p.ActiveFlows); err != nil {
			return nil, fmt.Errorf("failed to scan metrics row: %w", err)
		}
		points = append(points, p)
	}
	return points, rows.Err()
}

// TraceFlow executes a query to trace the lifecycle of a single flow.
func (q *clickhouseQuerier) TraceFlow(ctx context.Context, req TraceFlowRequest) (*FlowLifecycle, error) {
	query, args, err := buildTraceQuery(req)
	if err != nil {
		return nil, err
	}

	var result FlowLifecycle
	var evicted uint64
	row := q.conn.QueryRow(ctx, query, args...)
	if err := row.Scan(&result.FirstSeen, &result.LastSeen, &result.TotalPackets, &result.TotalBytes, &evicted); err != nil {
		return nil, fmt.Errorf("failed to scan flow lifecycle result: %w", err)
	}
	result.Evicted = evicted > 0
	return &result, nil
}

func buildMetricsQuery(req MetricsHistoryRequest) (string, []any) {
	var b strings.Builder
	b.WriteString(`
		SELECT
			Timestamp, PacketsProcessed, PacketsDropped, PacketsForwarded,
			BytesProcessed, Errors, LatencyAvgNs, PacketsPerSecond, ActiveFlows
		FROM router_metrics`)

	var where []string
	var args []any
	if !req.Since.IsZero() {
		where = append(where, "Timestamp >= ?")
		args = append(args, req.Since)
	}
	if !req.Until.IsZero() {
		where = append(where, "Timestamp <= ?")
		args = append(args, req.Until)
	}
	if len(where) > 0 {
		b.WriteString(" WHERE " + strings.Join(where, " AND "))
	}

	limit := req.Limit
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	b.WriteString(" ORDER BY Timestamp DESC LIMIT " + strconv.Itoa(limit))
	return b.String(), args
}

func buildTraceQuery(req TraceFlowRequest) (string, []any, error) {
	if len(req.FlowKeys) == 0 {
		return "", nil, fmt.Errorf("%w: at least one flow key is required", ErrBadRequest)
	}

	var b strings.Builder
	b.WriteString(`
		SELECT
			min(FirstSeen) AS FirstSeen,
			max(LastSeen) AS LastSeen,
			max(PacketCount) AS TotalPackets,
			max(ByteCount) AS TotalBytes,
			countIf(Status = 'evicted') AS Evictions
		FROM flow_records`)

	keys := make([]string, 0, len(req.FlowKeys))
	for k := range req.FlowKeys {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var where []string
	var args []any
	for _, key := range keys {
		value := strings.TrimSpace(req.FlowKeys[key])
		var arg any
		switch key {
		case "SrcIP", "DstIP":
			addr, err := netip.ParseAddr(value)
			if err != nil {
				return "", nil, fmt.Errorf("%w: %s: %v", ErrBadRequest, key, err)
			}
			arg = addr.String()
		case "SrcPort", "DstPort":
			port, err := strconv.ParseUint(value, 10, 16)
			if err != nil {
				return "", nil, fmt.Errorf("%w: %s: %v", ErrBadRequest, key, err)
			}
			arg = uint16(port)
		case "Protocol":
			proto, err := strconv.ParseUint(value, 10, 8)
			if err != nil {
				return "", nil, fmt.Errorf("%w: %s: %v", ErrBadRequest, key, err)
			}
			arg = uint8(proto)
		default:
			return "", nil, fmt.Errorf("%w: unsupported flow key %q, only SrcIP, DstIP, SrcPort, DstPort, Protocol are allowed",
				ErrBadRequest, key)
		}
		where = append(where, key+" = ?")
		args = append(args, arg)
	}
	if !req.EndTime.IsZero() {
		where = append(where, "Timestamp <= ?")
		args = append(args, req.EndTime)
	}
	b.WriteString(" WHERE " + strings.Join(where, " AND "))
	return b.String(), args, nil
}
