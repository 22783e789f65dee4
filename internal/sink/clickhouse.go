package sink

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"

	"NetSimCore/internal/config"
	coremodel "NetSimCore/internal/core/model"
	"NetSimCore/internal/engine/flowtable"
	"NetSimCore/internal/factory"
	"NetSimCore/internal/model"
	"NetSimCore/internal/routing"
)

func init() {
	factory.RegisterWriter("clickhouse", func(def config.WriterDef, logger *zap.Logger) (model.Writer, error) {
		return NewClickHouseWriter(def.ClickHouse, def.SnapshotInterval, logger)
	})
}

var createTableStatements = []string{`
CREATE TABLE IF NOT EXISTS router_metrics (
    Timestamp              DateTime64(3),
    PacketsProcessed       UInt64,
    PacketsDropped         UInt64,
    PacketsForwarded       UInt64,
    PacketsRouted          UInt64,
    PacketsLocal           UInt64,
    BytesProcessed         UInt64,
    RoutingControl         UInt64,
    Errors                 UInt64,
    DropsMalformed         UInt64,
    DropsNoRoute           UInt64,
    DropsUnsupported       UInt64,
    DropsRateLimited       UInt64,
    DropsResourceExhausted UInt64,
    DropsInternalError     UInt64,
    LatencyAvgNs           UInt64,
    LatencyMinNs           UInt64,
    LatencyMaxNs           UInt64,
    PacketsPerSecond       Float64,
    BytesPerSecond         Float64,
    ActiveFlows            UInt64,
    RouteCount             UInt64,
    CacheHitRate           Float64,
    PoolSize               UInt64,
    PoolUtilization        Float64
) ENGINE = MergeTree()
PARTITION BY toYYYYMM(Timestamp)
ORDER BY Timestamp
TTL toDateTime(Timestamp) + INTERVAL 30 DAY;
`, `
ALTER TABLE router_metrics
    ADD COLUMN IF NOT EXISTS DropsResourceExhausted UInt64 AFTER DropsRateLimited,
    ADD COLUMN IF NOT EXISTS DropsInternalError UInt64 AFTER DropsResourceExhausted;
`, `
CREATE TABLE IF NOT EXISTS flow_records (
    Timestamp    DateTime64(3),
    Status       LowCardinality(String),
    SrcIP        String,
    DstIP        String,
    SrcPort      UInt16,
    DstPort      UInt16,
    Protocol     UInt8,
    Ingress      String,
    Application  LowCardinality(String),
    TrafficClass LowCardinality(String),
    DSCP         UInt8,
    FirstSeen    DateTime64(3),
    LastSeen     DateTime64(3),
    PacketCount  UInt64,
    ByteCount    UInt64
) ENGINE = MergeTree()
PARTITION BY toYYYYMM(Timestamp)
ORDER BY (SrcIP, DstIP, SrcPort, DstPort, Protocol, Timestamp)
TTL toDateTime(Timestamp) + INTERVAL 30 DAY;
`, `
CREATE TABLE IF NOT EXISTS route_records (
    Timestamp     DateTime64(3),
    Prefix        String,
    NextHop       String,
    Interface     String,
    Metric        UInt32,
    AdminDistance UInt8,
    Protocol      LowCardinality(String)
) ENGINE = MergeTree()
PARTITION BY toYYYYMM(Timestamp)
ORDER BY (Prefix, Timestamp)
TTL toDateTime(Timestamp) + INTERVAL 30 DAY;
`}

const (
	flowStatusActive  = "active"
	flowStatusEvicted = "evicted"
	writeTimeout      = 30 * time.Second
)

// ClickHouseWriter implements the model.Writer interface for ClickHouse.
type ClickHouseWriter struct {
	conn     driver.Conn
	interval time.Duration
	logger   *zap.Logger
}

// NewClickHouseWriter connects to ClickHouse and ensures the tables exist.
func NewClickHouseWriter(cfg config.ClickHouseConfig, interval time.Duration, logger *zap.Logger) (*ClickHouseWriter, error) {
	conn, err := Connect(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to clickhouse: %w", err)
	}

	for _, stmt := range createTableStatements {
		if err := conn.Exec(context.Background(), stmt); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to create table: %w", err)
		}
	}
	logger.Info("Successfully connected to ClickHouse and ensured tables exist.",
		zap.String("host", cfg.Host), zap.Int("port", cfg.Port))

	return &ClickHouseWriter{conn: conn, interval: interval, logger: logger.Named("clickhouse")}, nil
}

// Connect opens and pings a ClickHouse connection.
func Connect(cfg config.ClickHouseConfig) (driver.Conn, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
	})
	if err != nil {
		return nil, err
	}

	if err := conn.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to ping clickhouse: %w", err)
	}
	return conn, nil
}

// GetInterval returns the configured snapshot interval for this writer.
func (w *ClickHouseWriter) GetInterval() time.Duration {
	return w.interval
}

// Close closes the connection.
func (w *ClickHouseWriter) Close() error {
	return w.conn.Close()
}

// Write inserts the report into router_metrics, flow_records and route_records.
func (w *ClickHouseWriter) Write(report *model.Report) error {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	if err := w.insert(ctx, "INSERT INTO router_metrics", [][]any{metricsRow(report)}); err != nil {
		return err
	}

	flows := make([][]any, 0, len(report.Flows)+len(report.Evicted))
	for _, f := range report.Flows {
		flows = append(flows, flowRow(report.Timestamp, flowStatusActive, f))
	}
	for _, f := range report.Evicted {
		flows = append(flows, flowRow(report.Timestamp, flowStatusEvicted, f))
	}
	if err := w.insert(ctx, "INSERT INTO flow_records", flows); err != nil {
		return err
	}

	routes := make([][]any, 0, len(report.Routes))
	for _, r := range report.Routes {
		routes = append(routes, routeRow(report.Timestamp, r))
	}
	if err := w.insert(ctx, "INSERT INTO route_records", routes); err != nil {
		return err
	}

	w.logger.Debug("Wrote report to ClickHouse",
		zap.Int("flows", len(report.Flows)), zap.Int("evicted", len(report.Evicted)), zap.Int("routes", len(report.Routes)))
	return nil
}

func (w *ClickHouseWriter) insert(ctx context.Context, query string, rows [][]any) error {
	if len(rows) == 0 {
		return nil
	}
	batch, err := w.conn.PrepareBatch(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}
	for _, row := range rows {
		if err := batch.Append(row...); err != nil {
			batch.Abort()
			return fmt.Errorf("failed to append row to batch: %w", err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send batch: %w", err)
	}
	return nil
}

func metricsRow(r *model.Report) []any {
	m := r.Metrics
	return []any{
		r.Timestamp,
		m.PacketsProcessed,
		m.PacketsDropped,
		m.PacketsForwarded,
		m.PacketsRouted,
		m.PacketsLocal,
		m.BytesProcessed,
		m.RoutingControl,
		m.Errors,
		m.Drops[coremodel.DropMalformed],
		m.Drops[coremodel.DropNoRoute],
		m.Drops[coremodel.DropUnsupported],
		m.Drops[coremodel.DropRateLimited],
		m.Drops[coremodel.DropResourceExhausted],
		m.Drops[coremodel.DropInternalError],
		m.LatencyAvgNs,
		m.LatencyMinNs,
		m.LatencyMaxNs,
		m.PacketsPerSecond,
		m.BytesPerSecond,
		uint64(len(r.Flows)),
		uint64(r.Routing.Routes),
		r.Routing.HitRate(),
		uint64(r.Pool.PoolSize),
		r.Pool.Utilization(),
	}
}

func flowRow(ts time.Time, status string, f flowtable.Flow) []any {
	return []any{
		ts,
		status,
		f.Key.SrcIP.String(),
		f.Key.DstIP.String(),
		f.Key.SrcPort,
		f.Key.DstPort,
		f.Key.Protocol,
		f.Ingress,
		f.Application,
		f.TrafficClass,
		f.DSCP,
		f.FirstSeen,
		f.LastSeen,
		f.PacketCount,
		f.ByteCount,
	}
}

func routeRow(ts time.Time, r routing.Route) []any {
	return []any{
		ts,
		r.Prefix.String(),
		r.NextHop.String(),
		r.Interface,
		r.Metric,
		r.AdminDistance,
		r.Protocol,
	}
}
