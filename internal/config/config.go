package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"runtime"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"NetSimCore/internal/routing"
)

// LogConfig selects the logger level and encoding.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json or console
}

// RateLimitConfig bounds the packet rate accepted per ingress interface.
// A zero rate disables limiting.
type RateLimitConfig struct {
	PacketsPerSecond float64 `yaml:"packets_per_second"`
	Burst            int     `yaml:"burst"`
}

// EngineConfig holds the configuration of the packet engine and its workers.
type EngineConfig struct {
	NumWorkers          int             `yaml:"num_workers"`
	SizeOfPacketChannel int             `yaml:"size_of_packet_channel"`
	LocalAddresses      []string        `yaml:"local_addresses"`
	FlowIdleTimeout     time.Duration   `yaml:"flow_idle_timeout"`
	SweepInterval       time.Duration   `yaml:"sweep_interval"`
	NumFlowShards       uint32          `yaml:"num_flow_shards"`
	RateLimit           RateLimitConfig `yaml:"rate_limit"`
}

// RouteDef defines a single static route from the config file.
type RouteDef struct {
	Network       string `yaml:"network"`
	NextHop       string `yaml:"next_hop"`
	Interface     string `yaml:"interface"`
	Metric        uint32 `yaml:"metric"`
	AdminDistance uint8  `yaml:"admin_distance"`
}

// CacheConfig toggles the destination route cache.
type CacheConfig struct {
	Enabled bool `yaml:"enabled"`
	Size    int  `yaml:"size"`
}

// RoutingConfig holds the route cache policy and the static routes.
type RoutingConfig struct {
	Cache  CacheConfig `yaml:"cache"`
	Routes []RouteDef  `yaml:"routes"`
}

// PoolConfig sizes the packet buffer pool.
type PoolConfig struct {
	MaxBuffers      int           `yaml:"max_buffers"`
	BufferSize      int           `yaml:"buffer_size"`
	MaxBufferSize   int           `yaml:"max_buffer_size"`
	MaxOutstanding  int           `yaml:"max_outstanding"`
	MaxAge          time.Duration `yaml:"max_age"`
	MaxIdle         time.Duration `yaml:"max_idle"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// ClickHouseConfig holds the connection details for ClickHouse.
type ClickHouseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// FileWriterConfig configures the on-disk report writer.
type FileWriterConfig struct {
	RootPath string `yaml:"root_path"`
}

// NATSWriterConfig configures the report publisher.
type NATSWriterConfig struct {
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
}

// WriterDef defines a single report writer.
type WriterDef struct {
	Type             string           `yaml:"type"` // clickhouse, file or nats
	Enabled          bool             `yaml:"enabled"`
	SnapshotInterval time.Duration    `yaml:"snapshot_interval"`
	ClickHouse       ClickHouseConfig `yaml:"clickhouse"`
	File             FileWriterConfig `yaml:"file"`
	NATS             NATSWriterConfig `yaml:"nats"`
}

// ProbeConfig holds the capture and frame transport settings.
type ProbeConfig struct {
	Enabled     bool   `yaml:"enabled"`
	NATSURL     string `yaml:"nats_url"`
	Subject     string `yaml:"subject"`
	Interface   string `yaml:"interface"`
	SnapLen     int32  `yaml:"snap_len"`
	Promiscuous bool   `yaml:"promiscuous"`
	// RecordPath, when set, makes the probe also write captured frames to
	// a pcap file in this directory.
	RecordPath string `yaml:"record_path"`
}

// HistoryConfig enables the ClickHouse-backed history endpoints.
type HistoryConfig struct {
	Enabled    bool             `yaml:"enabled"`
	ClickHouse ClickHouseConfig `yaml:"clickhouse"`
}

// APIConfig holds the admin API listen addresses.
type APIConfig struct {
	HTTPListenAddr string        `yaml:"http_listen_addr"`
	GRPCListenAddr string        `yaml:"grpc_listen_addr"`
	History        HistoryConfig `yaml:"history"`
}

// AlerterRule defines a threshold on a metrics snapshot field.
type AlerterRule struct {
	Name      string  `yaml:"name"`
	Metric    string  `yaml:"metric"`
	Operator  string  `yaml:"operator"`
	Threshold float64 `yaml:"threshold"`
}

// AlerterConfig holds the alerter settings.
type AlerterConfig struct {
	Enabled       bool          `yaml:"enabled"`
	CheckInterval time.Duration `yaml:"check_interval"`
	Notifier      string        `yaml:"notifier"` // email or log
	Rules         []AlerterRule `yaml:"rules"`
}

// SMTPConfig holds the mail server settings for email notifications.
type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
	To       string `yaml:"to"` // comma separated
}

// Config is the top-level configuration struct for the entire application.
type Config struct {
	Log     LogConfig     `yaml:"log"`
	Engine  EngineConfig  `yaml:"engine"`
	Routing RoutingConfig `yaml:"routing"`
	Pool    PoolConfig    `yaml:"pool"`
	Writers []WriterDef   `yaml:"writers"`
	Probe   ProbeConfig   `yaml:"probe"`
	API     APIConfig     `yaml:"api"`
	Alerter AlerterConfig `yaml:"alerter"`
	SMTP    SMTPConfig    `yaml:"smtp"`
}

// LoadConfig reads the configuration from a YAML file, applies defaults and
// validates it.
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML document into a validated Config.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config YAML: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Default returns a configuration usable without a file.
func Default() *Config {
	cfg := &Config{
		Routing: RoutingConfig{Cache: CacheConfig{Enabled: true}},
	}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Engine.NumWorkers <= 0 {
		c.Engine.NumWorkers = runtime.NumCPU()
	}
	if c.Engine.SizeOfPacketChannel <= 0 {
		c.Engine.SizeOfPacketChannel = 1024
	}
	if c.Engine.FlowIdleTimeout <= 0 {
		c.Engine.FlowIdleTimeout = 300 * time.Second
	}
	if c.Engine.SweepInterval <= 0 {
		c.Engine.SweepInterval = 10 * time.Second
	}
	if c.Pool.MaxBuffers <= 0 {
		c.Pool.MaxBuffers = 1000
	}
	if c.Pool.BufferSize <= 0 {
		c.Pool.BufferSize = 1500
	}
	if c.Pool.MaxAge <= 0 {
		c.Pool.MaxAge = 300 * time.Second
	}
	if c.Pool.MaxIdle <= 0 {
		c.Pool.MaxIdle = 60 * time.Second
	}
	if c.Pool.CleanupInterval <= 0 {
		c.Pool.CleanupInterval = 30 * time.Second
	}
	for i := range c.Writers {
		if c.Writers[i].SnapshotInterval <= 0 {
			c.Writers[i].SnapshotInterval = 10 * time.Second
		}
	}
	if c.Probe.Subject == "" {
		c.Probe.Subject = "netsim.frames"
	}
	if c.Probe.SnapLen <= 0 {
		c.Probe.SnapLen = 65535
	}
	if c.Alerter.CheckInterval <= 0 {
		c.Alerter.CheckInterval = time.Minute
	}
	if c.Alerter.Notifier == "" {
		c.Alerter.Notifier = "log"
	}
}

// Validate checks the configuration and reports every problem found.
func (c *Config) Validate() error {
	var errs []error
	switch strings.ToLower(c.Log.Format) {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("log.format %q is not json or console", c.Log.Format))
	}
	if _, err := c.StaticRoutes(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.LocalAddrs(); err != nil {
		errs = append(errs, err)
	}
	if c.Engine.RateLimit.PacketsPerSecond < 0 {
		errs = append(errs, errors.New("engine.rate_limit.packets_per_second must not be negative"))
	}
	if c.Pool.MaxBufferSize > 0 && c.Pool.MaxBufferSize < c.Pool.BufferSize {
		errs = append(errs, fmt.Errorf("pool.max_buffer_size %d is below pool.buffer_size %d",
			c.Pool.MaxBufferSize, c.Pool.BufferSize))
	}
	for i, w := range c.Writers {
		switch w.Type {
		case "clickhouse", "file", "nats":
		default:
			errs = append(errs, fmt.Errorf("writers[%d]: unknown type %q", i, w.Type))
		}
	}
	for i, r := range c.Alerter.Rules {
		switch r.Operator {
		case ">", ">=", "<", "<=", "==":
		default:
			errs = append(errs, fmt.Errorf("alerter.rules[%d]: unknown operator %q", i, r.Operator))
		}
	}
	return errors.Join(errs...)
}

// StaticRoutes parses the configured routes.
func (c *Config) StaticRoutes() ([]routing.Route, error) {
	routes := make([]routing.Route, 0, len(c.Routing.Routes))
	for i, def := range c.Routing.Routes {
		r, err := routing.ParseRoute(def.Network, def.NextHop, def.Interface, def.Metric)
		if err != nil {
			return nil, fmt.Errorf("routing.routes[%d]: %w", i, err)
		}
		if def.AdminDistance != 0 {
			r.AdminDistance = def.AdminDistance
		}
		routes = append(routes, r)
	}
	return routes, nil
}

// LocalAddrs parses the configured local interface addresses.
func (c *Config) LocalAddrs() ([]netip.Addr, error) {
	addrs := make([]netip.Addr, 0, len(c.Engine.LocalAddresses))
	for i, s := range c.Engine.LocalAddresses {
		addr, err := netip.ParseAddr(strings.TrimSpace(s))
		if err != nil {
			return nil, fmt.Errorf("engine.local_addresses[%d]: %w", i, err)
		}
		addrs = append(addrs, addr)
	}
	return addrs, nil
}
