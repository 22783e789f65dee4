package sink

import (
	"encoding/gob"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"NetSimCore/internal/config"
	"NetSimCore/internal/engine/flowtable"
	"NetSimCore/internal/factory"
	"NetSimCore/internal/mempool"
	"NetSimCore/internal/metrics"
	"NetSimCore/internal/model"
	"NetSimCore/internal/routing"
)

func init() {
	factory.RegisterWriter("file", func(def config.WriterDef, logger *zap.Logger) (model.Writer, error) {
		return NewFileWriter(def.File.RootPath, def.SnapshotInterval, logger)
	})
}

// TimestampLayout names the per-report directories.
const TimestampLayout = "2006-01-02_15-04-05.000"

// Summary is the JSON document written next to the gob-encoded flows.
type Summary struct {
	Timestamp    string            `json:"timestamp"`
	Metrics      metrics.Snapshot  `json:"metrics"`
	Drops        map[string]uint64 `json:"drops"`
	Routing      routing.Stats     `json:"routing"`
	Pool         mempool.Stats     `json:"pool"`
	ActiveFlows  int               `json:"active_flows"`
	EvictedFlows int               `json:"evicted_flows"`
	TotalBytes   uint64            `json:"total_bytes"`
	TotalPackets uint64            `json:"total_packets"`
}

// FileWriter writes each report to its own timestamped directory: gob files
// for the flows and JSON for the summary and routes.
type FileWriter struct {
	rootPath string
	interval time.Duration
	logger   *zap.Logger
}

// NewFileWriter creates a writer rooted at rootPath.
func NewFileWriter(rootPath string, interval time.Duration, logger *zap.Logger) (*FileWriter, error) {
	if rootPath == "" {
		return nil, errors.New("file writer requires a root_path")
	}
	if err := os.MkdirAll(rootPath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create root directory: %w", err)
	}
	return &FileWriter{rootPath: rootPath, interval: interval, logger: logger.Named("file")}, nil
}

// GetInterval returns the configured snapshot interval for this writer.
func (w *FileWriter) GetInterval() time.Duration {
	return w.interval
}

// Close is a no-op.
func (w *FileWriter) Close() error { return nil }

// Write persists report under <root>/<timestamp>/.
func (w *FileWriter) Write(report *model.Report) error {
	dir := filepath.Join(w.rootPath, report.Timestamp.UTC().Format(TimestampLayout))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create snapshot directory: %w", err)
	}

	if len(report.Flows) > 0 {
		if err := writeGob(filepath.Join(dir, "flows.dat"), report.Flows); err != nil {
			return err
		}
	}
	if len(report.Evicted) > 0 {
		if err := writeGob(filepath.Join(dir, "evicted.dat"), report.Evicted); err != nil {
			return err
		}
	}
	if err := writeJSON(filepath.Join(dir, "routes.json"), report.Routes); err != nil {
		return err
	}

	summary := Summary{
		Timestamp:    report.Timestamp.UTC().Format(time.RFC3339Nano),
		Metrics:      report.Metrics,
		Drops:        report.Metrics.DropsByReason(),
		Routing:      report.Routing,
		Pool:         report.Pool,
		ActiveFlows:  len(report.Flows),
		EvictedFlows: len(report.Evicted),
	}
	for _, f := range report.Flows {
		summary.TotalBytes += f.ByteCount
		summary.TotalPackets += f.PacketCount
	}
	if err := writeJSON(filepath.Join(dir, "summary.json"), summary); err != nil {
		return err
	}

	w.logger.Debug("Wrote report to disk", zap.String("dir", dir))
	return nil
}

// ReadFlows decodes a flows.dat or evicted.dat file.
func ReadFlows(path string) ([]flowtable.Flow, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open flow file '%s': %w", path, err)
	}
	defer file.Close()

	var flows []flowtable.Flow
	if err := gob.NewDecoder(file).Decode(&flows); err != nil {
		return nil, fmt.Errorf("failed to decode flows from '%s': %w", path, err)
	}
	return flows, nil
}

func writeGob(path string, flows []flowtable.Flow) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create snapshot file '%s': %w", path, err)
	}
	defer file.Close()

	if err := gob.NewEncoder(file).Encode(flows); err != nil {
		return fmt.Errorf("failed to encode flows to gob for file '%s': %w", path, err)
	}
	return file.Close()
}

func writeJSON(path string, v any) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create file '%s': %w", path, err)
	}
	defer file.Close()

	enc := json.NewEncoder(file)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to encode json for file '%s': %w", path, err)
	}
	return file.Close()
}
