package sink

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"NetSimCore/internal/config"
	"NetSimCore/internal/factory"
	"NetSimCore/internal/model"
)

func init() {
	factory.RegisterWriter("nats", func(def config.WriterDef, logger *zap.Logger) (model.Writer, error) {
		return NewNATSWriter(def.NATS, def.SnapshotInterval, logger)
	})
}

// Publisher is the subset of *nats.Conn used by NATSWriter.
type Publisher interface {
	Publish(subject string, data []byte) error
	Drain() error
}

// NATSWriter publishes each report as a JSON message.
type NATSWriter struct {
	conn     Publisher
	subject  string
	interval time.Duration
	logger   *zap.Logger
}

// NewNATSWriter connects to the NATS server in cfg.
func NewNATSWriter(cfg config.NATSWriterConfig, interval time.Duration, logger *zap.Logger) (*NATSWriter, error) {
	if cfg.Subject == "" {
		return nil, errors.New("nats writer requires a subject")
	}
	nc, err := nats.Connect(cfg.URL, nats.Name("netsim-report-writer"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	logger.Info("Report writer connected to NATS", zap.String("url", cfg.URL), zap.String("subject", cfg.Subject))
	return newNATSWriter(nc, cfg.Subject, interval, logger), nil
}

func newNATSWriter(conn Publisher, subject string, interval time.Duration, logger *zap.Logger) *NATSWriter {
	return &NATSWriter{conn: conn, subject: subject, interval: interval, logger: logger.Named("nats")}
}

// GetInterval returns the configured snapshot interval for this writer.
func (w *NATSWriter) GetInterval() time.Duration {
	return w.interval
}

// Close drains pending messages and closes the connection.
func (w *NATSWriter) Close() error {
	return w.conn.Drain()
}

// Write publishes report to the configured subject.
func (w *NATSWriter) Write(report *model.Report) error {
	msg := struct {
		*model.Report
		Drops map[string]uint64 `json:"drops"`
	}{report, report.Metrics.DropsByReason()}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}
	if err := w.conn.Publish(w.subject, data); err != nil {
		return fmt.Errorf("failed to publish report: %w", err)
	}
	return nil
}
