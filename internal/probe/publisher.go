package probe

import (
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"NetSimCore/internal/config"
	"NetSimCore/internal/core/model"
)

// Publisher is responsible for publishing captured frames to a NATS subject.
type Publisher struct {
	nc      *nats.Conn
	subject string
	logger  *zap.Logger
}

// NewPublisher creates a new NATS publisher.
func NewPublisher(cfg config.ProbeConfig, logger *zap.Logger) (*Publisher, error) {
	nc, err := nats.Connect(cfg.NATSURL, nats.Name("netsim-probe"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	logger.Info("Connected to NATS server", zap.String("url", cfg.NATSURL), zap.String("subject", cfg.Subject))
	return &Publisher{nc: nc, subject: cfg.Subject, logger: logger.Named("publisher")}, nil
}

// Publish encodes a frame and publishes it to the configured subject.
func (p *Publisher) Publish(f model.Frame) error {
	data, err := MarshalFrame(f)
	if err != nil {
		return err
	}
	return p.nc.Publish(p.subject, data)
}

// Close drains and closes the NATS connection.
func (p *Publisher) Close() {
	if p.nc != nil {
		if err := p.nc.Drain(); err != nil {
			p.logger.Warn("Failed to drain NATS connection", zap.Error(err))
			return
		}
		p.logger.Info("NATS connection drained and closed.")
	}
}
