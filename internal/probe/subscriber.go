package probe

import (
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"NetSimCore/internal/config"
	"NetSimCore/internal/core/model"
)

// FrameHandler is a function that processes a received frame.
type FrameHandler func(f model.Frame)

// Subscriber is responsible for subscribing to a NATS subject and decoding frames.
type Subscriber struct {
	nc      *nats.Conn
	sub     *nats.Subscription
	subject string
	logger  *zap.Logger
	handler FrameHandler
}

// NewSubscriber creates a new NATS subscriber.
func NewSubscriber(cfg config.ProbeConfig, logger *zap.Logger) (*Subscriber, error) {
	nc, err := nats.Connect(cfg.NATSURL, nats.Name("netsim-router"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	logger.Info("Connected to NATS server", zap.String("url", cfg.NATSURL))
	return &Subscriber{nc: nc, subject: cfg.Subject, logger: logger.Named("subscriber")}, nil
}

// Start subscribes to the configured subject and hands every decoded frame to handler.
func (s *Subscriber) Start(handler FrameHandler) error {
	s.handler = handler
	sub, err := s.nc.Subscribe(s.subject, s.handleMsg)
	if err != nil {
		return fmt.Errorf("failed to subscribe to '%s': %w", s.subject, err)
	}
	s.sub = sub
	s.logger.Info("Subscribed, waiting for frames", zap.String("subject", s.subject))
	return nil
}

func (s *Subscriber) handleMsg(msg *nats.Msg) {
	f, err := UnmarshalFrame(msg.Data)
	if err != nil {
		s.logger.Warn("Discarding undecodable message", zap.String("subject", msg.Subject), zap.Error(err))
		return
	}
	s.handler(f)
}

// Close unsubscribes and closes the NATS connection.
func (s *Subscriber) Close() {
	if s.sub != nil {
		if err := s.sub.Unsubscribe(); err != nil {
			s.logger.Warn("Failed to unsubscribe", zap.Error(err))
		}
	}
	if s.nc != nil {
		s.nc.Close()
		s.logger.Info("NATS connection closed.")
	}
}
