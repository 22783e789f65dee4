package stream

import (
	"errors"

	"go.uber.org/zap"

	"NetSimCore/internal/config"
	"NetSimCore/internal/core/model"
	"NetSimCore/internal/engine/manager"
	"NetSimCore/internal/probe"
)

// Source delivers frames from a transport.
type Source interface {
	Start(handler probe.FrameHandler) error
	Close()
}

// Ingest consumes frames published by probes and feeds them to a Manager.
type Ingest struct {
	source  Source
	manager *manager.Manager
	logger  *zap.Logger
}

// New connects to the NATS server configured in cfg.Probe.
func New(cfg *config.Config, mgr *manager.Manager, logger *zap.Logger) (*Ingest, error) {
	sub, err := probe.NewSubscriber(cfg.Probe, logger)
	if err != nil {
		return nil, err
	}
	return NewWithSource(sub, mgr, logger), nil
}

// NewWithSource creates an ingest reading from src.
func NewWithSource(src Source, mgr *manager.Manager, logger *zap.Logger) *Ingest {
	return &Ingest{source: src, manager: mgr, logger: logger.Named("stream")}
}

// Start starts the underlying manager and begins consuming frames.
func (in *Ingest) Start() error {
	// The manager starts its own worker pool and snapshotters.
	in.manager.Start()
	if err := in.source.Start(in.handleFrame); err != nil {
		return err
	}
	in.logger.Info("Stream ingest started")
	return nil
}

// Stop closes the source, then stops the manager, which drains the workers
// and writes a final report.
func (in *Ingest) Stop() {
	in.logger.Info("Stream ingest stopping...")
	in.source.Close()
	in.manager.Stop()
	in.logger.Info("Stream ingest stopped.")
}

func (in *Ingest) handleFrame(f model.Frame) {
	if err := in.manager.Submit(f); err != nil {
		if errors.Is(err, manager.ErrStopped) {
			return
		}
		in.logger.Warn("Failed to submit frame", zap.Error(err))
	}
}
