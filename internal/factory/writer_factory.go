package factory

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"NetSimCore/internal/config"
	"NetSimCore/internal/model"
)

// WriterFactory creates a writer from its configuration.
type WriterFactory func(def config.WriterDef, logger *zap.Logger) (model.Writer, error)

// registry holds the mapping of writer types to their factory functions.
var registry = make(map[string]WriterFactory)

// RegisterWriter registers a new writer type with its factory function.
func RegisterWriter(name string, factory WriterFactory) {
	if _, exists := registry[name]; exists {
		panic(fmt.Sprintf("writer type '%s' already registered", name))
	}
	registry[name] = factory
}

// CreateWriters creates the enabled writers. If one fails, the writers
// already created are closed.
func CreateWriters(defs []config.WriterDef, logger *zap.Logger) ([]model.Writer, error) {
	var writers []model.Writer
	for _, def := range defs {
		if !def.Enabled {
			continue
		}
		logger.Info("Creating writer", zap.String("type", def.Type), zap.Duration("interval", def.SnapshotInterval))

		factory, ok := registry[def.Type]
		if !ok {
			return nil, errors.Join(fmt.Errorf("unknown writer type: '%s'", def.Type), closeAll(writers))
		}
		w, err := factory(def, logger)
		if err != nil {
			return nil, errors.Join(fmt.Errorf("error creating writer type '%s': %w", def.Type, err), closeAll(writers))
		}
		writers = append(writers, w)
	}
	return writers, nil
}

func closeAll(writers []model.Writer) error {
	var errs []error
	for _, w := range writers {
		errs = append(errs, w.Close())
	}
	return errors.Join(errs...)
}
