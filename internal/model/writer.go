package model

import "time"

// Writer defines a generic interface for persisting periodic reports.
type Writer interface {
	// Write persists one report. A failed report is offered again on the
	// next interval, so implementations must tolerate duplicates.
	Write(report *Report) error

	// GetInterval returns the configured snapshot interval for this writer.
	GetInterval() time.Duration

	// Close releases the writer's connections.
	Close() error
}
