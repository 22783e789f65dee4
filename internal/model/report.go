package model

import (
	"time"

	"NetSimCore/internal/engine/flowtable"
	"NetSimCore/internal/mempool"
	"NetSimCore/internal/metrics"
	"NetSimCore/internal/routing"
)

// Report is the periodic batch handed to writers.
type Report struct {
	Timestamp time.Time        `json:"timestamp"`
	Metrics   metrics.Snapshot `json:"metrics"`
	Routing   routing.Stats    `json:"routing"`
	Pool      mempool.Stats    `json:"pool"`
	Routes    []routing.Route  `json:"routes"`
	// Flows holds the live flows at Timestamp.
	Flows []flowtable.Flow `json:"flows"`
	// Evicted holds flows removed by idle sweeps since the previous report.
	Evicted []flowtable.Flow `json:"evicted"`
}
