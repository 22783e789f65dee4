package main

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"NetSimCore/internal/config"
	"NetSimCore/internal/engine/manager"
	"NetSimCore/internal/model"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type closeTracker struct {
	mu     sync.Mutex
	closed bool
}

func (w *closeTracker) Write(*model.Report) error  { return nil }
func (w *closeTracker) GetInterval() time.Duration { return time.Hour }

func (w *closeTracker) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func (w *closeTracker) isClosed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}

func withTrackedManager(t *testing.T) *closeTracker {
	t.Helper()
	w := &closeTracker{}
	orig := newManager
	newManager = func(cfg *config.Config, logger *zap.Logger) (*manager.Manager, error) {
		return manager.NewManagerWithWriters(cfg, []model.Writer{w}, logger)
	}
	t.Cleanup(func() { newManager = orig })
	return w
}

func TestRunClosesWritersWhenProbeConnectFails(t *testing.T) {
	w := withTrackedManager(t)
	cfg := config.Default()
	cfg.Probe.Enabled = true
	cfg.Probe.NATSURL = "nats://127.0.0.1:1"

	err := run(context.Background(), cfg, zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stream ingest")
	assert.True(t, w.isClosed())
}

func TestRunStopsOnCancel(t *testing.T) {
	w := withTrackedManager(t)
	cfg := config.Default()
	cfg.API.HTTPListenAddr = "127.0.0.1:0"
	cfg.API.GRPCListenAddr = "127.0.0.1:0"

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- run(ctx, cfg, zap.NewNop()) }()
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("run did not return after cancel")
	}
	assert.True(t, w.isClosed())
}
