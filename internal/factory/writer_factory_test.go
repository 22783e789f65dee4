package factory

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"NetSimCore/internal/config"
	"NetSimCore/internal/model"
)

type stubWriter struct {
	interval time.Duration
	closed   bool
}

func (w *stubWriter) Write(*model.Report) error  { return nil }
func (w *stubWriter) GetInterval() time.Duration { return w.interval }
func (w *stubWriter) Close() error               { w.closed = true; return nil }

func TestCreateWriters(t *testing.T) {
	var created []*stubWriter
	RegisterWriter("stub", func(def config.WriterDef, _ *zap.Logger) (model.Writer, error) {
		w := &stubWriter{interval: def.SnapshotInterval}
		created = append(created, w)
		return w, nil
	})
	RegisterWriter("broken", func(config.WriterDef, *zap.Logger) (model.Writer, error) {
		return nil, errors.New("no backend")
	})

	writers, err := CreateWriters([]config.WriterDef{
		{Type: "stub", Enabled: true, SnapshotInterval: time.Second},
		{Type: "stub", Enabled: false},
	}, zap.NewNop())
	require.NoError(t, err)
	require.Len(t, writers, 1)
	assert.Equal(t, time.Second, writers[0].GetInterval())

	_, err = CreateWriters([]config.WriterDef{
		{Type: "stub", Enabled: true},
		{Type: "broken", Enabled: true},
	}, zap.NewNop())
	assert.ErrorContains(t, err, "no backend")
	assert.True(t, created[len(created)-1].closed, "writers created before the failure are closed")

	_, err = CreateWriters([]config.WriterDef{{Type: "missing", Enabled: true}}, zap.NewNop())
	assert.ErrorContains(t, err, "unknown writer type")

	assert.Panics(t, func() {
		RegisterWriter("stub", func(config.WriterDef, *zap.Logger) (model.Writer, error) { return nil, nil })
	})
}
