package persistent

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"go.uber.org/zap"

	"NetSimCore/internal/core/model"
)

const defaultQueueSize = 10000

// Worker writes captured frames to a pcap file on a single goroutine, so
// frames keep their capture order.
type Worker struct {
	file    *os.File
	writer  *pcapgo.Writer
	snapLen uint32
	logger  *zap.Logger

	frames   chan model.Frame
	wg       sync.WaitGroup
	stopOnce sync.Once
	dropped  atomic.Uint64
}

// NewWorker creates <dir>/<timestamp>.pcap and starts writing to it.
func NewWorker(dir string, snapLen int32, logger *zap.Logger) (*Worker, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create persistence directory: %w", err)
	}
	name := filepath.Join(dir, time.Now().Format("2006-01-02_15-04-05")+".pcap")
	file, err := os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, err
	}

	if snapLen <= 0 {
		snapLen = 65535
	}
	w := &Worker{
		file:    file,
		writer:  pcapgo.NewWriter(file),
		snapLen: uint32(snapLen),
		logger:  logger.Named("recorder"),
		frames:  make(chan model.Frame, defaultQueueSize),
	}
	if err := w.writer.WriteFileHeader(w.snapLen, layers.LinkTypeEthernet); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to write pcap file header: %w", err)
	}

	w.wg.Add(1)
	go w.run()
	w.logger.Info("Persistent worker started", zap.String("file", name))
	return w, nil
}

// Path returns the pcap file being written.
func (w *Worker) Path() string { return w.file.Name() }

func (w *Worker) run() {
	defer w.wg.Done()
	for f := range w.frames {
		data := f.Data
		if uint32(len(data)) > w.snapLen {
			data = data[:w.snapLen]
		}
		ci := gopacket.CaptureInfo{
			Timestamp:     f.Timestamp,
			CaptureLength: len(data),
			Length:        len(f.Data),
		}
		if err := w.writer.WritePacket(ci, data); err != nil {
			w.logger.Warn("Error writing frame", zap.Error(err))
		}
	}
}

// Enqueue queues a frame without blocking. It returns false when the queue
// is full and the frame was dropped.
func (w *Worker) Enqueue(f model.Frame) bool {
	select {
	case w.frames <- f:
		return true
	default:
		w.dropped.Add(1)
		return false
	}
}

// Dropped returns the number of frames dropped because the queue was full.
func (w *Worker) Dropped() uint64 { return w.dropped.Load() }

// Stop writes the queued frames and closes the file. Enqueue must not be
// called after Stop.
func (w *Worker) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.frames)
		w.wg.Wait()
		err = w.file.Close()
		w.logger.Info("Persistent worker stopped and file closed.", zap.Uint64("dropped", w.dropped.Load()))
	})
	return err
}
