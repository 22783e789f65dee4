package pcap

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"NetSimCore/internal/core/model"
)

// Reader reads Ethernet frames from a pcap file.
type Reader struct {
	file *os.File
	r    *pcapgo.Reader
}

// NewReader opens the pcap file at filePath.
func NewReader(filePath string) (*Reader, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, err
	}
	r, err := pcapgo.NewReader(file)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to read pcap header: %w", err)
	}
	if lt := r.LinkType(); lt != layers.LinkTypeEthernet {
		file.Close()
		return nil, fmt.Errorf("unsupported link type %s", lt)
	}
	return &Reader{file: file, r: r}, nil
}

// Close closes the underlying file.
func (r *Reader) Close() error {
	return r.file.Close()
}

// ReadFrames hands every frame in the file to fn, tagged with iface. It stops
// at the end of the file or at the first error returned by fn.
func (r *Reader) ReadFrames(iface string, fn func(model.Frame) error) (int, error) {
	n := 0
	for {
		data, ci, err := r.r.ReadPacketData()
		if errors.Is(err, io.EOF) {
			return n, nil
		}
		if err != nil {
			return n, fmt.Errorf("failed to read frame %d: %w", n+1, err)
		}
		if err := fn(model.Frame{Interface: iface, Timestamp: ci.Timestamp, Data: data}); err != nil {
			return n, err
		}
		n++
	}
}
