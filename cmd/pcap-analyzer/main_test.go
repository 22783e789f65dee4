package main

import (
	"bytes"
	"encoding/json"
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"NetSimCore/internal/config"
	"NetSimCore/internal/engine/protocol"
	"NetSimCore/internal/model"
)

func TestAnalyzeReplaysCapture(t *testing.T) {
	path := filepath.Join(t.TempDir(), "replay.pcap")
	f, err := os.Create(path)
	require.NoError(t, err)
	w := pcapgo.NewWriter(f)
	require.NoError(t, w.WriteFileHeader(65535, layers.LinkTypeEthernet))
	for i, dst := range []string{"10.0.0.5", "10.0.0.5", "172.16.0.1", "192.168.1.254"} {
		data, err := protocol.BuildFrame(protocol.FrameSpec{
			Src: netip.MustParseAddr("192.168.1.10"), Dst: netip.MustParseAddr(dst),
			Protocol: 6, SrcPort: 40000, DstPort: 443, Size: 100,
		})
		require.NoError(t, err)
		ci := gopacket.CaptureInfo{Timestamp: time.Unix(int64(i), 0), CaptureLength: len(data), Length: len(data)}
		require.NoError(t, w.WritePacket(ci, data))
	}
	require.NoError(t, f.Close())

	cfg := config.Default()
	cfg.Engine.NumWorkers = 2
	cfg.Engine.LocalAddresses = []string{"192.168.1.254"}
	cfg.Routing.Routes = []config.RouteDef{
		{Network: "10.0.0.0/24", NextHop: "192.168.1.1", Interface: "eth0", Metric: 1},
	}

	var out bytes.Buffer
	cmd := &cobra.Command{}
	cmd.SetOut(&out)
	require.NoError(t, analyze(cmd, cfg, zap.NewNop(), path, "pcap0", true))

	var report struct {
		model.Report
		Drops  map[string]uint64 `json:"drops"`
		Frames int               `json:"frames"`
	}
	require.NoError(t, json.Unmarshal(out.Bytes(), &report))
	assert.Equal(t, 4, report.Frames)
	assert.EqualValues(t, 1, report.Drops["no_route"])
	assert.EqualValues(t, 4, report.Metrics.PacketsProcessed)
	assert.EqualValues(t, 2, report.Metrics.PacketsRouted)
	assert.EqualValues(t, 1, report.Metrics.PacketsLocal)
	assert.EqualValues(t, 1, report.Metrics.PacketsDropped)
	assert.NotEmpty(t, report.Flows)

	assert.Error(t, analyze(cmd, cfg, zap.NewNop(), filepath.Join(t.TempDir(), "missing.pcap"), "pcap0", false))
}
