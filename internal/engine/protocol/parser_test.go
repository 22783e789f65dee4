package protocol

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"NetSimCore/internal/core/model"
)

func buildFrame(t *testing.T, spec FrameSpec) []byte {
	t.Helper()
	frame, err := BuildFrame(spec)
	require.NoError(t, err)
	return frame
}

func TestParseIPv4TCP(t *testing.T) {
	frame := buildFrame(t, FrameSpec{
		Src: netip.MustParseAddr("10.0.0.1"), Dst: netip.MustParseAddr("10.0.0.2"),
		Protocol: 6, SrcPort: 80, DstPort: 8080, TTL: 63, DSCP: 46, Size: 1500,
	})
	require.Len(t, frame, 1500)

	var pkt model.Packet
	require.NoError(t, NewParser().Parse(frame, &pkt))
	assert.Equal(t, netip.MustParseAddr("10.0.0.1"), pkt.FiveTuple.SrcIP)
	assert.Equal(t, netip.MustParseAddr("10.0.0.2"), pkt.FiveTuple.DstIP)
	assert.EqualValues(t, 80, pkt.FiveTuple.SrcPort)
	assert.EqualValues(t, 8080, pkt.FiveTuple.DstPort)
	assert.EqualValues(t, 6, pkt.FiveTuple.Protocol)
	assert.EqualValues(t, 63, pkt.TTL)
	assert.EqualValues(t, 46, pkt.DSCP)
	assert.EqualValues(t, 4, pkt.IPVersion)
	assert.Equal(t, 1500, pkt.Size)
	assert.Len(t, pkt.Payload, 1500-54)
}

func TestParseIPv6UDPWithVLAN(t *testing.T) {
	frame := buildFrame(t, FrameSpec{
		VLAN: 100,
		Src:  netip.MustParseAddr("2001:db8::1"), Dst: netip.MustParseAddr("2001:db8::2"),
		Protocol: 17, SrcPort: 5353, DstPort: 53, DSCP: 10, Size: 200,
	})

	var pkt model.Packet
	require.NoError(t, NewParser().Parse(frame, &pkt))
	assert.EqualValues(t, 6, pkt.IPVersion)
	assert.Equal(t, netip.MustParseAddr("2001:db8::2"), pkt.FiveTuple.DstIP)
	assert.EqualValues(t, 53, pkt.FiveTuple.DstPort)
	assert.EqualValues(t, 17, pkt.FiveTuple.Protocol)
	assert.EqualValues(t, 10, pkt.DSCP)
	assert.Equal(t, 200, pkt.Size)
}

func TestParseICMPAndUnknownTransport(t *testing.T) {
	p := NewParser()

	var pkt model.Packet
	icmp := buildFrame(t, FrameSpec{Src: netip.MustParseAddr("10.0.0.1"), Dst: netip.MustParseAddr("10.0.0.2"), Protocol: 1})
	require.NoError(t, p.Parse(icmp, &pkt))
	assert.EqualValues(t, 1, pkt.FiveTuple.Protocol)
	assert.Zero(t, pkt.FiveTuple.SrcPort)

	icmp6 := buildFrame(t, FrameSpec{Src: netip.MustParseAddr("fe80::1"), Dst: netip.MustParseAddr("fe80::2"), Protocol: 58})
	require.NoError(t, p.Parse(icmp6, &pkt))
	assert.EqualValues(t, 58, pkt.FiveTuple.Protocol)

	ospf := buildFrame(t, FrameSpec{Src: netip.MustParseAddr("10.0.0.1"), Dst: netip.MustParseAddr("224.0.0.5"), Protocol: 89, Size: 100})
	require.NoError(t, p.Parse(ospf, &pkt), "unknown transports pass through")
	assert.EqualValues(t, 89, pkt.FiveTuple.Protocol)
	assert.Zero(t, pkt.FiveTuple.DstPort)
	assert.Equal(t, "OSPF", Application(pkt.FiveTuple.Protocol, 0, 0))
}

func TestParseMalformed(t *testing.T) {
	valid := buildFrame(t, FrameSpec{
		Src: netip.MustParseAddr("10.0.0.1"), Dst: netip.MustParseAddr("10.0.0.2"),
		Protocol: 6, SrcPort: 1234, DstPort: 80, Size: 200,
	})

	badVersion := append([]byte(nil), valid...)
	badVersion[14] = 0x65

	tests := []struct {
		name  string
		frame []byte
	}{
		{"empty", nil},
		{"runt", valid[:10]},
		{"truncated ip header", valid[:14+10]},
		{"truncated tcp header", valid[:14+20+10]},
		{"version mismatch", badVersion},
	}
	p := NewParser()
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var pkt model.Packet
			err := p.Parse(tc.frame, &pkt)
			assert.ErrorIs(t, err, ErrMalformed)
		})
	}

	// the parser recovers after errors
	var pkt model.Packet
	require.NoError(t, p.Parse(valid, &pkt))
	assert.EqualValues(t, 80, pkt.FiveTuple.DstPort)
}

func TestParseUnsupportedEtherType(t *testing.T) {
	frame := buildFrame(t, FrameSpec{
		Src: netip.MustParseAddr("10.0.0.1"), Dst: netip.MustParseAddr("10.0.0.2"),
		Protocol: 17, SrcPort: 1, DstPort: 2,
	})
	// ARP
	frame[12], frame[13] = 0x08, 0x06

	var pkt model.Packet
	err := NewParser().Parse(frame, &pkt)
	assert.ErrorIs(t, err, ErrUnsupported)
	assert.NotErrorIs(t, err, ErrMalformed)
}

func TestBuildFrameRejectsMixedFamilies(t *testing.T) {
	_, err := BuildFrame(FrameSpec{Src: netip.MustParseAddr("10.0.0.1"), Dst: netip.MustParseAddr("::1")})
	assert.Error(t, err)
}
