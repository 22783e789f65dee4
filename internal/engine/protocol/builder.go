package protocol

import (
	"errors"
	"fmt"
	"net"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

var (
	defaultSrcMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	defaultDstMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x02}
)

// FrameSpec describes a synthetic Ethernet frame.
type FrameSpec struct {
	SrcMAC, DstMAC net.HardwareAddr
	VLAN           uint16 // 0 means untagged
	Src, Dst       netip.Addr
	Protocol       uint8
	SrcPort        uint16
	DstPort        uint16
	TTL            uint8
	DSCP           uint8
	// Size is the total frame length. Shorter values yield a header-only frame
	// (padded to the Ethernet minimum).
	Size int
}

// BuildFrame serializes spec into a frame with valid lengths and checksums.
func BuildFrame(spec FrameSpec) ([]byte, error) {
	if !spec.Src.IsValid() || !spec.Dst.IsValid() || spec.Src.Is4() != spec.Dst.Is4() {
		return nil, errors.New("source and destination must be valid addresses of one family")
	}
	if spec.SrcMAC == nil {
		spec.SrcMAC = defaultSrcMAC
	}
	if spec.DstMAC == nil {
		spec.DstMAC = defaultDstMAC
	}
	if spec.TTL == 0 {
		spec.TTL = 64
	}

	var stack []gopacket.SerializableLayer
	headerLen := 14

	eth := &layers.Ethernet{SrcMAC: spec.SrcMAC, DstMAC: spec.DstMAC}
	stack = append(stack, eth)
	etherType := layers.EthernetTypeIPv6
	if spec.Src.Is4() {
		etherType = layers.EthernetTypeIPv4
	}
	if spec.VLAN != 0 {
		eth.EthernetType = layers.EthernetTypeDot1Q
		stack = append(stack, &layers.Dot1Q{VLANIdentifier: spec.VLAN, Type: etherType})
		headerLen += 4
	} else {
		eth.EthernetType = etherType
	}

	var network gopacket.NetworkLayer
	if spec.Src.Is4() {
		ip := &layers.IPv4{
			Version:  4,
			TTL:      spec.TTL,
			TOS:      spec.DSCP << 2,
			Protocol: layers.IPProtocol(spec.Protocol),
			SrcIP:    spec.Src.AsSlice(),
			DstIP:    spec.Dst.AsSlice(),
		}
		network = ip
		stack = append(stack, ip)
		headerLen += 20
	} else {
		ip := &layers.IPv6{
			Version:      6,
			HopLimit:     spec.TTL,
			TrafficClass: spec.DSCP << 2,
			NextHeader:   layers.IPProtocol(spec.Protocol),
			SrcIP:        spec.Src.AsSlice(),
			DstIP:        spec.Dst.AsSlice(),
		}
		network = ip
		stack = append(stack, ip)
		headerLen += 40
	}

	switch layers.IPProtocol(spec.Protocol) {
	case layers.IPProtocolTCP:
		tcp := &layers.TCP{SrcPort: layers.TCPPort(spec.SrcPort), DstPort: layers.TCPPort(spec.DstPort), SYN: true, Window: 65535}
		if err := tcp.SetNetworkLayerForChecksum(network); err != nil {
			return nil, err
		}
		stack = append(stack, tcp)
		headerLen += 20
	case layers.IPProtocolUDP:
		udp := &layers.UDP{SrcPort: layers.UDPPort(spec.SrcPort), DstPort: layers.UDPPort(spec.DstPort)}
		if err := udp.SetNetworkLayerForChecksum(network); err != nil {
			return nil, err
		}
		stack = append(stack, udp)
		headerLen += 8
	case layers.IPProtocolICMPv4:
		stack = append(stack, &layers.ICMPv4{TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeEchoRequest, 0)})
		headerLen += 8
	case layers.IPProtocolICMPv6:
		icmp := &layers.ICMPv6{TypeCode: layers.CreateICMPv6TypeCode(layers.ICMPv6TypeEchoRequest, 0)}
		if err := icmp.SetNetworkLayerForChecksum(network); err != nil {
			return nil, err
		}
		stack = append(stack, icmp)
		headerLen += 4
	}

	if pad := spec.Size - headerLen; pad > 0 {
		stack = append(stack, gopacket.Payload(make([]byte, pad)))
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, stack...); err != nil {
		return nil, fmt.Errorf("failed to serialize frame: %w", err)
	}
	return buf.Bytes(), nil
}
