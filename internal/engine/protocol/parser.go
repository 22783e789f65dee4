package protocol

import (
	"errors"
	"fmt"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"NetSimCore/internal/core/model"
)

var (
	// ErrMalformed marks frames whose headers are truncated or inconsistent.
	ErrMalformed = errors.New("malformed packet")
	// ErrUnsupported marks frames carrying a network protocol the engine does not route.
	ErrUnsupported = errors.New("unsupported protocol")
)

// MinFrameSize is the length of an Ethernet header.
const MinFrameSize = 14

// Parser decodes Ethernet frames into model.Packet values. The layers are
// preallocated and reused, so a Parser must not be shared between goroutines.
type Parser struct {
	eth   layers.Ethernet
	dot1q layers.Dot1Q
	ip4   layers.IPv4
	ip6   layers.IPv6
	tcp   layers.TCP
	udp   layers.UDP
	icmp4 layers.ICMPv4
	icmp6 layers.ICMPv6

	parser  *gopacket.DecodingLayerParser
	decoded []gopacket.LayerType
}

// NewParser creates a parser for Ethernet frames.
func NewParser() *Parser {
	p := &Parser{decoded: make([]gopacket.LayerType, 0, 8)}
	p.parser = gopacket.NewDecodingLayerParser(layers.LayerTypeEthernet,
		&p.eth, &p.dot1q, &p.ip4, &p.ip6, &p.tcp, &p.udp, &p.icmp4, &p.icmp6)
	p.parser.IgnoreUnsupported = true
	return p
}

// Parse decodes frame into pkt. It fills the five-tuple, TTL, DSCP, IP
// version, size and payload; fields owned by the caller (ID, timestamp,
// ingress) are left untouched. Transports other than TCP, UDP and ICMP are
// passed through with zero ports.
func (p *Parser) Parse(frame []byte, pkt *model.Packet) error {
	if len(frame) < MinFrameSize {
		return fmt.Errorf("%w: frame of %d bytes is shorter than an ethernet header", ErrMalformed, len(frame))
	}
	err := p.parser.DecodeLayers(frame, &p.decoded)
	if len(p.decoded) == 0 {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	var (
		etherType layers.EthernetType
		network   gopacket.LayerType
		transport gopacket.LayerType
	)
	for _, lt := range p.decoded {
		switch lt {
		case layers.LayerTypeEthernet:
			etherType = p.eth.EthernetType
		case layers.LayerTypeDot1Q:
			etherType = p.dot1q.Type
		case layers.LayerTypeIPv4, layers.LayerTypeIPv6:
			network = lt
		case layers.LayerTypeTCP, layers.LayerTypeUDP, layers.LayerTypeICMPv4, layers.LayerTypeICMPv6:
			transport = lt
		}
	}

	if network == 0 {
		if etherType == layers.EthernetTypeIPv4 || etherType == layers.EthernetTypeIPv6 {
			return fmt.Errorf("%w: bad %s header: %v", ErrMalformed, etherType, err)
		}
		return fmt.Errorf("%w: ethertype %s", ErrUnsupported, etherType)
	}

	pkt.Size = len(frame)
	pkt.FiveTuple = model.FiveTuple{}
	switch network {
	case layers.LayerTypeIPv4:
		if p.ip4.Version != 4 {
			return fmt.Errorf("%w: version %d in IPv4 header", ErrMalformed, p.ip4.Version)
		}
		pkt.IPVersion = 4
		pkt.TTL = p.ip4.TTL
		pkt.DSCP = p.ip4.TOS >> 2
		pkt.FiveTuple.Protocol = uint8(p.ip4.Protocol)
		pkt.FiveTuple.SrcIP, _ = netip.AddrFromSlice(p.ip4.SrcIP)
		pkt.FiveTuple.DstIP, _ = netip.AddrFromSlice(p.ip4.DstIP)
		pkt.Payload = p.ip4.Payload
	case layers.LayerTypeIPv6:
		if p.ip6.Version != 6 {
			return fmt.Errorf("%w: version %d in IPv6 header", ErrMalformed, p.ip6.Version)
		}
		pkt.IPVersion = 6
		pkt.TTL = p.ip6.HopLimit
		pkt.DSCP = p.ip6.TrafficClass >> 2
		pkt.FiveTuple.Protocol = uint8(p.ip6.NextHeader)
		pkt.FiveTuple.SrcIP, _ = netip.AddrFromSlice(p.ip6.SrcIP)
		pkt.FiveTuple.DstIP, _ = netip.AddrFromSlice(p.ip6.DstIP)
		pkt.Payload = p.ip6.Payload
	}

	switch transport {
	case layers.LayerTypeTCP:
		pkt.FiveTuple.SrcPort = uint16(p.tcp.SrcPort)
		pkt.FiveTuple.DstPort = uint16(p.tcp.DstPort)
		pkt.Payload = p.tcp.Payload
	case layers.LayerTypeUDP:
		pkt.FiveTuple.SrcPort = uint16(p.udp.SrcPort)
		pkt.FiveTuple.DstPort = uint16(p.udp.DstPort)
		pkt.Payload = p.udp.Payload
	case layers.LayerTypeICMPv4:
		pkt.Payload = p.icmp4.Payload
	case layers.LayerTypeICMPv6:
		pkt.Payload = p.icmp6.Payload
	default:
		if err != nil && handledTransport(pkt.FiveTuple.Protocol) {
			return fmt.Errorf("%w: bad transport header: %v", ErrMalformed, err)
		}
	}
	return nil
}

func handledTransport(proto uint8) bool {
	switch layers.IPProtocol(proto) {
	case layers.IPProtocolTCP, layers.IPProtocolUDP, layers.IPProtocolICMPv4, layers.IPProtocolICMPv6:
		return true
	}
	return false
}
