package protocol

import "github.com/google/gopacket/layers"

const ipProtocolPIM layers.IPProtocol = 103

var tcpApplications = map[uint16]string{
	80:   "HTTP",
	443:  "HTTPS",
	22:   "SSH",
	23:   "Telnet",
	25:   "SMTP",
	53:   "DNS",
	110:  "POP3",
	143:  "IMAP",
	179:  "BGP",
	993:  "IMAPS",
	995:  "POP3S",
	3389: "RDP",
	5900: "VNC",
}

var udpApplications = map[uint16]string{
	53:   "DNS",
	67:   "DHCP",
	68:   "DHCP",
	123:  "NTP",
	161:  "SNMP",
	162:  "SNMP",
	500:  "IKE",
	520:  "RIP",
	4500: "IPsec",
}

var protocolNames = map[uint8]string{
	1:   "ICMP",
	2:   "IGMP",
	41:  "IPv6",
	47:  "GRE",
	50:  "ESP",
	51:  "AH",
	58:  "ICMPv6",
	89:  "OSPF",
	103: "PIM",
	112: "VRRP",
}

// Application labels a packet by its transport protocol and ports. The
// destination port is consulted first, then the source port, so replies from
// a well-known service carry the service's label.
func Application(proto uint8, srcPort, dstPort uint16) string {
	var table map[uint16]string
	var fallback string
	switch layers.IPProtocol(proto) {
	case layers.IPProtocolTCP:
		table, fallback = tcpApplications, "TCP"
	case layers.IPProtocolUDP:
		table, fallback = udpApplications, "UDP"
	default:
		if name, ok := protocolNames[proto]; ok {
			return name
		}
		return "Unknown"
	}
	if name, ok := table[dstPort]; ok {
		return name
	}
	if name, ok := table[srcPort]; ok {
		return name
	}
	return fallback
}

// TrafficClass maps a DSCP code point to its per-hop behavior name.
func TrafficClass(dscp uint8) string {
	switch dscp {
	case 0:
		return "Best Effort"
	case 10:
		return "AF11"
	case 12:
		return "AF12"
	case 14:
		return "AF13"
	case 18:
		return "AF21"
	case 20:
		return "AF22"
	case 22:
		return "AF23"
	case 26:
		return "AF31"
	case 28:
		return "AF32"
	case 30:
		return "AF33"
	case 34:
		return "AF41"
	case 36:
		return "AF42"
	case 38:
		return "AF43"
	case 46:
		return "EF"
	case 48:
		return "CS6"
	case 56:
		return "CS7"
	default:
		return "Unknown"
	}
}

// IsRoutingControl reports whether a packet belongs to a routing protocol
// (OSPF, BGP, RIP, LDP, PIM or VRRP).
func IsRoutingControl(proto uint8, srcPort, dstPort uint16) bool {
	switch layers.IPProtocol(proto) {
	case layers.IPProtocolOSPF, ipProtocolPIM, layers.IPProtocolVRRP:
		return true
	case layers.IPProtocolTCP:
		return srcPort == 179 || dstPort == 179 || srcPort == 646 || dstPort == 646
	case layers.IPProtocolUDP:
		return srcPort == 520 || dstPort == 520 || srcPort == 646 || dstPort == 646
	}
	return false
}
