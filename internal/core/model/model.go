package model

import (
	"fmt"
	"net/netip"
	"time"
)

// FiveTuple represents the 5-tuple of a network packet.
type FiveTuple struct {
	SrcIP    netip.Addr
	DstIP    netip.Addr
	SrcPort  uint16
	DstPort  uint16
	Protocol uint8 // IANA protocol number
}

func (ft FiveTuple) String() string {
	return fmt.Sprintf("%s -> %s proto=%d",
		netip.AddrPortFrom(ft.SrcIP, ft.SrcPort), netip.AddrPortFrom(ft.DstIP, ft.DstPort), ft.Protocol)
}

// Packet holds the metadata extracted from a single frame. It is transient and
// only lives for the duration of one Ingest call.
type Packet struct {
	ID        uint64
	Timestamp time.Time
	FiveTuple FiveTuple
	Size      int // full frame length in bytes
	TTL       uint8
	DSCP      uint8
	IPVersion uint8
	Ingress   string
	// Payload aliases the leased buffer and must not be retained.
	Payload []byte
}

// Frame is a raw link-layer frame tagged with the interface it arrived on.
type Frame struct {
	Interface string
	Timestamp time.Time
	Data      []byte
}

// Action is the treatment chosen for a packet.
type Action uint8

const (
	ActionDrop Action = iota
	ActionForward
	ActionDeliverLocal
)

func (a Action) String() string {
	switch a {
	case ActionForward:
		return "forward"
	case ActionDeliverLocal:
		return "deliver_local"
	default:
		return "drop"
	}
}

// DropReason says why a packet was dropped.
type DropReason uint8

const (
	DropNone DropReason = iota
	DropMalformed
	DropNoRoute
	DropUnsupported
	DropRateLimited
	DropResourceExhausted
	DropInternalError

	NumDropReasons
)

var dropReasonNames = [NumDropReasons]string{
	DropNone:              "none",
	DropMalformed:         "malformed",
	DropNoRoute:           "no_route",
	DropUnsupported:       "unsupported",
	DropRateLimited:       "rate_limited",
	DropResourceExhausted: "resource_exhausted",
	DropInternalError:     "internal_error",
}

func (r DropReason) String() string {
	if r < NumDropReasons {
		return dropReasonNames[r]
	}
	return fmt.Sprintf("drop_reason(%d)", uint8(r))
}

// Decision is the outcome of processing one frame.
type Decision struct {
	Action  Action
	NextHop netip.Addr // set for ActionForward
	Egress  string     // set for ActionForward
	Reason  DropReason // set for ActionDrop
}

// Drop returns a drop decision for reason.
func Drop(reason DropReason) Decision {
	return Decision{Action: ActionDrop, Reason: reason}
}

// Forward returns a forwarding decision.
func Forward(nextHop netip.Addr, egress string) Decision {
	return Decision{Action: ActionForward, NextHop: nextHop, Egress: egress}
}

// DeliverLocal returns a local delivery decision.
func DeliverLocal() Decision {
	return Decision{Action: ActionDeliverLocal}
}

func (d Decision) String() string {
	switch d.Action {
	case ActionForward:
		return fmt.Sprintf("forward(%s via %s)", d.NextHop, d.Egress)
	case ActionDeliverLocal:
		return "deliver_local"
	default:
		return fmt.Sprintf("drop(%s)", d.Reason)
	}
}
