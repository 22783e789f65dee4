package routing

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"
)

// ErrInvalidRoute is returned for routes that fail validation.
var ErrInvalidRoute = errors.New("invalid route")

const (
	// DefaultAdminDistance is the administrative distance of static routes.
	DefaultAdminDistance uint8 = 1
	// ProtocolStatic is the origin tag of configured routes.
	ProtocolStatic = "static"
)

// Route is a single routing table entry. Prefix is always stored masked.
type Route struct {
	Prefix        netip.Prefix `json:"prefix"`
	NextHop       netip.Addr   `json:"next_hop"`
	Interface     string       `json:"interface"`
	Metric        uint32       `json:"metric"`
	AdminDistance uint8        `json:"admin_distance"`
	Protocol      string       `json:"protocol"`
	IsLocal       bool         `json:"is_local"`
	AddedAt       time.Time    `json:"added_at"`
}

// ParseRoute builds a static route from textual configuration. Directly
// connected prefixes use the unspecified address ("0.0.0.0" or "::") as nextHop.
func ParseRoute(cidr, nextHop, iface string, metric uint32) (Route, error) {
	prefix, err := netip.ParsePrefix(strings.TrimSpace(cidr))
	if err != nil {
		return Route{}, fmt.Errorf("%w: prefix %q: %v", ErrInvalidRoute, cidr, err)
	}
	r := Route{
		Prefix:        prefix.Masked(),
		Interface:     iface,
		Metric:        metric,
		AdminDistance: DefaultAdminDistance,
		Protocol:      ProtocolStatic,
	}
	addr, err := netip.ParseAddr(strings.TrimSpace(nextHop))
	if err != nil {
		return Route{}, fmt.Errorf("%w: next hop %q: %v", ErrInvalidRoute, nextHop, err)
	}
	r.NextHop = addr
	if err := r.Validate(); err != nil {
		return Route{}, err
	}
	return r, nil
}

// Validate checks that the route can be installed.
func (r Route) Validate() error {
	if !r.Prefix.IsValid() {
		return fmt.Errorf("%w: prefix is not valid", ErrInvalidRoute)
	}
	if strings.TrimSpace(r.Interface) == "" {
		return fmt.Errorf("%w: %s: interface is empty", ErrInvalidRoute, r.Prefix)
	}
	if !r.NextHop.IsValid() {
		return fmt.Errorf("%w: %s: next hop is empty", ErrInvalidRoute, r.Prefix)
	}
	if r.NextHop.Unmap().Is4() != r.Prefix.Addr().Is4() {
		return fmt.Errorf("%w: %s: next hop %s is of a different address family",
			ErrInvalidRoute, r.Prefix, r.NextHop)
	}
	return nil
}

// Connected reports whether the route has no gateway.
func (r Route) Connected() bool {
	return r.NextHop.IsUnspecified()
}

// preferred reports whether a should win over b for the same prefix.
// Ties go to a, which callers pass as the newer route.
func preferred(a, b Route) bool {
	if a.AdminDistance != b.AdminDistance {
		return a.AdminDistance < b.AdminDistance
	}
	return a.Metric <= b.Metric
}

func (r Route) String() string {
	via := "connected"
	if !r.Connected() {
		via = "via " + r.NextHop.String()
	}
	return fmt.Sprintf("%s %s dev %s metric %d ad %d proto %s",
		r.Prefix, via, r.Interface, r.Metric, r.AdminDistance, r.Protocol)
}
