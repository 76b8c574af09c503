package neighbor

import (
	"net"
	"net/netip"
	"time"
)

// RouteHandle is an opaque reference to a host route owned by a Router.
type RouteHandle interface{}

// GroupHandle is an opaque multicast group membership owned by a
// Transmitter.
type GroupHandle interface{}

// Router is the routing table the cache hangs its entries off.
type Router interface {
	// LookupOrCreateRoute returns the host route for addr on the interface.
	// When create is set and no route exists, one is created if addr is
	// on-link; created reports whether that happened.
	LookupOrCreateRoute(addr netip.Addr, ifindex int, create bool) (rt RouteHandle, created bool, err error)
	// DeleteRoute removes a route previously created by
	// LookupOrCreateRoute.
	DeleteRoute(rt RouteHandle)
	RouteExpiry(rt RouteHandle) time.Time
	SetRouteExpiry(rt RouteHandle, t time.Time)
}

// Transmitter sends the packets the state machine needs.
type Transmitter interface {
	// SendNeighborSolicitation sends a solicitation for target. src is a
	// source address hint and may be the zero Addr. Unicast solicitations
	// are sent to target directly, multicast ones to its solicited-node
	// group.
	SendNeighborSolicitation(ifc *Interface, src, target netip.Addr, unicast bool) error
	// SendUnreachableError reports a destination unreachable error with the
	// given ICMPv6 code back to the sender of pkt.
	SendUnreachableError(ifc *Interface, pkt *Packet, code uint8) error
	// Output transmits pkt to a resolved link-layer address.
	Output(ifc *Interface, lladdr net.HardwareAddr, pkt *Packet) error
	MulticastJoin(group netip.Addr, ifc *Interface) (GroupHandle, error)
	MulticastLeave(g GroupHandle) error
}

// Observer is notified about entry changes after the cache lock is
// released.
type Observer interface {
	OnEntryChanged(info Info)
	OnEntryDeleted(key Key)
}

// ICMPv6 destination unreachable code for a failed address resolution.
const UnreachableAddress uint8 = 3
