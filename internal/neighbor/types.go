package neighbor

import (
	"net"
	"net/netip"
	"time"
)

// State is the reachability state of a neighbor cache entry.
type State uint8

const (
	// NoState marks a passive placeholder entry that records bookkeeping
	// only and is not actively resolving.
	NoState State = iota
	// Incomplete means address resolution is in progress.
	Incomplete
	// Reachable means the neighbor was confirmed reachable recently.
	Reachable
	// Stale means reachability is unknown until traffic is sent.
	Stale
	// Delay means traffic was sent to a stale neighbor and probing is
	// deferred to give upper layers a chance to confirm reachability.
	Delay
	// Probe means unicast solicitations are being sent.
	Probe
)

func (s State) String() string {
	switch s {
	case NoState:
		return "NOSTATE"
	case Incomplete:
		return "INCOMPLETE"
	case Reachable:
		return "REACHABLE"
	case Stale:
		return "STALE"
	case Delay:
		return "DELAY"
	case Probe:
		return "PROBE"
	default:
		return "UNKNOWN"
	}
}

// Key identifies a neighbor cache entry.
type Key struct {
	Addr      netip.Addr
	Interface int
}

// Packet is an outbound IPv6 packet awaiting address resolution.
//
// Packets are handled by pointer: the pending slot compares identities to
// detect a packet that bounced back during a flush.
type Packet struct {
	// Data is the raw IPv6 packet.
	Data []byte
	// Source is the packet's source address, used as the solicitation
	// source hint and as the destination of unreachable errors.
	Source netip.Addr
}

// Handle is a generation-checked reference to an entry in the store.
//
// A handle outlives its entry safely: once the entry is deleted, the slot
// generation changes and the handle resolves to nothing.
type Handle struct {
	idx uint32
	gen uint32
}

// Entry is a neighbor cache entry.
//
// Entries are owned by the cache and must only be touched inside
// Cache.Update or Cache.View.
type Entry struct {
	handle Handle
	key    Key

	State     State
	LinkAddr  net.HardwareAddr
	IsRouter  bool
	Asked     int
	ExpireAt  time.Time
	Permanent bool
	Proxy     bool

	pending *Packet
	byHint  int
	route   RouteHandle
	ownsRt  bool
	group   GroupHandle
}

// Key returns the entry key.
func (e *Entry) Key() Key {
	return e.key
}

// Pending reports whether a packet is waiting for resolution.
func (e *Entry) Pending() bool {
	return e.pending != nil
}

func (e *Entry) info() Info {
	var lladdr net.HardwareAddr
	if len(e.LinkAddr) > 0 {
		lladdr = append(net.HardwareAddr(nil), e.LinkAddr...)
	}
	return Info{
		Addr:      e.key.Addr,
		Interface: e.key.Interface,
		State:     e.State,
		LinkAddr:  lladdr,
		IsRouter:  e.IsRouter,
		Retries:   e.Asked,
		ExpireAt:  e.ExpireAt,
		Permanent: e.Permanent,
		Proxy:     e.Proxy,
		Pending:   e.pending != nil,
	}
}

// Info is a point-in-time snapshot of an entry.
type Info struct {
	Addr      netip.Addr
	Interface int
	State     State
	LinkAddr  net.HardwareAddr
	IsRouter  bool
	Retries   int
	// ExpireAt is zero for permanent entries.
	ExpireAt  time.Time
	Permanent bool
	Proxy     bool
	Pending   bool
}

// Interface describes an interface the cache resolves neighbors on.
type Interface struct {
	Name         string
	Index        int
	HardwareAddr net.HardwareAddr
	// BaseReachable is the configured base reachable time.
	BaseReachable time.Duration
	// Reachable is the randomized reachable time derived from
	// BaseReachable.
	Reachable time.Duration
	// Retrans is the interval between retransmitted solicitations.
	Retrans time.Duration
}

// MessageType is the type of a received Neighbor Discovery message.
type MessageType uint8

const (
	RouterSolicit MessageType = iota + 1
	RouterAdvert
	NeighborSolicit
	NeighborAdvert
	Redirect
)

func (t MessageType) String() string {
	switch t {
	case RouterSolicit:
		return "RS"
	case RouterAdvert:
		return "RA"
	case NeighborSolicit:
		return "NS"
	case NeighborAdvert:
		return "NA"
	case Redirect:
		return "REDIRECT"
	default:
		return "UNKNOWN"
	}
}

// RedirectCode qualifies a Redirect message.
type RedirectCode uint8

const (
	// RedirectOnLink means the destination itself is on-link.
	RedirectOnLink RedirectCode = iota
	// RedirectRouter means the target is a better first-hop router.
	RedirectRouter
)

// Observation is a link-layer address learned from a received ND message.
type Observation struct {
	Source    netip.Addr
	Interface int
	// LinkAddr is nil when the message carried no link-layer address
	// option.
	LinkAddr net.HardwareAddr
	Type     MessageType
	Code     RedirectCode
}

// Advert is a received Neighbor Advertisement.
type Advert struct {
	Target    netip.Addr
	Interface int
	LinkAddr  net.HardwareAddr
	Router    bool
	Solicited bool
	Override  bool
}
