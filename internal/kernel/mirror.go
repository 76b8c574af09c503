package kernel

import (
	"net"

	"github.com/vishvananda/netlink"
	"go.uber.org/zap"

	"github.com/hostinger/nd6d/internal/neighbor"
)

// Mirror copies resolved cache entries into the kernel neighbor table. It
// implements neighbor.Observer.
type Mirror struct {
	nl  Netlink
	log *zap.SugaredLogger
}

var _ neighbor.Observer = (*Mirror)(nil)

func NewMirror(options ...Option) *Mirror {
	opts := newOptions(options)
	return &Mirror{
		nl:  opts.Netlink,
		log: opts.Log,
	}
}

// nudState maps a cache entry onto a kernel NUD state. Entries without a
// link-layer address are not mirrored.
func nudState(info neighbor.Info) (int, bool) {
	if len(info.LinkAddr) == 0 {
		return 0, false
	}
	if info.Permanent {
		return netlink.NUD_PERMANENT, true
	}

	switch info.State {
	case neighbor.Reachable:
		return netlink.NUD_REACHABLE, true
	case neighbor.Stale:
		return netlink.NUD_STALE, true
	case neighbor.Delay:
		return netlink.NUD_DELAY, true
	case neighbor.Probe:
		return netlink.NUD_PROBE, true
	default:
		return 0, false
	}
}

func (m *Mirror) OnEntryChanged(info neighbor.Info) {
	state, ok := nudState(info)
	if !ok {
		return
	}

	neigh := &netlink.Neigh{
		LinkIndex:    info.Interface,
		IP:           net.IP(info.Addr.AsSlice()),
		HardwareAddr: info.LinkAddr,
		State:        state,
		Family:       netlink.FAMILY_V6,
	}
	if info.Proxy {
		neigh.Flags = netlink.NTF_PROXY
	}
	if info.IsRouter {
		neigh.Flags |= netlink.NTF_ROUTER
	}

	if err := m.nl.NeighSet(neigh); err != nil {
		m.log.Warnw("failed to set kernel neighbor entry",
			zap.Stringer("addr", info.Addr),
			zap.Int("interface", info.Interface),
			zap.Error(err),
		)
		return
	}
	m.log.Debugw("mirrored neighbor entry",
		zap.Stringer("addr", info.Addr),
		zap.Stringer("lladdr", info.LinkAddr),
		zap.Stringer("state", info.State),
	)
}

func (m *Mirror) OnEntryDeleted(key neighbor.Key) {
	neigh := &netlink.Neigh{
		LinkIndex: key.Interface,
		IP:        net.IP(key.Addr.AsSlice()),
		Family:    netlink.FAMILY_V6,
	}
	if err := m.nl.NeighDel(neigh); err != nil {
		// Entries that never got mirrored are not in the kernel table.
		m.log.Debugw("failed to delete kernel neighbor entry",
			zap.Stringer("addr", key.Addr),
			zap.Int("interface", key.Interface),
			zap.Error(err),
		)
	}
}
