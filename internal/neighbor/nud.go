package neighbor

import (
	"net/netip"

	"go.uber.org/zap"
)

// expire runs the state machine for an entry whose deadline has passed.
// The entry's timer has already been removed.
func (tx *Tx) expire(e *Entry) {
	c := tx.c
	ifc := tx.iface(e)
	if ifc == nil {
		tx.Delete(e, "no-interface")
		return
	}

	switch e.State {
	case Incomplete:
		if e.Asked < c.cfg.MaxMulticastSolicit {
			e.Asked++
			tx.schedule(e, ifc.Retrans)
			tx.solicit(ifc, e, false)
			return
		}
		if pkt := e.pending; pkt != nil {
			e.pending = nil
			tx.unreachable(ifc, e, pkt)
		}
		tx.Delete(e, "unresolved")

	case Reachable:
		if e.Permanent {
			return
		}
		e.State = Stale
		tx.schedule(e, c.cfg.GCInterval)
		tx.notifyChanged(e)

	case Stale, NoState:
		if e.Permanent {
			return
		}
		tx.Delete(e, "gc")

	case Delay:
		e.Asked = 1
		e.State = Probe
		tx.schedule(e, ifc.Retrans)
		tx.solicit(ifc, e, true)
		tx.notifyChanged(e)

	case Probe:
		if e.Asked < c.cfg.MaxUnicastSolicit {
			e.Asked++
			tx.schedule(e, ifc.Retrans)
			tx.solicit(ifc, e, true)
			return
		}
		tx.Delete(e, "unreachable")
	}
}

// solicit sends a solicitation for the entry. The pending packet's source,
// if any, is the source hint.
func (tx *Tx) solicit(ifc *Interface, e *Entry, unicast bool) {
	c := tx.c
	var src netip.Addr
	if e.pending != nil {
		src = e.pending.Source
	}
	kind := "multicast"
	if unicast {
		kind = "unicast"
	}

	c.metrics.solicited(kind)
	if err := c.xmit.SendNeighborSolicitation(ifc, src, e.key.Addr, unicast); err != nil {
		c.log.Warnw("failed to send neighbor solicitation",
			zap.Stringer("target", e.key.Addr),
			zap.String("interface", ifc.Name),
			zap.String("kind", kind),
			zap.Error(err),
		)
	}
}

// unreachable reports a failed resolution to the sender of pkt. A packet
// that bounces back into the pending slot is discarded.
func (tx *Tx) unreachable(ifc *Interface, e *Entry, pkt *Packet) {
	c := tx.c
	c.metrics.unreachableSent()
	if err := c.xmit.SendUnreachableError(ifc, pkt, UnreachableAddress); err != nil {
		c.log.Warnw("failed to send destination unreachable",
			zap.Stringer("target", e.key.Addr),
			zap.Stringer("source", pkt.Source),
			zap.Error(err),
		)
	}
	if e.pending == pkt {
		e.pending = nil
	}
}

// ReachabilityHint records an upper-layer confirmation that the neighbor
// is alive. It reports whether the hint was accepted.
//
// Entries that are not yet resolved ignore hints, and at most MaxNUDHint
// consecutive hints are accepted before a solicited advertisement resets
// the count.
func (c *Cache) ReachabilityHint(addr netip.Addr, ifindex int) bool {
	var accepted bool
	c.Update(func(tx *Tx) error {
		accepted = tx.ReachabilityHint(addr, ifindex)
		return nil
	})
	return accepted
}

// ReachabilityHint is the guarded form of Cache.ReachabilityHint.
func (tx *Tx) ReachabilityHint(addr netip.Addr, ifindex int) bool {
	c := tx.c
	e := tx.Lookup(addr, ifindex)
	if e == nil {
		// Lost a race with a timer-driven delete; nothing to confirm.
		return false
	}
	if e.State < Reachable {
		return false
	}

	e.byHint++
	if c.cfg.MaxNUDHint > 0 && e.byHint > c.cfg.MaxNUDHint {
		return false
	}

	prev := e.State
	e.State = Reachable
	if !e.Permanent {
		tx.schedule(e, tx.iface(e).Reachable)
	}
	if prev != Reachable {
		tx.notifyChanged(e)
	}
	return true
}

// confirm marks the entry reachable on a solicited confirmation.
func (tx *Tx) confirm(e *Entry) {
	e.State = Reachable
	e.byHint = 0
	e.Asked = 0
	if !e.Permanent {
		tx.schedule(e, tx.iface(e).Reachable)
	}
}
