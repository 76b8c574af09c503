package neighbor

import (
	"fmt"
	"net"
	"net/netip"

	"go.uber.org/zap"
)

// ResultKind is the outcome of a resolution attempt.
type ResultKind uint8

const (
	// Resolved means the link-layer address is known.
	Resolved ResultKind = iota
	// Queued means the packet is held until resolution completes. It is
	// not an error.
	Queued
	// Failed means no entry can exist for the destination. The caller
	// should drop the packet.
	Failed
)

func (k ResultKind) String() string {
	switch k {
	case Resolved:
		return "resolved"
	case Queued:
		return "queued"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Result is returned by Resolve.
type Result struct {
	Kind ResultKind
	// LinkAddr is set when Kind is Resolved.
	LinkAddr net.HardwareAddr
	// Err is set when Kind is Failed.
	Err error
}

// Resolve looks up the link-layer address for dst on the interface.
//
// When the address is not known yet, pkt replaces whatever packet was
// already held for dst and a solicitation is sent if none has been sent
// so far.
func (c *Cache) Resolve(dst netip.Addr, ifindex int, pkt *Packet) Result {
	var res Result
	c.Update(func(tx *Tx) error {
		res = tx.Resolve(dst, ifindex, pkt)
		return nil
	})
	return res
}

// Resolve is the guarded form of Cache.Resolve.
func (tx *Tx) Resolve(dst netip.Addr, ifindex int, pkt *Packet) Result {
	c := tx.c
	e, _, err := tx.FindOrCreate(dst, ifindex, true)
	if err != nil {
		c.log.Debugw("failed to resolve", zap.Stringer("addr", dst), zap.Error(err))
		return Result{Kind: Failed, Err: err}
	}
	c.entries.Touch(e)

	if e.State == NoState {
		e.State = Incomplete
		tx.notifyChanged(e)
	}

	// Sending to a stale neighbor restarts reachability detection.
	if e.State == Stale {
		e.Asked = 0
		e.State = Delay
		tx.schedule(e, c.cfg.DelayFirstProbeTime)
		tx.notifyChanged(e)
	}

	if e.State > Incomplete {
		if len(e.LinkAddr) == 0 {
			return Result{Kind: Failed, Err: fmt.Errorf("%s: %w", dst, ErrNoLinkAddr)}
		}
		return Result{
			Kind:     Resolved,
			LinkAddr: append(net.HardwareAddr(nil), e.LinkAddr...),
		}
	}

	if pkt != nil && e.State == Incomplete {
		e.pending = pkt
	}

	if e.State == Incomplete && e.Asked == 0 {
		ifc := tx.iface(e)
		e.Asked++
		tx.schedule(e, ifc.Retrans)
		tx.solicit(ifc, e, false)
	}
	return Result{Kind: Queued}
}
