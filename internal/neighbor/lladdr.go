package neighbor

import (
	"bytes"
	"net"

	"go.uber.org/zap"
)

// Update is the outcome of applying an observation to the cache.
type Update struct {
	// Created reports whether the observation created the entry.
	Created bool
	// Recorded reports whether the link-layer address was recorded.
	Recorded bool
	// Changed reports whether a different known address was overridden.
	Changed bool
	// Updated reports whether the state was rewritten.
	Updated bool
	State   State
	Router  bool
}

// CacheLinkAddr applies a link-layer address learned from a received
// NS, RS, RA or Redirect message to the cache.
func (c *Cache) CacheLinkAddr(obs Observation) (Update, error) {
	var u Update
	err := c.Update(func(tx *Tx) error {
		var err error
		u, err = tx.CacheLinkAddr(obs)
		return err
	})
	return u, err
}

// CacheLinkAddr is the guarded form of Cache.CacheLinkAddr.
//
//	new prior observed changed   record   state
//	 0    n      n       -         -      unchanged
//	 0    y      n       -         -      unchanged
//	 0    n      y       -         y      STALE
//	 0    y      y       n         -      unchanged
//	 0    y      y       y         y      STALE
//	 1    -      n       -         -      NOSTATE
//	 1    -      y       -         y      STALE
func (tx *Tx) CacheLinkAddr(obs Observation) (Update, error) {
	c := tx.c
	if !obs.Source.IsValid() || obs.Source.IsUnspecified() {
		return Update{}, nil
	}

	e, created, err := tx.FindOrCreate(obs.Source, obs.Interface, true)
	if err != nil {
		return Update{}, err
	}
	if !created && e.Permanent {
		// Never overwrite administrative entries.
		return Update{State: e.State, Router: e.IsRouter}, nil
	}

	lladdr := obs.LinkAddr
	prior := len(e.LinkAddr) > 0
	observed := len(lladdr) > 0
	changed := prior && observed && !bytes.Equal(e.LinkAddr, lladdr)

	u := Update{Created: created, Changed: changed}
	if changed {
		c.metrics.overridden()
		c.log.Infow("link-layer address changed",
			zap.Stringer("addr", obs.Source),
			zap.Int("interface", obs.Interface),
			zap.Stringer("old", e.LinkAddr),
			zap.Stringer("new", lladdr),
			zap.Stringer("message", obs.Type),
		)
	}

	var newState State
	switch {
	case created && !observed:
		u.Updated = true
		newState = NoState
	case created && observed, !prior && observed, changed:
		u.Updated = true
		newState = Stale
	}

	if observed && (!prior || changed) {
		e.LinkAddr = append(net.HardwareAddr(nil), lladdr...)
		u.Recorded = true
	}

	if u.Updated {
		e.State = newState
		switch newState {
		case Stale:
			tx.schedule(e, c.cfg.GCInterval)
			tx.flush(e)
		case Incomplete:
			tx.schedule(e, 0)
		}
		tx.notifyChanged(e)
	}

	switch obs.Type {
	case NeighborSolicit:
		if created {
			e.IsRouter = false
		}
	case Redirect:
		if obs.Code == RedirectRouter {
			e.IsRouter = true
		} else if created {
			e.IsRouter = false
		}
	case RouterSolicit:
		e.IsRouter = false
	case RouterAdvert:
		if (!created && (prior || observed)) || (created && observed) {
			e.IsRouter = true
		}
	}

	u.State = e.State
	u.Router = e.IsRouter
	return u, nil
}

// HandleAdvert applies a received Neighbor Advertisement. Advertisements
// never create entries.
func (c *Cache) HandleAdvert(na Advert) (Update, error) {
	var u Update
	err := c.Update(func(tx *Tx) error {
		u = tx.HandleAdvert(na)
		return nil
	})
	return u, err
}

// HandleAdvert is the guarded form of Cache.HandleAdvert.
func (tx *Tx) HandleAdvert(na Advert) Update {
	c := tx.c
	e := tx.Lookup(na.Target, na.Interface)
	if e == nil || e.Permanent {
		return Update{}
	}

	lladdr := na.LinkAddr
	observed := len(lladdr) > 0
	u := Update{}

	if e.State == Incomplete || e.State == NoState {
		if !observed {
			return Update{State: e.State, Router: e.IsRouter}
		}
		e.LinkAddr = append(net.HardwareAddr(nil), lladdr...)
		u.Recorded = true
		u.Updated = true
		if na.Solicited {
			tx.confirm(e)
		} else {
			e.State = Stale
			e.Asked = 0
			tx.schedule(e, c.cfg.GCInterval)
		}
		e.IsRouter = na.Router
		tx.flush(e)
		tx.notifyChanged(e)
		u.State = e.State
		u.Router = e.IsRouter
		return u
	}

	changed := observed && !bytes.Equal(e.LinkAddr, lladdr)
	u.Changed = changed

	if !na.Override && changed {
		// Keep the known address but stop trusting it.
		if e.State == Reachable {
			e.State = Stale
			tx.schedule(e, c.cfg.GCInterval)
			u.Updated = true
			tx.notifyChanged(e)
		}
		u.State = e.State
		u.Router = e.IsRouter
		return u
	}

	if changed {
		c.metrics.overridden()
		c.log.Infow("link-layer address overridden by advertisement",
			zap.Stringer("addr", na.Target),
			zap.Int("interface", na.Interface),
			zap.Stringer("old", e.LinkAddr),
			zap.Stringer("new", lladdr),
		)
		e.LinkAddr = append(net.HardwareAddr(nil), lladdr...)
		u.Recorded = true
	}

	switch {
	case na.Solicited:
		tx.confirm(e)
		u.Updated = true
	case changed:
		e.State = Stale
		tx.schedule(e, c.cfg.GCInterval)
		u.Updated = true
	}
	e.IsRouter = na.Router

	if u.Updated {
		tx.notifyChanged(e)
	}
	u.State = e.State
	u.Router = e.IsRouter
	return u
}

// flush hands the pending packet to the output path now that the entry
// has a link-layer address. The slot is cleared first, so a packet that
// lands back in it is a fresh enqueue and is sent at most once per flush.
// The packet itself leaves after the transaction commits.
func (tx *Tx) flush(e *Entry) {
	pkt := e.pending
	if pkt == nil {
		return
	}
	e.pending = nil

	res := tx.Resolve(e.key.Addr, e.key.Interface, pkt)
	if res.Kind != Resolved {
		return
	}
	tx.output(e, res.LinkAddr, pkt)
}
