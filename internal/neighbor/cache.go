package neighbor

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"net/netip"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrNoRoute is returned when no on-link route can host an entry.
	ErrNoRoute = errors.New("no on-link route")
	// ErrNoInterface is returned for interfaces unknown to the cache.
	ErrNoInterface = errors.New("unknown interface")
	// ErrNotFound is returned when no entry exists for a key.
	ErrNotFound = errors.New("neighbor entry not found")
	// ErrNoLinkAddr is returned for permanent entries without a link-layer
	// address to answer with.
	ErrNoLinkAddr = errors.New("no link-layer address")
)

// evictBatch bounds how many least recently used entries are examined per
// admission once the cache is full.
const evictBatch = 10

// Option is a function that configures the cache.
type Option func(*options)

// WithLog configures the cache with a logger.
func WithLog(log *zap.SugaredLogger) Option {
	return func(o *options) {
		o.Log = log
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.Now = now
	}
}

// WithRouter sets the routing table entries are hung off. Without one every
// address is treated as on-link.
func WithRouter(r Router) Option {
	return func(o *options) {
		o.Router = r
	}
}

// WithObserver registers an observer for entry changes.
func WithObserver(obs Observer) Option {
	return func(o *options) {
		o.Observers = append(o.Observers, obs)
	}
}

// WithMetrics enables metrics collection.
func WithMetrics(m *Metrics) Option {
	return func(o *options) {
		o.Metrics = m
	}
}

type options struct {
	Log       *zap.SugaredLogger
	Now       func() time.Time
	Router    Router
	Observers []Observer
	Metrics   *Metrics
}

func newOptions() *options {
	return &options{
		Log: zap.NewNop().Sugar(),
		Now: time.Now,
	}
}

// Cache is a neighbor cache for one routing domain.
//
// All mutable state is guarded by a single lock. Mutations run inside
// Update, which hands out the Tx write guard; reads run inside View.
type Cache struct {
	mu      sync.RWMutex
	cfg     Config
	entries *store
	timers  *timerQueue
	ifaces  map[int]*Interface

	xmit      Transmitter
	router    Router
	observers []Observer
	metrics   *Metrics
	log       *zap.SugaredLogger
	now       func() time.Time
	wake      chan struct{}

	// events holds observer notifications in the order their transactions
	// committed. It is appended to under mu and drained under dispatchMu.
	eventsMu   sync.Mutex
	events     []event
	dispatchMu sync.Mutex
}

// NewCache creates a new neighbor cache.
func NewCache(cfg Config, xmit Transmitter, options ...Option) (*Cache, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid neighbor discovery config: %w", err)
	}
	if xmit == nil {
		return nil, fmt.Errorf("transmitter is required")
	}

	opts := newOptions()
	for _, o := range options {
		o(opts)
	}

	c := &Cache{
		cfg:       cfg,
		entries:   newStore(),
		ifaces:    map[int]*Interface{},
		xmit:      xmit,
		router:    opts.Router,
		observers: opts.Observers,
		metrics:   opts.Metrics,
		log:       opts.Log,
		now:       opts.Now,
		wake:      make(chan struct{}, 1),
	}
	c.timers = newTimerQueue(c.notify)
	return c, nil
}

func (c *Cache) notify() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Config returns the protocol constants the cache runs with.
func (c *Cache) Config() Config {
	return c.cfg
}

// Update runs fn with exclusive access to the cache.
//
// Observers are notified and held packets are sent once the lock is
// released, so both may take their time and Output may call back into the
// cache.
func (c *Cache) Update(fn func(tx *Tx) error) error {
	tx := &Tx{c: c}

	c.mu.Lock()
	err := fn(tx)
	c.metrics.setEntries(c.entries.Len())
	if len(tx.events) > 0 {
		c.eventsMu.Lock()
		c.events = append(c.events, tx.events...)
		c.eventsMu.Unlock()
	}
	c.mu.Unlock()

	if len(tx.events) > 0 {
		c.dispatch()
	}
	tx.transmit()
	return err
}

// dispatch delivers queued events to the observers, oldest first. Only one
// goroutine delivers at a time, so observers see events in commit order
// even when transactions finish concurrently.
func (c *Cache) dispatch() {
	c.dispatchMu.Lock()
	defer c.dispatchMu.Unlock()

	for {
		c.eventsMu.Lock()
		events := c.events
		c.events = nil
		c.eventsMu.Unlock()

		if len(events) == 0 {
			return
		}
		for _, ev := range events {
			for _, obs := range c.observers {
				if ev.deleted {
					obs.OnEntryDeleted(ev.key)
				} else {
					obs.OnEntryChanged(ev.info)
				}
			}
		}
	}
}

// View runs fn with shared access to the cache.
func (c *Cache) View(fn func(v *View)) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	fn(&View{c: c})
}

// AddInterface registers an interface. Zero timers take the configured
// defaults.
func (c *Cache) AddInterface(ifc Interface) {
	if ifc.BaseReachable <= 0 {
		ifc.BaseReachable = c.cfg.BaseReachableTime
	}
	if ifc.Retrans <= 0 {
		ifc.Retrans = c.cfg.RetransTimer
	}
	ifc.Reachable = computeReachable(ifc.BaseReachable)

	c.mu.Lock()
	defer c.mu.Unlock()

	c.ifaces[ifc.Index] = &ifc
	c.log.Infow("registered interface",
		zap.String("name", ifc.Name),
		zap.Int("index", ifc.Index),
		zap.Duration("reachable", ifc.Reachable),
	)
}

// RemoveInterface purges the interface's entries and forgets it.
func (c *Cache) RemoveInterface(ifindex int) {
	c.Update(func(tx *Tx) error {
		n := tx.Purge(ifindex)
		delete(c.ifaces, ifindex)
		c.log.Infow("removed interface", zap.Int("index", ifindex), zap.Int("purged", n))
		return nil
	})
}

// InterfaceByIndex returns a copy of a registered interface.
func (c *Cache) InterfaceByIndex(ifindex int) (Interface, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ifc, ok := c.ifaces[ifindex]
	if !ok {
		return Interface{}, false
	}
	return *ifc, true
}

// Interfaces returns copies of all registered interfaces ordered by index.
func (c *Cache) Interfaces() []Interface {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Interface, 0, len(c.ifaces))
	for _, ifc := range c.ifaces {
		out = append(out, *ifc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

// RecomputeReachable re-randomizes every interface's reachable time.
func (c *Cache) RecomputeReachable() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, ifc := range c.ifaces {
		ifc.Reachable = computeReachable(ifc.BaseReachable)
		c.log.Debugw("recomputed reachable time",
			zap.String("interface", ifc.Name),
			zap.Duration("reachable", ifc.Reachable),
		)
	}
}

// computeReachable picks a value uniformly from [0.5, 1.5) times base.
func computeReachable(base time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	return base/2 + rand.N(base)
}

// GetEntryInfo returns a snapshot of the entry for addr on the interface.
func (c *Cache) GetEntryInfo(addr netip.Addr, ifindex int) (Info, error) {
	var info Info
	var ok bool
	c.View(func(v *View) {
		info, ok = v.Lookup(addr, ifindex)
	})
	if !ok {
		return Info{}, ErrNotFound
	}
	return info, nil
}

// Entries returns snapshots of all entries ordered by interface and
// address.
func (c *Cache) Entries() []Info {
	var out []Info
	c.View(func(v *View) {
		out = v.Entries()
	})
	return out
}

// Purge deletes every entry on the interface.
func (c *Cache) Purge(ifindex int) int {
	var n int
	c.Update(func(tx *Tx) error {
		n = tx.Purge(ifindex)
		return nil
	})
	return n
}

// AddStatic installs a permanent entry.
func (c *Cache) AddStatic(addr netip.Addr, ifindex int, lladdr net.HardwareAddr, router bool) error {
	return c.Update(func(tx *Tx) error {
		_, err := tx.addPermanent(addr, ifindex, lladdr, router, false)
		return err
	})
}

// AddProxy installs a permanent proxy entry and joins the solicited-node
// multicast group of addr on the interface.
func (c *Cache) AddProxy(addr netip.Addr, ifindex int, lladdr net.HardwareAddr) error {
	return c.Update(func(tx *Tx) error {
		_, err := tx.addPermanent(addr, ifindex, lladdr, false, true)
		return err
	})
}

// DeleteEntry removes an entry, permanent or not.
func (c *Cache) DeleteEntry(addr netip.Addr, ifindex int) error {
	return c.Update(func(tx *Tx) error {
		e := tx.Lookup(addr, ifindex)
		if e == nil {
			return ErrNotFound
		}
		tx.Delete(e, "admin")
		return nil
	})
}

// RunTimers handles every entry whose deadline has passed.
func (c *Cache) RunTimers() {
	c.Update(func(tx *Tx) error {
		now := c.now()
		for h := range c.timers.Due(now) {
			e := c.entries.Get(h)
			if e == nil {
				// Deleted earlier in this sweep.
				c.timers.Remove(h)
				continue
			}
			if e.ExpireAt.After(now) {
				continue
			}
			c.timers.Remove(h)
			tx.expire(e)
		}
		c.timers.rearm()
		return nil
	})
}

// NextDeadline returns the earliest pending deadline and records it as the
// time the timer driver sleeps until. Any earlier schedule wakes the driver.
func (c *Cache) NextDeadline() (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.timers.rearm()
	return c.timers.Next()
}

// Run drives the timers until the context is canceled.
func (c *Cache) Run(ctx context.Context) error {
	c.log.Debugf("starting neighbor cache")
	defer c.log.Debugf("stopped neighbor cache")

	wg, ctx := errgroup.WithContext(ctx)
	wg.Go(func() error {
		return c.runTimers(ctx)
	})
	wg.Go(func() error {
		return c.runRecalc(ctx)
	})

	return wg.Wait()
}

func (c *Cache) runTimers(ctx context.Context) error {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		if next, ok := c.NextDeadline(); ok {
			timer.Reset(max(next.Sub(c.now()), 0))
		} else {
			timer.Stop()
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.wake:
		case <-timer.C:
			c.RunTimers()
		}
	}
}

func (c *Cache) runRecalc(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.RecalcInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.RecomputeReachable()
		}
	}
}

// View is the read guard handed out by Cache.View.
type View struct {
	c *Cache
}

// Lookup returns a snapshot of an entry.
func (v *View) Lookup(addr netip.Addr, ifindex int) (Info, bool) {
	e := v.c.entries.Find(Key{Addr: addr, Interface: ifindex})
	if e == nil {
		return Info{}, false
	}
	return e.info(), true
}

// Len returns the number of entries.
func (v *View) Len() int {
	return v.c.entries.Len()
}

// Entries returns snapshots of all entries ordered by interface and
// address.
func (v *View) Entries() []Info {
	out := make([]Info, 0, v.c.entries.Len())
	for e := range v.c.entries.All() {
		out = append(out, e.info())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Interface != out[j].Interface {
			return out[i].Interface < out[j].Interface
		}
		return out[i].Addr.Less(out[j].Addr)
	})
	return out
}

// Tx is the write guard handed out by Cache.Update. Every mutation of
// entries goes through it.
type Tx struct {
	c       *Cache
	events  []event
	outputs []heldPacket
}

// event is an observer notification. Deletions carry the key only.
type event struct {
	key     Key
	info    Info
	deleted bool
}

// heldPacket is a packet released by a resolved entry, sent after the
// transaction commits.
type heldPacket struct {
	ifc    Interface
	addr   netip.Addr
	lladdr net.HardwareAddr
	pkt    *Packet
}

func (tx *Tx) notifyChanged(e *Entry) {
	if len(tx.c.observers) > 0 {
		tx.events = append(tx.events, event{key: e.key, info: e.info()})
	}
}

func (tx *Tx) notifyDeleted(e *Entry) {
	if len(tx.c.observers) > 0 {
		tx.events = append(tx.events, event{key: e.key, deleted: true})
	}
}

// output queues pkt for delivery to lladdr once the lock is released.
func (tx *Tx) output(e *Entry, lladdr net.HardwareAddr, pkt *Packet) {
	tx.outputs = append(tx.outputs, heldPacket{
		ifc:    *tx.iface(e),
		addr:   e.key.Addr,
		lladdr: lladdr,
		pkt:    pkt,
	})
}

func (tx *Tx) transmit() {
	for _, out := range tx.outputs {
		if err := tx.c.xmit.Output(&out.ifc, out.lladdr, out.pkt); err != nil {
			tx.c.log.Warnw("failed to send held packet",
				zap.Stringer("addr", out.addr), zap.Error(err))
		}
	}
}

// Lookup returns the entry for addr on the interface.
func (tx *Tx) Lookup(addr netip.Addr, ifindex int) *Entry {
	return tx.c.entries.Find(Key{Addr: addr, Interface: ifindex})
}

// FindOrCreate returns the entry for addr on the interface, creating a
// NoState entry when allowed.
func (tx *Tx) FindOrCreate(addr netip.Addr, ifindex int, create bool) (*Entry, bool, error) {
	c := tx.c
	key := Key{Addr: addr, Interface: ifindex}
	if e := c.entries.Find(key); e != nil {
		return e, false, nil
	}
	if !create {
		return nil, false, ErrNotFound
	}
	if _, ok := c.ifaces[ifindex]; !ok {
		return nil, false, fmt.Errorf("interface %d: %w", ifindex, ErrNoInterface)
	}

	var rt RouteHandle
	var ownsRt bool
	if c.router != nil {
		var err error
		rt, ownsRt, err = c.router.LookupOrCreateRoute(addr, ifindex, true)
		if err != nil {
			return nil, false, fmt.Errorf("%s: %w: %w", addr, ErrNoRoute, err)
		}
	}

	tx.evict()

	e := c.entries.Insert(key)
	e.State = NoState
	e.route = rt
	e.ownsRt = ownsRt
	tx.schedule(e, c.cfg.GCInterval)

	c.log.Debugw("created neighbor entry", zap.Stringer("addr", addr), zap.Int("interface", ifindex))
	return e, true, nil
}

// evict makes room for one more entry by deleting least recently used
// entries. Permanent entries are rotated to the front instead.
func (tx *Tx) evict() {
	c := tx.c
	if c.cfg.MaxEntries <= 0 || c.entries.Len() < c.cfg.MaxEntries {
		return
	}
	for range evictBatch {
		if c.entries.Len() < c.cfg.MaxEntries {
			return
		}
		e := c.entries.Oldest()
		if e == nil {
			return
		}
		if e.Permanent {
			c.entries.Touch(e)
			continue
		}
		tx.Delete(e, "evicted")
	}
}

// Delete removes the entry, dropping any pending packet without delivery.
// Deleting an entry that is already gone does nothing.
func (tx *Tx) Delete(e *Entry, reason string) bool {
	c := tx.c
	if !c.entries.Remove(e) {
		return false
	}
	c.timers.Remove(e.handle)
	e.pending = nil

	if e.group != nil {
		if err := c.xmit.MulticastLeave(e.group); err != nil {
			c.log.Warnw("failed to leave solicited-node group",
				zap.Stringer("addr", e.key.Addr), zap.Error(err))
		}
		e.group = nil
	}
	if e.route != nil {
		if e.ownsRt && c.router != nil {
			c.router.DeleteRoute(e.route)
		}
		e.route = nil
	}

	c.metrics.deleted(reason)
	tx.notifyDeleted(e)
	c.log.Debugw("deleted neighbor entry",
		zap.Stringer("addr", e.key.Addr),
		zap.Int("interface", e.key.Interface),
		zap.String("reason", reason),
	)
	return true
}

// Purge deletes every entry on the interface.
func (tx *Tx) Purge(ifindex int) int {
	n := 0
	for e := range tx.c.entries.All() {
		if e.key.Interface != ifindex {
			continue
		}
		if tx.Delete(e, "purge") {
			n++
		}
	}
	return n
}

func (tx *Tx) addPermanent(addr netip.Addr, ifindex int, lladdr net.HardwareAddr, router, proxy bool) (*Entry, error) {
	c := tx.c
	ifc, ok := c.ifaces[ifindex]
	if !ok {
		return nil, fmt.Errorf("interface %d: %w", ifindex, ErrNoInterface)
	}
	if len(lladdr) == 0 {
		lladdr = ifc.HardwareAddr
	}
	if len(lladdr) == 0 {
		return nil, fmt.Errorf("%s on %s: %w", addr, ifc.Name, ErrNoLinkAddr)
	}

	e, _, err := tx.FindOrCreate(addr, ifindex, true)
	if err != nil {
		return nil, err
	}

	c.timers.Remove(e.handle)
	e.ExpireAt = time.Time{}
	if e.route != nil {
		c.router.SetRouteExpiry(e.route, time.Time{})
	}
	e.State = Reachable
	e.LinkAddr = append(net.HardwareAddr(nil), lladdr...)
	e.IsRouter = router
	e.Permanent = true
	e.Asked = 0
	e.byHint = 0

	if proxy && e.group == nil {
		g, err := c.xmit.MulticastJoin(SolicitedNode(addr), ifc)
		if err != nil {
			tx.Delete(e, "admin")
			return nil, fmt.Errorf("failed to join solicited-node group of %s: %w", addr, err)
		}
		e.group = g
	}
	e.Proxy = proxy

	tx.flush(e)
	tx.notifyChanged(e)
	return e, nil
}

// schedule arms the entry's timer and mirrors the deadline onto its route.
func (tx *Tx) schedule(e *Entry, d time.Duration) {
	c := tx.c
	c.timers.ScheduleOrUpdate(e, c.now(), d)
	if e.route != nil && c.router != nil {
		c.router.SetRouteExpiry(e.route, e.ExpireAt)
	}
}

func (tx *Tx) iface(e *Entry) *Interface {
	return tx.c.ifaces[e.key.Interface]
}

// SolicitedNode returns the solicited-node multicast address of addr.
func SolicitedNode(addr netip.Addr) netip.Addr {
	a := addr.As16()
	return netip.AddrFrom16([16]byte{
		0xff, 0x02, 0, 0, 0, 0, 0, 0,
		0, 0, 0, 0x01, 0xff, a[13], a[14], a[15],
	})
}
