package neighbor

import (
	"errors"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type solicitation struct {
	Interface string
	Source    netip.Addr
	Target    netip.Addr
	Unicast   bool
}

type output struct {
	LinkAddr net.HardwareAddr
	Packet   *Packet
}

type fakeGroup struct {
	addr netip.Addr
	id   int
}

type fakeXmit struct {
	solicitations []solicitation
	unreachable   []*Packet
	outputs       []output
	joins         []netip.Addr
	leaves        []netip.Addr
	joinErr       error
}

func (m *fakeXmit) SendNeighborSolicitation(ifc *Interface, src, target netip.Addr, unicast bool) error {
	m.solicitations = append(m.solicitations, solicitation{
		Interface: ifc.Name,
		Source:    src,
		Target:    target,
		Unicast:   unicast,
	})
	return nil
}

func (m *fakeXmit) SendUnreachableError(ifc *Interface, pkt *Packet, code uint8) error {
	if code != UnreachableAddress {
		return errors.New("unexpected code")
	}
	m.unreachable = append(m.unreachable, pkt)
	return nil
}

func (m *fakeXmit) Output(ifc *Interface, lladdr net.HardwareAddr, pkt *Packet) error {
	m.outputs = append(m.outputs, output{LinkAddr: lladdr, Packet: pkt})
	return nil
}

func (m *fakeXmit) MulticastJoin(group netip.Addr, ifc *Interface) (GroupHandle, error) {
	if m.joinErr != nil {
		return nil, m.joinErr
	}
	m.joins = append(m.joins, group)
	return &fakeGroup{addr: group, id: len(m.joins)}, nil
}

func (m *fakeXmit) MulticastLeave(g GroupHandle) error {
	m.leaves = append(m.leaves, g.(*fakeGroup).addr)
	return nil
}

func (m *fakeXmit) count(unicast bool) int {
	n := 0
	for _, s := range m.solicitations {
		if s.Unicast == unicast {
			n++
		}
	}
	return n
}

type fakeRoute struct {
	addr   netip.Addr
	expiry time.Time
}

// fakeRouter treats 2001:db8:1::/64 and fe80::/10 as on-link.
type fakeRouter struct {
	routes  map[netip.Addr]*fakeRoute
	deleted []netip.Addr
}

func newFakeRouter() *fakeRouter {
	return &fakeRouter{routes: map[netip.Addr]*fakeRoute{}}
}

var errOffLink = errors.New("destination is not on-link")

func (m *fakeRouter) LookupOrCreateRoute(addr netip.Addr, ifindex int, create bool) (RouteHandle, bool, error) {
	if rt, ok := m.routes[addr]; ok {
		return rt, false, nil
	}
	onLink := netip.MustParsePrefix("2001:db8:1::/64").Contains(addr) ||
		netip.MustParsePrefix("fe80::/10").Contains(addr)
	if !create || !onLink {
		return nil, false, errOffLink
	}
	rt := &fakeRoute{addr: addr}
	m.routes[addr] = rt
	return rt, true, nil
}

func (m *fakeRouter) DeleteRoute(rt RouteHandle) {
	r := rt.(*fakeRoute)
	delete(m.routes, r.addr)
	m.deleted = append(m.deleted, r.addr)
}

func (m *fakeRouter) RouteExpiry(rt RouteHandle) time.Time {
	return rt.(*fakeRoute).expiry
}

func (m *fakeRouter) SetRouteExpiry(rt RouteHandle, t time.Time) {
	rt.(*fakeRoute).expiry = t
}

type fakeObserver struct {
	changed []Info
	deleted []Key
	// events lists both kinds in delivery order.
	events []string
}

func (m *fakeObserver) OnEntryChanged(info Info) {
	m.changed = append(m.changed, info)
	m.events = append(m.events, "changed "+info.Addr.String()+" "+info.State.String())
}

func (m *fakeObserver) OnEntryDeleted(key Key) {
	m.deleted = append(m.deleted, key)
	m.events = append(m.events, "deleted "+key.Addr.String())
}

type fakeClock struct {
	t time.Time
}

func (m *fakeClock) Now() time.Time { return m.t }

func (m *fakeClock) Advance(d time.Duration) { m.t = m.t.Add(d) }

type testEnv struct {
	cache *Cache
	xmit  *fakeXmit
	clock *fakeClock
}

const testIfindex = 1

var (
	testMAC  = mustMAC("aa:bb:cc:dd:ee:ff")
	otherMAC = mustMAC("00:11:22:33:44:55")
	ifMAC    = mustMAC("02:00:00:00:00:01")
)

func mustMAC(s string) net.HardwareAddr {
	mac, err := net.ParseMAC(s)
	if err != nil {
		panic(err)
	}
	return mac
}

func newTestEnv(t *testing.T, cfg Config, options ...Option) *testEnv {
	t.Helper()

	clock := &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	xmit := &fakeXmit{}
	options = append([]Option{WithClock(clock.Now)}, options...)
	cache, err := NewCache(cfg, xmit, options...)
	require.NoError(t, err)

	cache.AddInterface(Interface{
		Name:         "en0",
		Index:        testIfindex,
		HardwareAddr: ifMAC,
	})
	return &testEnv{cache: cache, xmit: xmit, clock: clock}
}

// tick advances the clock by d and runs the timers, n times.
func (m *testEnv) tick(n int, d time.Duration) {
	for range n {
		m.clock.Advance(d)
		m.cache.RunTimers()
	}
}

// entry returns the live entry for addr, or nil.
func (m *testEnv) entry(addr netip.Addr) *Entry {
	var e *Entry
	m.cache.Update(func(tx *Tx) error {
		e = tx.Lookup(addr, testIfindex)
		return nil
	})
	return e
}

func (m *testEnv) reachable(t *testing.T) time.Duration {
	ifc, ok := m.cache.InterfaceByIndex(testIfindex)
	require.True(t, ok)
	return ifc.Reachable
}

// learn creates a STALE entry for addr with lladdr.
func (m *testEnv) learn(t *testing.T, addr netip.Addr, lladdr net.HardwareAddr) {
	t.Helper()

	u, err := m.cache.CacheLinkAddr(Observation{
		Source:    addr,
		Interface: testIfindex,
		LinkAddr:  lladdr,
		Type:      NeighborSolicit,
	})
	require.NoError(t, err)
	require.Equal(t, Stale, u.State)
}
