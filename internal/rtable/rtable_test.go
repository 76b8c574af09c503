package rtable

import (
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hostinger/nd6d/internal/neighbor"
)

func TestOnLink(t *testing.T) {
	tbl := New()
	tbl.SetPrefixes(1, []netip.Prefix{
		netip.MustParsePrefix("2001:db8:1::10/64"),
		netip.MustParsePrefix("192.0.2.0/24"),
	})

	require.True(t, tbl.OnLink(netip.MustParseAddr("2001:db8:1::1"), 1))
	require.True(t, tbl.OnLink(netip.MustParseAddr("fe80::1"), 7))
	require.False(t, tbl.OnLink(netip.MustParseAddr("2001:db8:2::1"), 1))
	require.False(t, tbl.OnLink(netip.MustParseAddr("2001:db8:1::1"), 2))

	tbl.AddPrefix(2, netip.MustParsePrefix("2001:db8:1::/64"))
	require.True(t, tbl.OnLink(netip.MustParseAddr("2001:db8:1::1"), 2))
}

func TestLookupOrCreateRoute(t *testing.T) {
	tbl := New()
	tbl.AddPrefix(1, netip.MustParsePrefix("2001:db8:1::/64"))
	addr := netip.MustParseAddr("2001:db8:1::1")

	_, _, err := tbl.LookupOrCreateRoute(addr, 1, false)
	require.Error(t, err)

	rt, created, err := tbl.LookupOrCreateRoute(addr, 1, true)
	require.NoError(t, err)
	require.True(t, created)

	again, created, err := tbl.LookupOrCreateRoute(addr, 1, true)
	require.NoError(t, err)
	require.False(t, created)
	require.Same(t, rt.(*Route), again.(*Route))

	_, _, err = tbl.LookupOrCreateRoute(netip.MustParseAddr("2001:db8:9::1"), 1, true)
	require.ErrorIs(t, err, ErrOffLink)

	expire := time.Unix(1000, 0)
	tbl.SetRouteExpiry(rt, expire)
	require.Equal(t, expire, tbl.RouteExpiry(rt))
	require.Equal(t, []Route{{Addr: addr, Interface: 1, Expire: expire}}, tbl.Routes())

	tbl.DeleteRoute(rt)
	require.Empty(t, tbl.Routes())
}

func TestDeleteStaleHandle(t *testing.T) {
	tbl := New()
	addr := netip.MustParseAddr("fe80::1")

	old, _, err := tbl.LookupOrCreateRoute(addr, 1, true)
	require.NoError(t, err)
	tbl.DeleteRoute(old)

	cur, _, err := tbl.LookupOrCreateRoute(addr, 1, true)
	require.NoError(t, err)

	// Deleting through the old handle leaves the new route alone.
	tbl.DeleteRoute(old)
	require.Len(t, tbl.Routes(), 1)
	tbl.DeleteRoute(cur)
	require.Empty(t, tbl.Routes())
}

func TestRemoveInterface(t *testing.T) {
	tbl := New()
	tbl.AddPrefix(1, netip.MustParsePrefix("2001:db8:1::/64"))
	_, _, err := tbl.LookupOrCreateRoute(netip.MustParseAddr("fe80::1"), 1, true)
	require.NoError(t, err)
	_, _, err = tbl.LookupOrCreateRoute(netip.MustParseAddr("fe80::1"), 2, true)
	require.NoError(t, err)

	tbl.RemoveInterface(1)
	require.Equal(t, []Route{{Addr: netip.MustParseAddr("fe80::1"), Interface: 2}}, tbl.Routes())
	require.False(t, tbl.OnLink(netip.MustParseAddr("2001:db8:1::1"), 1))
}

type nopXmit struct{}

func (nopXmit) SendNeighborSolicitation(*neighbor.Interface, netip.Addr, netip.Addr, bool) error {
	return nil
}

func (nopXmit) SendUnreachableError(*neighbor.Interface, *neighbor.Packet, uint8) error {
	return nil
}

func (nopXmit) Output(*neighbor.Interface, net.HardwareAddr, *neighbor.Packet) error {
	return nil
}

func (nopXmit) MulticastJoin(netip.Addr, *neighbor.Interface) (neighbor.GroupHandle, error) {
	return struct{}{}, nil
}

func (nopXmit) MulticastLeave(neighbor.GroupHandle) error {
	return nil
}

func TestCacheOwnsRoutes(t *testing.T) {
	now := time.Unix(1000, 0)
	tbl := New()
	tbl.AddPrefix(1, netip.MustParsePrefix("2001:db8:1::/64"))

	cache, err := neighbor.NewCache(neighbor.DefaultConfig(), nopXmit{},
		neighbor.WithRouter(tbl),
		neighbor.WithClock(func() time.Time { return now }),
	)
	require.NoError(t, err)
	cache.AddInterface(neighbor.Interface{Name: "en0", Index: 1})

	addr := netip.MustParseAddr("2001:db8:1::1")
	res := cache.Resolve(addr, 1, &neighbor.Packet{})
	require.Equal(t, neighbor.Queued, res.Kind)

	routes := tbl.Routes()
	require.Len(t, routes, 1)
	require.Equal(t, now.Add(time.Second), routes[0].Expire)

	res = cache.Resolve(netip.MustParseAddr("2001:db8:2::1"), 1, &neighbor.Packet{})
	require.Equal(t, neighbor.Failed, res.Kind)
	require.ErrorIs(t, res.Err, neighbor.ErrNoRoute)
	require.ErrorIs(t, res.Err, ErrOffLink)

	require.NoError(t, cache.DeleteEntry(addr, 1))
	require.Empty(t, tbl.Routes())
}
