// Package rtable keeps the on-link host routes neighbor cache entries hang
// off.
package rtable

import (
	"errors"
	"fmt"
	"net/netip"
	"slices"
	"sync"
	"time"

	"github.com/hostinger/nd6d/internal/neighbor"
)

// ErrOffLink is returned when a route is requested for an address that no
// prefix of the interface covers.
var ErrOffLink = errors.New("address is not on-link")

type routeKey struct {
	addr    netip.Addr
	ifindex int
}

// Route is a host route.
type Route struct {
	Addr      netip.Addr
	Interface int
	// Expire is the deadline of the neighbor entry using the route. Zero
	// means the route does not expire.
	Expire time.Time
}

// Table is a set of on-link prefixes per interface and the host routes
// created under them. It is safe for concurrent use.
type Table struct {
	mu       sync.Mutex
	prefixes map[int][]netip.Prefix
	routes   map[routeKey]*Route
}

var _ neighbor.Router = (*Table)(nil)

func New() *Table {
	return &Table{
		prefixes: make(map[int][]netip.Prefix),
		routes:   make(map[routeKey]*Route),
	}
}

// SetPrefixes replaces the on-link prefixes of the interface.
func (t *Table) SetPrefixes(ifindex int, prefixes []netip.Prefix) {
	t.mu.Lock()
	defer t.mu.Unlock()

	masked := make([]netip.Prefix, 0, len(prefixes))
	for _, p := range prefixes {
		if p.Addr().Is6() {
			masked = append(masked, p.Masked())
		}
	}
	t.prefixes[ifindex] = masked
}

// AddPrefix adds an on-link prefix to the interface.
func (t *Table) AddPrefix(ifindex int, prefix netip.Prefix) {
	t.mu.Lock()
	defer t.mu.Unlock()

	prefix = prefix.Masked()
	if !slices.Contains(t.prefixes[ifindex], prefix) {
		t.prefixes[ifindex] = append(t.prefixes[ifindex], prefix)
	}
}

// RemoveInterface drops the prefixes and routes of the interface.
func (t *Table) RemoveInterface(ifindex int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.prefixes, ifindex)
	for k := range t.routes {
		if k.ifindex == ifindex {
			delete(t.routes, k)
		}
	}
}

// OnLink reports whether addr is reachable directly on the interface.
// Link-local addresses are always on-link.
func (t *Table) OnLink(addr netip.Addr, ifindex int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.onLink(addr, ifindex)
}

func (t *Table) onLink(addr netip.Addr, ifindex int) bool {
	if addr.IsLinkLocalUnicast() {
		return true
	}
	for _, p := range t.prefixes[ifindex] {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

func (t *Table) LookupOrCreateRoute(addr netip.Addr, ifindex int, create bool) (neighbor.RouteHandle, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := routeKey{addr: addr, ifindex: ifindex}
	if rt, ok := t.routes[key]; ok {
		return rt, false, nil
	}
	if !create {
		return nil, false, fmt.Errorf("no route to %s on interface %d", addr, ifindex)
	}
	if !t.onLink(addr, ifindex) {
		return nil, false, fmt.Errorf("%s on interface %d: %w", addr, ifindex, ErrOffLink)
	}

	rt := &Route{Addr: addr, Interface: ifindex}
	t.routes[key] = rt
	return rt, true, nil
}

func (t *Table) DeleteRoute(h neighbor.RouteHandle) {
	rt, ok := h.(*Route)
	if !ok {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	key := routeKey{addr: rt.Addr, ifindex: rt.Interface}
	if t.routes[key] == rt {
		delete(t.routes, key)
	}
}

func (t *Table) RouteExpiry(h neighbor.RouteHandle) time.Time {
	rt, ok := h.(*Route)
	if !ok {
		return time.Time{}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	return rt.Expire
}

func (t *Table) SetRouteExpiry(h neighbor.RouteHandle, expire time.Time) {
	rt, ok := h.(*Route)
	if !ok {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	rt.Expire = expire
}

// Routes returns a copy of the host routes.
func (t *Table) Routes() []Route {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Route, 0, len(t.routes))
	for _, rt := range t.routes {
		out = append(out, *rt)
	}
	slices.SortFunc(out, func(a, b Route) int {
		if a.Interface != b.Interface {
			return a.Interface - b.Interface
		}
		return a.Addr.Compare(b.Addr)
	})
	return out
}
