package kernel

import (
	"fmt"
	"net/netip"
	"sync"

	"github.com/vishvananda/netlink"
	"go.uber.org/zap"

	"github.com/hostinger/nd6d/internal/neighbor"
)

// Registry is where interfaces are registered. *neighbor.Cache satisfies
// it.
type Registry interface {
	AddInterface(ifc neighbor.Interface)
	RemoveInterface(ifindex int)
}

// PrefixTable records on-link prefixes. *rtable.Table satisfies it.
type PrefixTable interface {
	SetPrefixes(ifindex int, prefixes []netip.Prefix)
	RemoveInterface(ifindex int)
}

// AddrSetter records an interface's own addresses. *transmit.Sender
// satisfies it.
type AddrSetter interface {
	SetLocalAddrs(ifindex int, addrs []netip.Addr)
}

// Link describes a discovered interface.
type Link struct {
	Interface neighbor.Interface
	Prefixes  []netip.Prefix
	Addrs     []netip.Addr
}

// Discover reads an interface and its IPv6 addresses from the kernel.
func Discover(nl Netlink, name string) (Link, error) {
	link, err := nl.LinkByName(name)
	if err != nil {
		return Link{}, fmt.Errorf("failed to find interface %s: %w", name, err)
	}
	attrs := link.Attrs()

	out := Link{
		Interface: neighbor.Interface{
			Name:         attrs.Name,
			Index:        attrs.Index,
			HardwareAddr: attrs.HardwareAddr,
		},
	}
	if out.Interface.Name == "" {
		out.Interface.Name = name
	}

	addrs, err := nl.AddrList(link, netlink.FAMILY_V6)
	if err != nil {
		return Link{}, fmt.Errorf("failed to list addresses of %s: %w", name, err)
	}
	for _, a := range addrs {
		if a.IPNet == nil {
			continue
		}
		ip, ok := netip.AddrFromSlice(a.IP)
		if !ok {
			continue
		}
		ip = ip.Unmap()
		if !ip.Is6() {
			continue
		}
		ones, _ := a.Mask.Size()
		out.Addrs = append(out.Addrs, ip)
		out.Prefixes = append(out.Prefixes, netip.PrefixFrom(ip, ones).Masked())
	}
	return out, nil
}

// Attacher registers kernel interfaces with the cache and keeps their
// prefixes and addresses current.
type Attacher struct {
	nl    Netlink
	log   *zap.SugaredLogger
	reg   Registry
	table PrefixTable
	addrs AddrSetter

	mu    sync.Mutex
	names map[int]string
}

func NewAttacher(reg Registry, table PrefixTable, addrs AddrSetter, options ...Option) *Attacher {
	opts := newOptions(options)
	return &Attacher{
		nl:    opts.Netlink,
		log:   opts.Log,
		reg:   reg,
		table: table,
		addrs: addrs,
		names: make(map[int]string),
	}
}

func (a *Attacher) apply(link Link) {
	idx := link.Interface.Index
	if a.table != nil {
		a.table.SetPrefixes(idx, link.Prefixes)
	}
	if a.addrs != nil {
		a.addrs.SetLocalAddrs(idx, link.Addrs)
	}
}

// Attach discovers the interface and registers it. Attaching an interface
// twice only refreshes its addresses.
func (a *Attacher) Attach(name string) (int, error) {
	link, err := Discover(a.nl, name)
	if err != nil {
		return 0, err
	}
	idx := link.Interface.Index

	a.mu.Lock()
	_, known := a.names[idx]
	a.names[idx] = link.Interface.Name
	a.mu.Unlock()

	a.apply(link)
	if !known {
		a.reg.AddInterface(link.Interface)
		a.log.Infow("attached interface",
			zap.String("name", link.Interface.Name),
			zap.Int("index", idx),
			zap.Stringers("prefixes", link.Prefixes),
		)
	}
	return idx, nil
}

// Refresh rereads the addresses of an attached interface.
func (a *Attacher) Refresh(ifindex int) error {
	a.mu.Lock()
	name, ok := a.names[ifindex]
	a.mu.Unlock()
	if !ok {
		return nil
	}

	link, err := Discover(a.nl, name)
	if err != nil {
		return err
	}
	a.apply(link)
	a.log.Debugw("refreshed interface addresses", zap.String("name", name), zap.Stringers("prefixes", link.Prefixes))
	return nil
}

// Detach forgets the interface and purges its entries.
func (a *Attacher) Detach(ifindex int) {
	a.mu.Lock()
	name, ok := a.names[ifindex]
	delete(a.names, ifindex)
	a.mu.Unlock()
	if !ok {
		return
	}

	a.reg.RemoveInterface(ifindex)
	if a.table != nil {
		a.table.RemoveInterface(ifindex)
	}
	a.log.Infow("detached interface", zap.String("name", name), zap.Int("index", ifindex))
}

// Attached reports whether the interface is registered.
func (a *Attacher) Attached(ifindex int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.names[ifindex]
	return ok
}
