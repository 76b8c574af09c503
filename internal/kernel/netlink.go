// Package kernel connects the neighbor cache to the Linux kernel: it
// discovers interfaces and their prefixes, follows link and address
// changes, and mirrors resolved entries into the kernel neighbor table.
package kernel

import (
	"github.com/vishvananda/netlink"
	"go.uber.org/zap"
)

// Netlink is the subset of the netlink API the package uses.
type Netlink interface {
	LinkByName(name string) (netlink.Link, error)
	AddrList(link netlink.Link, family int) ([]netlink.Addr, error)
	NeighSet(neigh *netlink.Neigh) error
	NeighDel(neigh *netlink.Neigh) error
	LinkSubscribe(ch chan<- netlink.LinkUpdate, done <-chan struct{}, onError func(error)) error
	AddrSubscribe(ch chan<- netlink.AddrUpdate, done <-chan struct{}, onError func(error)) error
}

type system struct{}

// System is the netlink API of the running kernel.
var System Netlink = system{}

func (system) LinkByName(name string) (netlink.Link, error) {
	return netlink.LinkByName(name)
}

func (system) AddrList(link netlink.Link, family int) ([]netlink.Addr, error) {
	return netlink.AddrList(link, family)
}

func (system) NeighSet(neigh *netlink.Neigh) error {
	return netlink.NeighSet(neigh)
}

func (system) NeighDel(neigh *netlink.Neigh) error {
	return netlink.NeighDel(neigh)
}

func (system) LinkSubscribe(ch chan<- netlink.LinkUpdate, done <-chan struct{}, onError func(error)) error {
	return netlink.LinkSubscribeWithOptions(ch, done, netlink.LinkSubscribeOptions{ErrorCallback: onError})
}

func (system) AddrSubscribe(ch chan<- netlink.AddrUpdate, done <-chan struct{}, onError func(error)) error {
	return netlink.AddrSubscribeWithOptions(ch, done, netlink.AddrSubscribeOptions{ErrorCallback: onError})
}

// Option is a function that configures the kernel glue.
type Option func(*options)

// WithLog configures the component with a logger.
func WithLog(log *zap.SugaredLogger) Option {
	return func(o *options) {
		o.Log = log
	}
}

// WithNetlink replaces the kernel netlink API.
func WithNetlink(nl Netlink) Option {
	return func(o *options) {
		o.Netlink = nl
	}
}

type options struct {
	Log     *zap.SugaredLogger
	Netlink Netlink
}

func newOptions(optFns []Option) *options {
	opts := &options{
		Log:     zap.NewNop().Sugar(),
		Netlink: System,
	}
	for _, o := range optFns {
		o(opts)
	}
	return opts
}
