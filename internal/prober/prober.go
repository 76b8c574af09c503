// Package prober confirms neighbor reachability with ICMPv6 echo requests
// and reports successful replies to the cache as upper-layer hints.
//
// Every echo is announced to the cache as outgoing traffic first, so a
// stale neighbor enters DELAY and is probed with unicast solicitations
// when no reply confirms it.
package prober

import (
	"context"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/go-ping/ping"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hostinger/nd6d/internal/neighbor"
)

// Config is the prober configuration.
type Config struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`
	// Concurrency bounds the number of probes in flight.
	Concurrency int `yaml:"concurrency"`
	// Privileged selects raw ICMP sockets over unprivileged datagram ones.
	Privileged bool `yaml:"privileged"`
}

func DefaultConfig() Config {
	return Config{
		Interval:    10 * time.Second,
		Timeout:     time.Second,
		Concurrency: 16,
		Privileged:  true,
	}
}

// Cache is the part of the neighbor cache the prober uses.
type Cache interface {
	Entries() []neighbor.Info
	InterfaceByIndex(ifindex int) (neighbor.Interface, bool)
	Resolve(dst netip.Addr, ifindex int, pkt *neighbor.Packet) neighbor.Result
	ReachabilityHint(addr netip.Addr, ifindex int) bool
}

// PingFunc sends one echo request to target and reports whether a reply
// arrived.
type PingFunc func(ctx context.Context, target string) (bool, error)

// Prober periodically pings resolved neighbors.
type Prober struct {
	cfg   Config
	cache Cache
	ping  PingFunc
	log   *zap.SugaredLogger

	probes *prometheus.CounterVec
}

// Option configures a Prober.
type Option func(*Prober)

func WithLog(log *zap.SugaredLogger) Option {
	return func(p *Prober) {
		p.log = log
	}
}

func WithPing(fn PingFunc) Option {
	return func(p *Prober) {
		p.ping = fn
	}
}

// WithRegisterer registers the prober's metrics.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(p *Prober) {
		reg.MustRegister(p.probes)
	}
}

func New(cfg Config, cache Cache, options ...Option) *Prober {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}

	p := &Prober{
		cfg:   cfg,
		cache: cache,
		log:   zap.NewNop().Sugar(),
		probes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nd6",
			Subsystem: "prober",
			Name:      "probes_total",
			Help:      "Echo probes sent to neighbors by result.",
		}, []string{"result"}),
	}
	p.ping = icmpEcho(cfg.Timeout, cfg.Privileged)
	for _, o := range options {
		o(p)
	}
	return p
}

func icmpEcho(timeout time.Duration, privileged bool) PingFunc {
	return func(ctx context.Context, target string) (bool, error) {
		pinger, err := ping.NewPinger(target)
		if err != nil {
			return false, err
		}
		pinger.Count = 1
		pinger.Timeout = timeout
		pinger.SetPrivileged(privileged)

		stop := context.AfterFunc(ctx, pinger.Stop)
		defer stop()

		if err := pinger.Run(); err != nil {
			return false, err
		}
		return pinger.Statistics().PacketsRecv > 0, nil
	}
}

func probeable(info neighbor.Info) bool {
	if info.Permanent || info.Proxy {
		return false
	}
	switch info.State {
	case neighbor.Reachable, neighbor.Stale, neighbor.Delay, neighbor.Probe:
		return true
	default:
		return false
	}
}

// target formats addr for the pinger, scoping link-local addresses to
// their interface.
func (p *Prober) target(info neighbor.Info) (string, bool) {
	if !info.Addr.IsLinkLocalUnicast() {
		return info.Addr.String(), true
	}
	ifc, ok := p.cache.InterfaceByIndex(info.Interface)
	if !ok {
		return "", false
	}
	return info.Addr.WithZone(ifc.Name).String(), true
}

// ProbeAll pings every resolved neighbor once and returns how many hints
// the cache accepted.
func (p *Prober) ProbeAll(ctx context.Context) int {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Concurrency)

	var accepted atomic.Int64
	for _, info := range p.cache.Entries() {
		if !probeable(info) {
			continue
		}
		target, ok := p.target(info)
		if !ok {
			continue
		}

		g.Go(func() error {
			if res := p.cache.Resolve(info.Addr, info.Interface, nil); res.Kind == neighbor.Failed {
				p.probes.WithLabelValues("unresolved").Inc()
				p.log.Debugw("skipping probe", zap.String("target", target), zap.Error(res.Err))
				return nil
			}

			ok, err := p.ping(ctx, target)
			switch {
			case err != nil:
				p.probes.WithLabelValues("error").Inc()
				p.log.Debugw("probe failed", zap.String("target", target), zap.Error(err))
				return nil
			case !ok:
				p.probes.WithLabelValues("timeout").Inc()
				return nil
			}

			p.probes.WithLabelValues("reply").Inc()
			if p.cache.ReachabilityHint(info.Addr, info.Interface) {
				accepted.Add(1)
			}
			return nil
		})
	}

	_ = g.Wait()
	return int(accepted.Load())
}

// Run probes on every interval until ctx is done.
func (p *Prober) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n := p.ProbeAll(ctx)
			p.log.Debugw("probed neighbors", zap.Int("confirmed", n))
		}
	}
}
