package sniffer

import (
	"context"
	"net"
	"os"
	"regexp"
	"sync"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/google/gopacket"
	"github.com/google/gopacket/pcap"
	"github.com/vishvananda/netlink"

	"github.com/hostinger/nd6d/internal/logger"
	"github.com/hostinger/nd6d/internal/ndopt"
	"github.com/hostinger/nd6d/internal/neighbor"
)

// Captures every Neighbor Discovery message type, RS through Redirect.
const bpfFilter = "inbound and icmp6 and ip6[40] >= 133 and ip6[40] <= 137"

// Config is the sniffer configuration.
type Config struct {
	Enabled bool `yaml:"enabled"`
	// Pattern selects interfaces discovered under /sys/class/net in
	// addition to the configured ones. Empty disables scanning.
	Pattern      string            `yaml:"pattern"`
	ScanInterval time.Duration     `yaml:"scan_interval"`
	Snaplen      datasize.ByteSize `yaml:"snaplen"`
	MaxOptions   int               `yaml:"max_options"`
}

func DefaultConfig() Config {
	return Config{
		Pattern:      "",
		ScanInterval: 30 * time.Second,
		Snaplen:      1600 * datasize.B,
		MaxOptions:   ndopt.MaxOptions,
	}
}

// Sink receives decoded messages. *neighbor.Cache satisfies it.
type Sink interface {
	CacheLinkAddr(obs neighbor.Observation) (neighbor.Update, error)
	HandleAdvert(na neighbor.Advert) (neighbor.Update, error)
}

// Source yields captured packets. The channel is closed when capture ends.
type Source interface {
	Packets() chan gopacket.Packet
	Close()
}

type SnifferInfo struct {
	CancelFunc context.CancelFunc
	StartedAt  time.Time
	Interface  int
	scanned    bool
}

// Manager runs one capture per interface and feeds the sink.
type Manager struct {
	cfg      Config
	sink     Sink
	pattern  *regexp.Regexp
	attach   func(ifname string) (int, error)
	open     func(ifname string) (Source, error)
	listDirs func() ([]string, error)

	mu     sync.Mutex
	active map[string]SnifferInfo
	wg     sync.WaitGroup
}

// Option configures a Manager.
type Option func(*Manager)

// WithAttach sets how a captured interface is registered with the cache.
// It returns the interface index.
func WithAttach(attach func(ifname string) (int, error)) Option {
	return func(m *Manager) {
		m.attach = attach
	}
}

// WithSource overrides how captures are opened.
func WithSource(open func(ifname string) (Source, error)) Option {
	return func(m *Manager) {
		m.open = open
	}
}

// WithInterfaceLister overrides how candidate interfaces are listed.
func WithInterfaceLister(list func() ([]string, error)) Option {
	return func(m *Manager) {
		m.listDirs = list
	}
}

func NewManager(cfg Config, sink Sink, options ...Option) (*Manager, error) {
	m := &Manager{
		cfg:      cfg,
		sink:     sink,
		attach:   linkIndex,
		listDirs: listSysClassNet,
		active:   make(map[string]SnifferInfo),
	}
	m.open = m.openLive
	for _, o := range options {
		o(m)
	}

	if cfg.Pattern != "" {
		re, err := regexp.Compile(cfg.Pattern)
		if err != nil {
			return nil, err
		}
		m.pattern = re
	}
	if m.cfg.ScanInterval <= 0 {
		m.cfg.ScanInterval = DefaultConfig().ScanInterval
	}
	if m.cfg.MaxOptions <= 0 {
		m.cfg.MaxOptions = ndopt.MaxOptions
	}
	if m.cfg.Snaplen == 0 {
		m.cfg.Snaplen = DefaultConfig().Snaplen
	}
	return m, nil
}

// ListActiveSniffers returns the captured interfaces and when each capture
// started.
func (m *Manager) ListActiveSniffers() map[string]time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()

	result := make(map[string]time.Time)
	for iface, info := range m.active {
		result[iface] = info.StartedAt
	}
	return result
}

func linkIndex(ifname string) (int, error) {
	link, err := netlink.LinkByName(ifname)
	if err != nil {
		return 0, err
	}
	return link.Attrs().Index, nil
}

func listSysClassNet() ([]string, error) {
	entries, err := os.ReadDir("/sys/class/net/")
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		names = append(names, entry.Name())
	}
	return names, nil
}

type pcapSource struct {
	handle *pcap.Handle
	src    *gopacket.PacketSource
}

func (s *pcapSource) Packets() chan gopacket.Packet {
	return s.src.Packets()
}

func (s *pcapSource) Close() {
	s.handle.Close()
}

func (m *Manager) openLive(ifname string) (Source, error) {
	handle, err := pcap.OpenLive(ifname, int32(m.cfg.Snaplen.Bytes()), true, pcap.BlockForever)
	if err != nil {
		return nil, err
	}

	if err := handle.SetBPFFilter(bpfFilter); err != nil {
		handle.Close()
		return nil, err
	}
	return &pcapSource{
		handle: handle,
		src:    gopacket.NewPacketSource(handle, handle.LinkType()),
	}, nil
}

// waitUp waits for the link to come up. Links netlink cannot see are
// assumed up.
func waitUp(ctx context.Context, ifname string) bool {
	for attempt := 0; attempt < 10; attempt++ {
		link, err := netlink.LinkByName(ifname)
		if err != nil || (link.Attrs().Flags&net.FlagUp) != 0 {
			return true
		}
		logger.Info("[Sniffer-Event] Waiting for %s to become UP... (%d/10)", ifname, attempt+1)
		select {
		case <-ctx.Done():
			logger.Info("[Sniffer-Event] Aborting sniffer start on %s, context cancelled", ifname)
			return false
		case <-time.After(1 * time.Second):
		}
	}
	return true
}

func (m *Manager) handlePacket(packet gopacket.Packet, ifname string, ifindex int) {
	msg, err := messageFromPacket(packet, ifindex)
	if err != nil {
		logger.Debug("[Sniffer-Event] [%s] Skipping packet: %v", ifname, err)
		return
	}

	ev, err := decode(msg, m.cfg.MaxOptions)
	if err != nil {
		logger.Debug("[Sniffer-Event] [%s] Dropping ICMPv6 type %d from %s: %v", ifname, msg.typ, msg.src, err)
		return
	}

	var u neighbor.Update
	switch {
	case ev.advert != nil:
		u, err = m.sink.HandleAdvert(*ev.advert)
		if err == nil {
			logger.Debug("[Sniffer-Event] [%s] NA for %s: state %s, router %t", ifname, ev.advert.Target, u.State, u.Router)
		}
	default:
		u, err = m.sink.CacheLinkAddr(*ev.obs)
		if err == nil && u.Recorded {
			logger.Debug("[Sniffer-Event] [%s] %s from %s: recorded %s, state %s", ifname, ev.obs.Type, ev.obs.Source, ev.obs.LinkAddr, u.State)
		}
	}
	if err != nil {
		logger.Warn("[Sniffer-Event] [%s] Failed to apply message from %s: %v", ifname, msg.src, err)
	}
}

func (m *Manager) sniff(ctx context.Context, ifname string, ifindex int) {
	if !waitUp(ctx, ifname) {
		return
	}

	src, err := m.open(ifname)
	if err != nil {
		logger.Error("[Sniffer-Event] Error opening interface %s: %v", ifname, err)
		return
	}
	defer src.Close()

	logger.Info("[Sniffer-Event] Listening for ND packets on %s", ifname)
	packetChan := src.Packets()

	for {
		select {
		case <-ctx.Done():
			logger.Info("[Sniffer-Event] Stopping sniffer on %s", ifname)
			return
		case pkt, ok := <-packetChan:
			if !ok || pkt == nil {
				return
			}
			m.handlePacket(pkt, ifname, ifindex)
		}
	}
}

func (m *Manager) start(ctx context.Context, ifname string, scanned bool) {
	ifindex, err := m.attach(ifname)
	if err != nil {
		logger.Error("[Sniffer-Event] Could not attach interface %s: %v", ifname, err)
		return
	}

	sctx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.active[ifname] = SnifferInfo{
		CancelFunc: cancel,
		StartedAt:  time.Now(),
		Interface:  ifindex,
		scanned:    scanned,
	}
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer m.stopped(sctx, ifname)
		m.sniff(sctx, ifname, ifindex)
	}()
}

// stopped forgets a capture that ended on its own so the next scan can
// restart it.
func (m *Manager) stopped(ctx context.Context, ifname string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ctx.Err() == nil {
		if info, ok := m.active[ifname]; ok {
			info.CancelFunc()
			delete(m.active, ifname)
		}
	}
}

func (m *Manager) scan(ctx context.Context) {
	if m.pattern == nil {
		return
	}

	names, err := m.listDirs()
	if err != nil {
		logger.Error("[Sniffer-Event] Failed to list interfaces: %v", err)
		return
	}

	currentSet := make(map[string]bool)
	for _, name := range names {
		if m.pattern.MatchString(name) {
			currentSet[name] = true
		}
	}

	m.mu.Lock()
	var added []string
	for name := range currentSet {
		if _, exists := m.active[name]; !exists {
			added = append(added, name)
		}
	}
	for name, info := range m.active {
		if info.scanned && !currentSet[name] {
			logger.Info("[Sniffer-Event] Interface removed: %s, stopping sniffer", name)
			info.CancelFunc()
			delete(m.active, name)
		}
	}
	m.mu.Unlock()

	for _, name := range added {
		logger.Info("[Sniffer-Event] New interface detected: %s, starting sniffer", name)
		m.start(ctx, name, true)
	}
}

// Run captures on the given interfaces and, when a pattern is configured,
// on matching interfaces as they appear. It returns when ctx is done.
func (m *Manager) Run(ctx context.Context, interfaces []string) error {
	logger.Info("Starting ND sniffer on %d configured interfaces", len(interfaces))
	for _, name := range interfaces {
		m.start(ctx, name, false)
	}

	ticker := time.NewTicker(m.cfg.ScanInterval)
	defer ticker.Stop()

	for {
		m.scan(ctx)

		select {
		case <-ctx.Done():
			m.mu.Lock()
			for name, info := range m.active {
				info.CancelFunc()
				delete(m.active, name)
			}
			m.mu.Unlock()
			m.wg.Wait()
			return nil
		case <-ticker.C:
		}
	}
}
