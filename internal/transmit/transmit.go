package transmit

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"slices"
	"sync"

	"github.com/google/gopacket/pcap"
	"go.uber.org/zap"
	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv6"

	"github.com/hostinger/nd6d/internal/neighbor"
)

// Neighbor Discovery messages are sent and checked with the maximum hop
// limit.
const hopLimit = 255

// PacketConn is the raw ICMPv6 socket used for solicitations and errors.
// *ipv6.PacketConn satisfies it.
type PacketConn interface {
	WriteTo(b []byte, cm *ipv6.ControlMessage, dst net.Addr) (int, error)
	JoinGroup(ifi *net.Interface, group net.Addr) error
	LeaveGroup(ifi *net.Interface, group net.Addr) error
	Close() error
}

// FrameWriter writes complete link-layer frames. *pcap.Handle satisfies it.
type FrameWriter interface {
	WritePacketData(data []byte) error
	Close()
}

// Listen opens a raw ICMPv6 socket configured for Neighbor Discovery.
// Incoming messages are filtered out; reception is the sniffer's job.
func Listen() (*ipv6.PacketConn, error) {
	c, err := icmp.ListenPacket("ip6:ipv6-icmp", "::")
	if err != nil {
		return nil, fmt.Errorf("failed to open ICMPv6 socket: %w", err)
	}

	p := c.IPv6PacketConn()
	if err := p.SetHopLimit(hopLimit); err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to set hop limit: %w", err)
	}
	if err := p.SetMulticastHopLimit(hopLimit); err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to set multicast hop limit: %w", err)
	}

	var filter ipv6.ICMPFilter
	filter.SetAll(true)
	if err := p.SetICMPFilter(&filter); err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to set ICMPv6 filter: %w", err)
	}
	return p, nil
}

func openLive(ifname string) (FrameWriter, error) {
	return pcap.OpenLive(ifname, 65536, false, pcap.BlockForever)
}

// Option configures a Sender.
type Option func(*options)

// WithLog configures the Sender with the given logger.
func WithLog(log *zap.SugaredLogger) Option {
	return func(o *options) {
		o.Log = log
	}
}

// WithFrameOpener sets how per-interface frame writers are opened.
func WithFrameOpener(open func(ifname string) (FrameWriter, error)) Option {
	return func(o *options) {
		o.OpenFrames = open
	}
}

type options struct {
	Log        *zap.SugaredLogger
	OpenFrames func(ifname string) (FrameWriter, error)
}

type groupKey struct {
	addr    netip.Addr
	ifindex int
}

// Group is a reference counted multicast group membership.
type Group struct {
	Addr      netip.Addr
	Interface int
	ifname    string
	refs      int
	left      bool
}

// Sender implements neighbor.Transmitter over a raw ICMPv6 socket and
// per-interface frame writers.
type Sender struct {
	conn       PacketConn
	log        *zap.SugaredLogger
	openFrames func(ifname string) (FrameWriter, error)

	mu     sync.Mutex
	frames map[int]FrameWriter
	groups map[groupKey]*Group
	local  map[int][]netip.Addr
}

var _ neighbor.Transmitter = (*Sender)(nil)

func New(conn PacketConn, optFns ...Option) *Sender {
	opts := &options{
		Log:        zap.NewNop().Sugar(),
		OpenFrames: openLive,
	}
	for _, o := range optFns {
		o(opts)
	}

	return &Sender{
		conn:       conn,
		log:        opts.Log,
		openFrames: opts.OpenFrames,
		frames:     make(map[int]FrameWriter),
		groups:     make(map[groupKey]*Group),
		local:      make(map[int][]netip.Addr),
	}
}

// SetLocalAddrs records the addresses assigned to the interface. A
// solicitation source hint is used only when it is one of them.
func (s *Sender) SetLocalAddrs(ifindex int, addrs []netip.Addr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.local[ifindex] = slices.Clone(addrs)
}

func (s *Sender) isLocal(ifindex int, addr netip.Addr) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Contains(s.local[ifindex], addr)
}

func (s *Sender) SendNeighborSolicitation(ifc *neighbor.Interface, src, target netip.Addr, unicast bool) error {
	msg, err := MarshalNeighborSolicitation(target, ifc.HardwareAddr)
	if err != nil {
		return err
	}

	dst := target
	if !unicast {
		dst = neighbor.SolicitedNode(target)
	}

	cm := &ipv6.ControlMessage{
		IfIndex:  ifc.Index,
		HopLimit: hopLimit,
	}
	// Without a usable hint the kernel picks the source address.
	if src.IsValid() && s.isLocal(ifc.Index, src) {
		cm.Src = src.AsSlice()
	}

	if _, err := s.conn.WriteTo(msg, cm, &net.IPAddr{IP: dst.AsSlice()}); err != nil {
		return fmt.Errorf("failed to send solicitation for %s on %s: %w", target, ifc.Name, err)
	}

	s.log.Debugw("sent neighbor solicitation",
		zap.Stringer("target", target),
		zap.Stringer("dst", dst),
		zap.String("interface", ifc.Name),
	)
	return nil
}

func (s *Sender) SendUnreachableError(ifc *neighbor.Interface, pkt *neighbor.Packet, code uint8) error {
	if pkt == nil || !pkt.Source.IsValid() || pkt.Source.IsUnspecified() || pkt.Source.IsMulticast() {
		return errors.New("packet has no source to report to")
	}

	msg, err := MarshalUnreachable(code, pkt.Data)
	if err != nil {
		return err
	}

	cm := &ipv6.ControlMessage{IfIndex: ifc.Index}
	if _, err := s.conn.WriteTo(msg, cm, &net.IPAddr{IP: pkt.Source.AsSlice()}); err != nil {
		return fmt.Errorf("failed to send destination unreachable to %s: %w", pkt.Source, err)
	}
	return nil
}

func (s *Sender) frameWriter(ifc *neighbor.Interface) (FrameWriter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if w, ok := s.frames[ifc.Index]; ok {
		return w, nil
	}
	w, err := s.openFrames(ifc.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s for writing: %w", ifc.Name, err)
	}
	s.frames[ifc.Index] = w
	return w, nil
}

func (s *Sender) Output(ifc *neighbor.Interface, lladdr net.HardwareAddr, pkt *neighbor.Packet) error {
	frame, err := MarshalFrame(ifc.HardwareAddr, lladdr, pkt.Data)
	if err != nil {
		return err
	}

	w, err := s.frameWriter(ifc)
	if err != nil {
		return err
	}
	if err := w.WritePacketData(frame); err != nil {
		return fmt.Errorf("failed to write frame to %s on %s: %w", lladdr, ifc.Name, err)
	}
	return nil
}

func netInterface(ifc *neighbor.Interface) *net.Interface {
	return &net.Interface{
		Index:        ifc.Index,
		Name:         ifc.Name,
		HardwareAddr: ifc.HardwareAddr,
		Flags:        net.FlagUp | net.FlagMulticast,
	}
}

func (s *Sender) MulticastJoin(group netip.Addr, ifc *neighbor.Interface) (neighbor.GroupHandle, error) {
	if !group.IsMulticast() {
		return nil, fmt.Errorf("%s is not a multicast address", group)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := groupKey{addr: group, ifindex: ifc.Index}
	if g, ok := s.groups[key]; ok {
		g.refs++
		return &membership{group: g}, nil
	}

	if err := s.conn.JoinGroup(netInterface(ifc), &net.IPAddr{IP: group.AsSlice()}); err != nil {
		return nil, fmt.Errorf("failed to join %s on %s: %w", group, ifc.Name, err)
	}

	g := &Group{Addr: group, Interface: ifc.Index, ifname: ifc.Name, refs: 1}
	s.groups[key] = g
	s.log.Debugw("joined multicast group", zap.Stringer("group", group), zap.String("interface", ifc.Name))
	return &membership{group: g}, nil
}

// membership is a single reference to a Group.
type membership struct {
	group *Group
	done  bool
}

func (s *Sender) MulticastLeave(h neighbor.GroupHandle) error {
	m, ok := h.(*membership)
	if !ok {
		return fmt.Errorf("unknown group handle %T", h)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if m.done {
		return nil
	}
	m.done = true

	g := m.group
	g.refs--
	if g.refs > 0 || g.left {
		return nil
	}
	g.left = true
	delete(s.groups, groupKey{addr: g.Addr, ifindex: g.Interface})

	ifi := &net.Interface{Index: g.Interface, Name: g.ifname}
	if err := s.conn.LeaveGroup(ifi, &net.IPAddr{IP: g.Addr.AsSlice()}); err != nil {
		return fmt.Errorf("failed to leave %s: %w", g.Addr, err)
	}
	return nil
}

// Groups returns the current memberships.
func (s *Sender) Groups() []Group {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Group, 0, len(s.groups))
	for _, g := range s.groups {
		out = append(out, *g)
	}
	slices.SortFunc(out, func(a, b Group) int {
		if a.Interface != b.Interface {
			return a.Interface - b.Interface
		}
		return a.Addr.Compare(b.Addr)
	})
	return out
}

// Close releases the frame writers and the socket.
func (s *Sender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for idx, w := range s.frames {
		w.Close()
		delete(s.frames, idx)
	}
	return s.conn.Close()
}
