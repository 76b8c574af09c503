package sniffer

import (
	"errors"
	"fmt"
	"net"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/hostinger/nd6d/internal/ndopt"
	"github.com/hostinger/nd6d/internal/neighbor"
)

// Offsets of the option chain within the ICMPv6 message body, i.e. after
// the type, code and checksum octets.
const (
	rsOptionsOffset       = 4
	raOptionsOffset       = 12
	nsOptionsOffset       = 20
	naOptionsOffset       = 20
	redirectOptionsOffset = 36
)

const (
	naFlagRouter    = 0x80
	naFlagSolicited = 0x40
	naFlagOverride  = 0x20
)

var (
	errNotND        = errors.New("not a neighbor discovery message")
	errTruncated    = errors.New("message too short")
	errHopLimit     = errors.New("hop limit is not 255")
	errBadCode      = errors.New("non-zero code")
	errBadSource    = errors.New("invalid source address")
	errBadTarget    = errors.New("invalid target address")
	errBadSolicited = errors.New("solicited advertisement sent to multicast")
)

// event is a decoded ND message. Exactly one of obs and advert is set.
type event struct {
	obs    *neighbor.Observation
	advert *neighbor.Advert
}

type message struct {
	src, dst netip.Addr
	hopLimit uint8
	typ      uint8
	code     uint8
	// body is the ICMPv6 message after the type, code and checksum.
	body    []byte
	ifindex int
}

func addrAt(b []byte, off int) netip.Addr {
	return netip.AddrFrom16([16]byte(b[off : off+16]))
}

// decode validates m per RFC 4861 and turns it into a cache event.
func decode(m message, maxOptions int) (event, error) {
	if m.typ < layers.ICMPv6TypeRouterSolicitation || m.typ > layers.ICMPv6TypeRedirect {
		return event{}, errNotND
	}
	if m.hopLimit != 255 {
		return event{}, errHopLimit
	}
	if m.code != 0 {
		return event{}, errBadCode
	}

	var offset int
	switch m.typ {
	case layers.ICMPv6TypeRouterSolicitation:
		offset = rsOptionsOffset
	case layers.ICMPv6TypeRouterAdvertisement:
		offset = raOptionsOffset
	case layers.ICMPv6TypeNeighborSolicitation:
		offset = nsOptionsOffset
	case layers.ICMPv6TypeNeighborAdvertisement:
		offset = naOptionsOffset
	case layers.ICMPv6TypeRedirect:
		offset = redirectOptionsOffset
	}
	if len(m.body) < offset {
		return event{}, errTruncated
	}

	opts, err := ndopt.ParseAll(m.body[offset:], ndopt.WithMaxOptions(maxOptions))
	if err != nil {
		return event{}, err
	}

	switch m.typ {
	case layers.ICMPv6TypeRouterSolicitation:
		lladdr := opts.LinkAddr(ndopt.SourceLinkAddr)
		if m.src.IsUnspecified() && lladdr != nil {
			return event{}, fmt.Errorf("%w: unspecified source with link-layer address", errBadSource)
		}
		return observation(m, lladdr, neighbor.RouterSolicit, neighbor.RedirectOnLink), nil

	case layers.ICMPv6TypeRouterAdvertisement:
		if !m.src.IsLinkLocalUnicast() {
			return event{}, fmt.Errorf("%w: router advertisement from %s", errBadSource, m.src)
		}
		return observation(m, opts.LinkAddr(ndopt.SourceLinkAddr), neighbor.RouterAdvert, neighbor.RedirectOnLink), nil

	case layers.ICMPv6TypeNeighborSolicitation:
		target := addrAt(m.body, 4)
		if target.IsMulticast() {
			return event{}, errBadTarget
		}
		lladdr := opts.LinkAddr(ndopt.SourceLinkAddr)
		if m.src.IsUnspecified() && lladdr != nil {
			return event{}, fmt.Errorf("%w: unspecified source with link-layer address", errBadSource)
		}
		return observation(m, lladdr, neighbor.NeighborSolicit, neighbor.RedirectOnLink), nil

	case layers.ICMPv6TypeNeighborAdvertisement:
		target := addrAt(m.body, 4)
		if target.IsMulticast() {
			return event{}, errBadTarget
		}
		flags := m.body[0]
		solicited := flags&naFlagSolicited != 0
		if solicited && m.dst.IsMulticast() {
			return event{}, errBadSolicited
		}
		return event{advert: &neighbor.Advert{
			Target:    target,
			Interface: m.ifindex,
			LinkAddr:  opts.LinkAddr(ndopt.TargetLinkAddr),
			Router:    flags&naFlagRouter != 0,
			Solicited: solicited,
			Override:  flags&naFlagOverride != 0,
		}}, nil

	default:
		if !m.src.IsLinkLocalUnicast() {
			return event{}, fmt.Errorf("%w: redirect from %s", errBadSource, m.src)
		}
		target := addrAt(m.body, 4)
		dst := addrAt(m.body, 20)
		if dst.IsMulticast() {
			return event{}, errBadTarget
		}
		code := neighbor.RedirectOnLink
		if target != dst {
			if !target.IsLinkLocalUnicast() {
				return event{}, fmt.Errorf("%w: router target %s is not link-local", errBadTarget, target)
			}
			code = neighbor.RedirectRouter
		}
		// The link-layer address belongs to the target, not the sender.
		m.src = target
		return observation(m, opts.LinkAddr(ndopt.TargetLinkAddr), neighbor.Redirect, code), nil
	}
}

func observation(m message, lladdr net.HardwareAddr, typ neighbor.MessageType, code neighbor.RedirectCode) event {
	return event{obs: &neighbor.Observation{
		Source:    m.src,
		Interface: m.ifindex,
		LinkAddr:  lladdr,
		Type:      typ,
		Code:      code,
	}}
}

// messageFromPacket extracts the ND message carried by a captured packet.
func messageFromPacket(packet gopacket.Packet, ifindex int) (message, error) {
	ipv6Layer := packet.Layer(layers.LayerTypeIPv6)
	icmpv6Layer := packet.Layer(layers.LayerTypeICMPv6)
	if ipv6Layer == nil || icmpv6Layer == nil {
		return message{}, errNotND
	}

	ip6 := ipv6Layer.(*layers.IPv6)
	icmp6 := icmpv6Layer.(*layers.ICMPv6)

	src, ok := netip.AddrFromSlice(ip6.SrcIP)
	if !ok {
		return message{}, errBadSource
	}
	dst, _ := netip.AddrFromSlice(ip6.DstIP)

	return message{
		src:      src,
		dst:      dst,
		hopLimit: ip6.HopLimit,
		typ:      icmp6.TypeCode.Type(),
		code:     icmp6.TypeCode.Code(),
		body:     icmp6.LayerPayload(),
		ifindex:  ifindex,
	}, nil
}
