package transmit

import (
	"fmt"
	"net"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// An ICMPv6 error must fit the minimum IPv6 MTU together with the IPv6
// and ICMPv6 headers.
const maxErrorPayload = 1280 - 40 - 8

// Checksums are left to the kernel, which fills them in for raw ICMPv6
// sockets.
var serializeOptions = gopacket.SerializeOptions{FixLengths: true}

// MarshalNeighborSolicitation builds the ICMPv6 body of a solicitation for
// target carrying lladdr as source link-layer address option.
func MarshalNeighborSolicitation(target netip.Addr, lladdr net.HardwareAddr) ([]byte, error) {
	if !target.Is6() || target.Is4In6() {
		return nil, fmt.Errorf("solicitation target %s is not an IPv6 address", target)
	}

	icmp6 := layers.ICMPv6{
		TypeCode: layers.CreateICMPv6TypeCode(layers.ICMPv6TypeNeighborSolicitation, 0),
	}
	ns := layers.ICMPv6NeighborSolicitation{
		TargetAddress: target.AsSlice(),
	}
	if len(lladdr) > 0 {
		ns.Options = layers.ICMPv6Options{
			layers.ICMPv6Option{Type: layers.ICMPv6OptSourceAddress, Data: lladdr},
		}
	}

	buf := gopacket.NewSerializeBuffer()
	if err := gopacket.SerializeLayers(buf, serializeOptions, &icmp6, &ns); err != nil {
		return nil, fmt.Errorf("failed to serialize solicitation: %w", err)
	}
	return buf.Bytes(), nil
}

// MarshalUnreachable builds the ICMPv6 body of a destination unreachable
// error quoting as much of invoking as fits.
func MarshalUnreachable(code uint8, invoking []byte) ([]byte, error) {
	if len(invoking) > maxErrorPayload {
		invoking = invoking[:maxErrorPayload]
	}

	icmp6 := layers.ICMPv6{
		TypeCode: layers.CreateICMPv6TypeCode(layers.ICMPv6TypeDestinationUnreachable, code),
	}
	// Four unused octets precede the quoted packet.
	body := make([]byte, 4+len(invoking))
	copy(body[4:], invoking)

	buf := gopacket.NewSerializeBuffer()
	if err := gopacket.SerializeLayers(buf, serializeOptions, &icmp6, gopacket.Payload(body)); err != nil {
		return nil, fmt.Errorf("failed to serialize destination unreachable: %w", err)
	}
	return buf.Bytes(), nil
}

// MarshalFrame wraps an IPv6 packet into an Ethernet frame.
func MarshalFrame(src, dst net.HardwareAddr, pkt []byte) ([]byte, error) {
	if len(dst) != 6 {
		return nil, fmt.Errorf("unsupported link-layer address %s", dst)
	}

	eth := layers.Ethernet{
		SrcMAC:       src,
		DstMAC:       dst,
		EthernetType: layers.EthernetTypeIPv6,
	}

	buf := gopacket.NewSerializeBuffer()
	if err := gopacket.SerializeLayers(buf, serializeOptions, &eth, gopacket.Payload(pkt)); err != nil {
		return nil, fmt.Errorf("failed to serialize frame: %w", err)
	}
	return buf.Bytes(), nil
}
