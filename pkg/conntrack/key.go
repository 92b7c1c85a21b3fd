package conntrack

import (
	"fmt"
	"net/netip"

	"golang.org/x/sys/unix"
)

type Protocol uint8

const (
	TCP Protocol = unix.IPPROTO_TCP
	UDP Protocol = unix.IPPROTO_UDP
)

func (p Protocol) String() string {
	switch p {
	case TCP:
		return "tcp"
	case UDP:
		return "udp"
	}
	return fmt.Sprintf("proto(%d)", uint8(p))
}

// FlowKey identifies a flow. Local is the switch side endpoint (the packet's
// destination), Remote the peer.
type FlowKey struct {
	Local  netip.AddrPort
	Remote netip.AddrPort
	Proto  Protocol
}

func (k FlowKey) String() string {
	return fmt.Sprintf("%v(%v -> %v)", k.Proto, k.Remote, k.Local)
}

// ListenKey identifies a listener. Local may carry the any-address of its
// family.
type ListenKey struct {
	Local netip.AddrPort
	Proto Protocol
}

func (k ListenKey) String() string {
	return fmt.Sprintf("%v(%v)", k.Proto, k.Local)
}

// IsWildcard reports whether ap is bound to the any-address.
func IsWildcard(ap netip.AddrPort) bool {
	return ap.Addr().IsUnspecified()
}

// wildcardFor returns the any-address endpoint of dst's family on dst's port.
func wildcardFor(dst netip.AddrPort) netip.AddrPort {
	addr := dst.Addr()
	if addr.Is4() || addr.Is4In6() {
		return netip.AddrPortFrom(netip.IPv4Unspecified(), dst.Port())
	}
	return netip.AddrPortFrom(netip.IPv6Unspecified(), dst.Port())
}

func normalize(ap netip.AddrPort) netip.AddrPort {
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}
