package packet

import (
	"fmt"
	"net"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/mazdakn/uswitch/pkg/conntrack"
	"golang.org/x/sys/unix"
)

// Packet is a reusable buffer for one raw IP packet together with its decoded
// headers. Decoding reuses the same layers for every packet read into it.
type Packet struct {
	Bytes []byte
	// Endpoint is the tunnel peer the packet was received from.
	Endpoint *net.UDPAddr

	buf   []byte
	ipv6  bool
	proto byte

	ip4     layers.IPv4
	ip6     layers.IPv6
	tcp     layers.TCP
	udp     layers.UDP
	parser4 *gopacket.DecodingLayerParser
	parser6 *gopacket.DecodingLayerParser
	decoded []gopacket.LayerType
	hasTCP  bool
	hasUDP  bool
}

func New(MaxBufferSize int) *Packet {
	p := &Packet{
		buf:     make([]byte, MaxBufferSize),
		decoded: make([]gopacket.LayerType, 0, 2),
	}
	p.Bytes = p.buf
	p.parser4 = gopacket.NewDecodingLayerParser(layers.LayerTypeIPv4, &p.ip4, &p.tcp, &p.udp)
	p.parser4.IgnoreUnsupported = true
	p.parser6 = gopacket.NewDecodingLayerParser(layers.LayerTypeIPv6, &p.ip6, &p.tcp, &p.udp)
	p.parser6.IgnoreUnsupported = true
	return p
}

// Reset makes the whole buffer available for the next read.
func (p *Packet) Reset() {
	p.Bytes = p.buf
	p.Endpoint = nil
	p.proto = 0
	p.hasTCP, p.hasUDP = false, false
	p.decoded = p.decoded[:0]
}

// Parse decodes the first size bytes of the buffer. Packets that carry neither
// TCP nor UDP parse fine; Flow reports them as untracked.
func (p *Packet) Parse(size int) error {
	if size > len(p.buf) {
		return fmt.Errorf("Packet length %v exceeds buffer size %v", size, len(p.buf))
	}
	p.Bytes = p.buf[:size]
	p.proto = 0
	p.hasTCP, p.hasUDP = false, false
	// At least 20 bytes (IPv4 header length) is needed
	if len(p.Bytes) < 20 {
		return fmt.Errorf("Short packet length=%v", len(p.Bytes))
	}
	parser := p.parser4
	switch p.Version() {
	case 4:
		p.ipv6 = false
	case 6:
		p.ipv6 = true
		if len(p.Bytes) < 40 {
			return fmt.Errorf("Short ipv6 packet length=%v", len(p.Bytes))
		}
		parser = p.parser6
	default:
		return fmt.Errorf("Unsupported ip version %v", p.Version())
	}

	err := parser.DecodeLayers(p.Bytes, &p.decoded)
	if err != nil {
		return fmt.Errorf("failed to decode %v bytes: %w", len(p.Bytes), err)
	}
	for _, lt := range p.decoded {
		switch lt {
		case layers.LayerTypeIPv4:
			p.proto = byte(p.ip4.Protocol)
		case layers.LayerTypeIPv6:
			p.proto = byte(p.ip6.NextHeader)
		case layers.LayerTypeTCP:
			p.hasTCP = true
		case layers.LayerTypeUDP:
			p.hasUDP = true
		}
	}
	return nil
}

func (p *Packet) Len() int {
	return len(p.Bytes)
}

func (p *Packet) Version() uint8 {
	return p.Bytes[0] >> 4
}

func (p *Packet) SrcAddr() netip.Addr {
	var addr netip.Addr
	if p.ipv6 {
		addr, _ = netip.AddrFromSlice(p.ip6.SrcIP)
	} else {
		addr, _ = netip.AddrFromSlice(p.ip4.SrcIP)
	}
	return addr.Unmap()
}

func (p *Packet) DstAddr() netip.Addr {
	var addr netip.Addr
	if p.ipv6 {
		addr, _ = netip.AddrFromSlice(p.ip6.DstIP)
	} else {
		addr, _ = netip.AddrFromSlice(p.ip4.DstIP)
	}
	return addr.Unmap()
}

// Protocol returns the transport protocol number of the IP header.
func (p *Packet) Protocol() byte {
	return p.proto
}

func (p *Packet) IsTCP() bool {
	return p.hasTCP
}

func (p *Packet) IsUDP() bool {
	return p.hasUDP
}

func (p *Packet) SrcPort() uint16 {
	switch {
	case p.hasTCP:
		return uint16(p.tcp.SrcPort)
	case p.hasUDP:
		return uint16(p.udp.SrcPort)
	}
	return 0
}

func (p *Packet) DstPort() uint16 {
	switch {
	case p.hasTCP:
		return uint16(p.tcp.DstPort)
	case p.hasUDP:
		return uint16(p.udp.DstPort)
	}
	return 0
}

// Flow returns the conntrack key of the packet as seen by the switch: the
// destination is the local side. ok is false for anything but TCP and UDP.
func (p *Packet) Flow() (key conntrack.FlowKey, ok bool) {
	switch {
	case p.hasTCP:
		key.Proto = conntrack.TCP
	case p.hasUDP:
		key.Proto = conntrack.UDP
	default:
		return key, false
	}
	key.Local = netip.AddrPortFrom(p.DstAddr(), p.DstPort())
	key.Remote = netip.AddrPortFrom(p.SrcAddr(), p.SrcPort())
	return key, true
}

func (p *Packet) SYN() bool {
	return p.hasTCP && p.tcp.SYN
}

func (p *Packet) ACK() bool {
	return p.hasTCP && p.tcp.ACK
}

func (p *Packet) RST() bool {
	return p.hasTCP && p.tcp.RST
}

func (p *Packet) FIN() bool {
	return p.hasTCP && p.tcp.FIN
}

// Seq returns the TCP sequence number, 0 for other protocols.
func (p *Packet) Seq() uint32 {
	if !p.hasTCP {
		return 0
	}
	return p.tcp.Seq
}

// Payload returns the transport payload. It aliases the packet buffer.
func (p *Packet) Payload() []byte {
	switch {
	case p.hasTCP:
		return p.tcp.Payload
	case p.hasUDP:
		return p.udp.Payload
	}
	return nil
}

func (p *Packet) String() string {
	switch {
	case p.hasTCP:
		return fmt.Sprintf("tcp(%v:%v -> %v:%v) len: %v",
			p.SrcAddr(), p.SrcPort(), p.DstAddr(), p.DstPort(), p.Len())
	case p.hasUDP:
		return fmt.Sprintf("udp(%v:%v -> %v:%v) len: %v",
			p.SrcAddr(), p.SrcPort(), p.DstAddr(), p.DstPort(), p.Len())
	}
	var proto string
	switch p.Protocol() {
	case unix.IPPROTO_ICMP:
		proto = "icmp"
	case unix.IPPROTO_ICMPV6:
		proto = "icmp6"
	default:
		proto = fmt.Sprintf("proto(%v)", p.Protocol())
	}
	return fmt.Sprintf("%v(%v -> %v) len: %v", proto, p.SrcAddr(), p.DstAddr(), p.Len())
}
