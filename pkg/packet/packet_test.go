package packet

import (
	"net/netip"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	. "github.com/onsi/gomega"
	"golang.org/x/sys/unix"

	"github.com/mazdakn/uswitch/pkg/conntrack"
)

func ipLayer(src, dst netip.Addr, proto layers.IPProtocol) gopacket.NetworkLayer {
	if src.Is4() {
		return &layers.IPv4{
			Version:  4,
			TTL:      64,
			Protocol: proto,
			SrcIP:    src.AsSlice(),
			DstIP:    dst.AsSlice(),
		}
	}
	return &layers.IPv6{
		Version:    6,
		HopLimit:   64,
		NextHeader: proto,
		SrcIP:      src.AsSlice(),
		DstIP:      dst.AsSlice(),
	}
}

func serialize(t *testing.T, ls ...gopacket.SerializableLayer) []byte {
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	err := gopacket.SerializeLayers(buf, opts, ls...)
	Expect(err).NotTo(HaveOccurred())
	return buf.Bytes()
}

func tcpBytes(t *testing.T, src, dst netip.AddrPort, tcp layers.TCP, payload []byte) []byte {
	ip := ipLayer(src.Addr(), dst.Addr(), layers.IPProtocolTCP)
	tcp.SrcPort = layers.TCPPort(src.Port())
	tcp.DstPort = layers.TCPPort(dst.Port())
	tcp.Window = 1024
	Expect(tcp.SetNetworkLayerForChecksum(ip)).To(Succeed())
	return serialize(t, ip.(gopacket.SerializableLayer), &tcp, gopacket.Payload(payload))
}

func udpBytes(t *testing.T, src, dst netip.AddrPort, payload []byte) []byte {
	ip := ipLayer(src.Addr(), dst.Addr(), layers.IPProtocolUDP)
	udp := layers.UDP{
		SrcPort: layers.UDPPort(src.Port()),
		DstPort: layers.UDPPort(dst.Port()),
	}
	Expect(udp.SetNetworkLayerForChecksum(ip)).To(Succeed())
	return serialize(t, ip.(gopacket.SerializableLayer), &udp, gopacket.Payload(payload))
}

func load(p *Packet, raw []byte) error {
	p.Reset()
	n := copy(p.Bytes, raw)
	return p.Parse(n)
}

func TestParseTCPSyn(t *testing.T) {
	RegisterTestingT(t)
	src := netip.MustParseAddrPort("10.0.0.2:40000")
	dst := netip.MustParseAddrPort("10.0.0.1:80")
	raw := tcpBytes(t, src, dst, layers.TCP{SYN: true, Seq: 1000}, nil)

	p := New(1600)
	Expect(load(p, raw)).To(Succeed())
	Expect(p.Len()).To(Equal(len(raw)))
	Expect(p.Version()).To(Equal(uint8(4)))
	Expect(p.Protocol()).To(Equal(byte(unix.IPPROTO_TCP)))
	Expect(p.IsTCP()).To(BeTrue())
	Expect(p.SYN()).To(BeTrue())
	Expect(p.ACK()).To(BeFalse())
	Expect(p.RST()).To(BeFalse())
	Expect(p.Seq()).To(Equal(uint32(1000)))

	key, ok := p.Flow()
	Expect(ok).To(BeTrue())
	Expect(key).To(Equal(conntrack.FlowKey{Local: dst, Remote: src, Proto: conntrack.TCP}))
	Expect(p.String()).To(Equal("tcp(10.0.0.2:40000 -> 10.0.0.1:80) len: 40"))
}

func TestParseUDPv6Payload(t *testing.T) {
	RegisterTestingT(t)
	src := netip.MustParseAddrPort("[fd00::2]:5353")
	dst := netip.MustParseAddrPort("[fd00::1]:53")
	raw := udpBytes(t, src, dst, []byte("query"))

	p := New(1600)
	Expect(load(p, raw)).To(Succeed())
	Expect(p.Version()).To(Equal(uint8(6)))
	Expect(p.IsUDP()).To(BeTrue())
	Expect(p.SYN()).To(BeFalse())
	Expect(p.Seq()).To(BeZero())
	Expect(p.Payload()).To(Equal([]byte("query")))

	key, ok := p.Flow()
	Expect(ok).To(BeTrue())
	Expect(key.Proto).To(Equal(conntrack.UDP))
	Expect(key.Local).To(Equal(dst))
	Expect(key.Remote).To(Equal(src))
}

func TestParseUntrackedProtocol(t *testing.T) {
	RegisterTestingT(t)
	ip := ipLayer(netip.MustParseAddr("10.0.0.2"), netip.MustParseAddr("10.0.0.1"), layers.IPProtocolICMPv4)
	icmp := &layers.ICMPv4{TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeEchoRequest, 0)}
	raw := serialize(t, ip.(gopacket.SerializableLayer), icmp)

	p := New(1600)
	Expect(load(p, raw)).To(Succeed())
	Expect(p.Protocol()).To(Equal(byte(unix.IPPROTO_ICMP)))
	_, ok := p.Flow()
	Expect(ok).To(BeFalse())
	Expect(p.Payload()).To(BeNil())
	Expect(p.String()).To(HavePrefix("icmp(10.0.0.2 -> 10.0.0.1)"))
}

func TestParseRejectsBadInput(t *testing.T) {
	RegisterTestingT(t)
	p := New(64)
	Expect(p.Parse(10)).To(MatchError(ContainSubstring("Short packet")))

	p.Reset()
	p.Bytes[0] = 0x60
	Expect(p.Parse(30)).To(MatchError(ContainSubstring("Short ipv6 packet")))

	p.Reset()
	p.Bytes[0] = 0x50
	Expect(p.Parse(30)).To(MatchError(ContainSubstring("Unsupported ip version")))

	Expect(p.Parse(65)).To(HaveOccurred())
}

func TestPacketReuse(t *testing.T) {
	RegisterTestingT(t)
	a := netip.MustParseAddrPort("10.0.0.2:1000")
	b := netip.MustParseAddrPort("10.0.0.1:2000")
	p := New(1600)

	Expect(load(p, tcpBytes(t, a, b, layers.TCP{RST: true, Seq: 7}, []byte("x")))).To(Succeed())
	Expect(p.RST()).To(BeTrue())
	Expect(p.Payload()).To(Equal([]byte("x")))

	Expect(load(p, udpBytes(t, b, a, nil))).To(Succeed())
	Expect(p.IsTCP()).To(BeFalse())
	Expect(p.RST()).To(BeFalse())
	key, ok := p.Flow()
	Expect(ok).To(BeTrue())
	Expect(key.Local).To(Equal(a))
	Expect(key.Proto).To(Equal(conntrack.UDP))
	Expect(p.Len()).To(Equal(28))
}
