package engine

import (
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	. "github.com/onsi/gomega"

	"github.com/mazdakn/uswitch/pkg/packet"
)

type tcpFlags struct {
	syn, ack, rst, fin bool
}

func ipLayer(src, dst netip.Addr, proto layers.IPProtocol) gopacket.NetworkLayer {
	if src.Is4() {
		return &layers.IPv4{Version: 4, TTL: 64, Protocol: proto, SrcIP: src.AsSlice(), DstIP: dst.AsSlice()}
	}
	return &layers.IPv6{Version: 6, HopLimit: 64, NextHeader: proto, SrcIP: src.AsSlice(), DstIP: dst.AsSlice()}
}

func serialize(ls ...gopacket.SerializableLayer) []byte {
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	Expect(gopacket.SerializeLayers(buf, opts, ls...)).To(Succeed())
	return buf.Bytes()
}

func rawTCP(src, dst string, flags tcpFlags, seq uint32) []byte {
	s, d := netip.MustParseAddrPort(src), netip.MustParseAddrPort(dst)
	ip := ipLayer(s.Addr(), d.Addr(), layers.IPProtocolTCP)
	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(s.Port()),
		DstPort: layers.TCPPort(d.Port()),
		SYN:     flags.syn,
		ACK:     flags.ack,
		RST:     flags.rst,
		FIN:     flags.fin,
		Seq:     seq,
		Window:  1024,
	}
	Expect(tcp.SetNetworkLayerForChecksum(ip)).To(Succeed())
	return serialize(ip.(gopacket.SerializableLayer), tcp)
}

func rawUDP(src, dst string, payload []byte) []byte {
	s, d := netip.MustParseAddrPort(src), netip.MustParseAddrPort(dst)
	ip := ipLayer(s.Addr(), d.Addr(), layers.IPProtocolUDP)
	udp := &layers.UDP{SrcPort: layers.UDPPort(s.Port()), DstPort: layers.UDPPort(d.Port())}
	Expect(udp.SetNetworkLayerForChecksum(ip)).To(Succeed())
	return serialize(ip.(gopacket.SerializableLayer), udp, gopacket.Payload(payload))
}

func parsed(raw []byte) *packet.Packet {
	pkt := packet.New(1600)
	n := copy(pkt.Bytes, raw)
	Expect(pkt.Parse(n)).To(Succeed())
	return pkt
}
