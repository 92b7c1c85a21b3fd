package engine

import (
	"github.com/mazdakn/uswitch/pkg/conntrack"
	"github.com/mazdakn/uswitch/pkg/packet"
	"github.com/sirupsen/logrus"
)

// Switch classifies inbound packets against the conntrack tables. It runs on
// the loop goroutine.
type Switch struct {
	ct      *conntrack.Conntrack
	dropped int64
	log     *logrus.Entry
}

func NewSwitch(ct *conntrack.Conntrack) *Switch {
	return &Switch{
		ct:  ct,
		log: logrus.WithField("component", "switch"),
	}
}

// Dropped returns the number of packets no flow or listener accepted.
func (s *Switch) Dropped() int64 {
	return s.dropped
}

func (s *Switch) Handle(pkt *packet.Packet) {
	key, ok := pkt.Flow()
	if !ok {
		s.drop(pkt, "untracked protocol")
		return
	}
	switch key.Proto {
	case conntrack.TCP:
		s.handleTCP(pkt, key)
	case conntrack.UDP:
		s.handleUDP(pkt, key)
	}
}

func (s *Switch) handleTCP(pkt *packet.Packet, key conntrack.FlowKey) {
	e := s.ct.LookupTCP(key)
	if pkt.RST() {
		if e == nil {
			s.drop(pkt, "reset for unknown flow")
			return
		}
		s.ct.RemoveTCP(key)
		return
	}

	if pkt.SYN() && !pkt.ACK() {
		// Retransmitted SYN of a known flow.
		if e != nil && e.State == conntrack.StateSynReceived {
			e.Refresh()
			return
		}
		l := s.ct.LookupTCPListen(key.Local)
		if l == nil {
			s.drop(pkt, "no listener")
			return
		}
		e = s.ct.CreateTCP(l, key, pkt.Seq())
		s.log.WithField("flow", e).Debug("New connection")
		return
	}

	if e == nil {
		s.drop(pkt, "unknown flow")
		return
	}
	e.Refresh()
	if e.State == conntrack.StateSynReceived && pkt.ACK() {
		if l := e.Parent(); l != nil {
			l.Established(e)
		} else {
			e.State = conntrack.StateEstablished
		}
	}
	if pkt.FIN() {
		e.State = conntrack.StateClosing
	}
}

func (s *Switch) handleUDP(pkt *packet.Packet, key conntrack.FlowKey) {
	l := s.ct.LookupUDPListen(key.Local)
	if l == nil {
		// Flows recorded without a listener still get their timeout refreshed.
		if e := s.ct.LookupUDP(key); e != nil {
			e.Refresh()
			return
		}
		s.drop(pkt, "no listener")
		return
	}
	e := s.ct.RecordOrRefreshUDP(key, nil)
	if l.Handler != nil {
		l.Handler.Datagram(l, e, pkt.Payload())
	}
}

func (s *Switch) drop(pkt *packet.Packet, reason string) {
	s.dropped++
	s.log.WithField("reason", reason).Debugf("Dropped packet %v", pkt)
}
