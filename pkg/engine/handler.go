package engine

import (
	"github.com/mazdakn/uswitch/pkg/conntrack"
	"github.com/sirupsen/logrus"
)

// tcpListener accepts every established connection right away. There is no
// application behind it; accepted connections live until they idle out or
// are reset.
type tcpListener struct {
	accepted int
	log      *logrus.Entry
}

func newTCPListener() *tcpListener {
	return &tcpListener{log: logrus.WithField("component", "listener")}
}

func (h *tcpListener) Accepting(l *conntrack.TCPListenEntry) {
	for e := l.Accept(); e != nil; e = l.Accept() {
		h.accepted++
		h.log.WithField("flow", e).Info("Accepted connection")
	}
}

func (h *tcpListener) Destroyed(l *conntrack.TCPListenEntry) {
	h.log.Infof("Destroyed %v", l)
}

// udpListener counts and logs datagrams.
type udpListener struct {
	datagrams int
	log       *logrus.Entry
}

func newUDPListener() *udpListener {
	return &udpListener{log: logrus.WithField("component", "listener")}
}

func (h *udpListener) Datagram(l *conntrack.UDPListenEntry, e *conntrack.UDPEntry, payload []byte) {
	h.datagrams++
	h.log.WithFields(logrus.Fields{
		"listen": l.Key,
		"flow":   e.Key,
		"bytes":  len(payload),
	}).Debug("Received datagram")
}

func (h *udpListener) Destroyed(l *conntrack.UDPListenEntry) {
	h.log.Infof("Destroyed %v", l)
}
