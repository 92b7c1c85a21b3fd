package conntrack

import (
	"github.com/mazdakn/uswitch/pkg/timer"
)

// UDPListenHandler receives the events of a UDP listener. Datagram is called
// by the packet path, not by Conntrack.
type UDPListenHandler interface {
	Datagram(l *UDPListenEntry, e *UDPEntry, payload []byte)
	Destroyed(l *UDPListenEntry)
}

// UDPListenEntry scopes a local NAT mapping. Removing it removes every flow
// under its local endpoint.
type UDPListenEntry struct {
	Key     ListenKey
	Handler UDPListenHandler

	destroyed bool
}

func (l *UDPListenEntry) String() string {
	return "listen " + l.Key.String()
}

func (l *UDPListenEntry) destroy() {
	if l.destroyed {
		return
	}
	l.destroyed = true
	if l.Handler != nil {
		l.Handler.Destroyed(l)
	}
}

type UDPEntry struct {
	Key       FlowKey
	OnDestroy func(e *UDPEntry)
	UserData  any

	idle      timer.Handle
	ct        *Conntrack
	destroyed bool
}

func (e *UDPEntry) String() string {
	return e.Key.String()
}

func (e *UDPEntry) IdleTimer() timer.Handle {
	return e.idle
}

// Refresh re-arms the idle timeout without touching anything else.
func (e *UDPEntry) Refresh() {
	if e.destroyed {
		return
	}
	e.ct.armIdle(&e.idle, e.ct.udpIdle, func() { e.ct.expireUDP(e) })
}

func (e *UDPEntry) destroy() {
	if e.destroyed {
		return
	}
	e.destroyed = true
	e.ct.disarm(&e.idle)
	if e.OnDestroy != nil {
		e.OnDestroy(e)
	}
}
