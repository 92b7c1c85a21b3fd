package conntrack

import (
	"container/list"

	"github.com/mazdakn/uswitch/pkg/timer"
)

type TCPState int

const (
	StateClosed TCPState = iota
	StateSynReceived
	StateEstablished
	StateClosing
)

func (s TCPState) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateSynReceived:
		return "SYN_RECEIVED"
	case StateEstablished:
		return "ESTABLISHED"
	case StateClosing:
		return "CLOSING"
	}
	return "UNKNOWN"
}

// TCPListenHandler receives the events of a TCP listener.
type TCPListenHandler interface {
	// Accepting is called when a connection reaches the accept backlog.
	Accepting(l *TCPListenEntry)
	Destroyed(l *TCPListenEntry)
}

type TCPListenEntry struct {
	Key     ListenKey
	Handler TCPListenHandler

	synBacklog    list.List
	acceptBacklog list.List
	ct            *Conntrack
	destroyed     bool
}

func (l *TCPListenEntry) String() string {
	return "listen " + l.Key.String()
}

// SynBacklogLen returns the number of half-open connections.
func (l *TCPListenEntry) SynBacklogLen() int {
	return l.synBacklog.Len()
}

// AcceptBacklogLen returns the number of established connections not yet
// accepted.
func (l *TCPListenEntry) AcceptBacklogLen() int {
	return l.acceptBacklog.Len()
}

// Established moves a half-open connection to the accept backlog.
func (l *TCPListenEntry) Established(e *TCPEntry) {
	if e.parent != l || e.backlog != &l.synBacklog {
		return
	}
	l.synBacklog.Remove(e.backlogElem)
	e.backlog = &l.acceptBacklog
	e.backlogElem = l.acceptBacklog.PushBack(e)
	e.State = StateEstablished
	if l.Handler != nil {
		l.Handler.Accepting(l)
	}
}

// Accept pops the oldest established connection. The connection is detached
// from the listener and lives on regardless of it.
func (l *TCPListenEntry) Accept() *TCPEntry {
	front := l.acceptBacklog.Front()
	if front == nil {
		return nil
	}
	e := l.acceptBacklog.Remove(front).(*TCPEntry)
	e.backlog, e.backlogElem, e.parent = nil, nil, nil
	return e
}

// destroy resets every backlogged connection: those were never handed to
// anyone else.
func (l *TCPListenEntry) destroy() {
	if l.destroyed {
		return
	}
	l.destroyed = true
	for _, b := range []*list.List{&l.synBacklog, &l.acceptBacklog} {
		for b.Len() > 0 {
			e := b.Remove(b.Front()).(*TCPEntry)
			e.backlog, e.backlogElem = nil, nil
			l.ct.tcp.removeIf(e.Key, e)
			e.destroy()
		}
	}
	if l.Handler != nil {
		l.Handler.Destroyed(l)
	}
}

type TCPEntry struct {
	Key   FlowKey
	State TCPState
	// RecvSeq is the next sequence number expected from the remote.
	RecvSeq uint32
	SendSeq uint32
	// OnDestroy lets the owner emit protocol teardown (RST/FIN).
	OnDestroy func(e *TCPEntry)
	UserData  any

	parent      *TCPListenEntry
	backlog     *list.List
	backlogElem *list.Element
	idle        timer.Handle
	ct          *Conntrack
	destroyed   bool
}

func (e *TCPEntry) String() string {
	return e.Key.String() + " " + e.State.String()
}

// Parent returns the listener the connection is still queued on, if any.
func (e *TCPEntry) Parent() *TCPListenEntry {
	return e.parent
}

// IdleTimer returns the handle of the idle timeout.
func (e *TCPEntry) IdleTimer() timer.Handle {
	return e.idle
}

// Refresh re-arms the idle timeout.
func (e *TCPEntry) Refresh() {
	if e.destroyed {
		return
	}
	e.ct.armIdle(&e.idle, e.ct.tcpIdle, func() { e.ct.expireTCP(e) })
}

func (e *TCPEntry) destroy() {
	if e.destroyed {
		return
	}
	e.destroyed = true
	e.State = StateClosed
	if e.backlog != nil {
		e.backlog.Remove(e.backlogElem)
		e.backlog, e.backlogElem = nil, nil
	}
	e.ct.disarm(&e.idle)
	if e.OnDestroy != nil {
		e.OnDestroy(e)
	}
}
