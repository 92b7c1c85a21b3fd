package conntrack

import (
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/mazdakn/uswitch/pkg/timer"
	"github.com/sirupsen/logrus"
)

const (
	DefaultTCPIdleTimeout = 15 * time.Minute
	DefaultUDPIdleTimeout = 30 * time.Second
)

var ErrWildcardUDPListen = errors.New("udp listen on the any-address is not supported")

type Option func(*Conntrack)

func WithLogger(log *logrus.Entry) Option {
	return func(c *Conntrack) {
		c.log = log
	}
}

// WithIdleTimeouts sets the idle timeouts of TCP and UDP flows. Zero disables
// idle expiry for that protocol.
func WithIdleTimeouts(tcp, udp time.Duration) Option {
	return func(c *Conntrack) {
		c.tcpIdle = tcp.Milliseconds()
		c.udpIdle = udp.Milliseconds()
	}
}

// Conntrack tracks listeners and live flows of the switch. It must only be
// used from the goroutine that drives its scheduler.
type Conntrack struct {
	timers  *timer.Scheduler[timer.Task]
	tcpIdle int64
	udpIdle int64

	tcpListen *listenTable[*TCPListenEntry]
	udpListen *listenTable[*UDPListenEntry]
	tcp       *flowTable[*TCPEntry]
	udp       *flowTable[*UDPEntry]

	log *logrus.Entry
}

func New(timers *timer.Scheduler[timer.Task], opts ...Option) *Conntrack {
	c := &Conntrack{
		timers:  timers,
		tcpIdle: DefaultTCPIdleTimeout.Milliseconds(),
		udpIdle: DefaultUDPIdleTimeout.Milliseconds(),
		log:     logrus.NewEntry(logrus.StandardLogger()),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.WithField("component", "conntrack")
	c.tcpListen = newListenTable[*TCPListenEntry](c.log)
	c.udpListen = newListenTable[*UDPListenEntry](c.log)
	c.tcp = newFlowTable[*TCPEntry](c.log)
	c.udp = newFlowTable[*UDPEntry](c.log)
	return c
}

func (c *Conntrack) ListenTCP(local netip.AddrPort, handler TCPListenHandler) *TCPListenEntry {
	local = normalize(local)
	l := &TCPListenEntry{
		Key:     ListenKey{Local: local, Proto: TCP},
		Handler: handler,
		ct:      c,
	}
	c.tcpListen.replace(l.Key, l)
	c.log.WithField("listen", l.Key).Debug("Added listener")
	return l
}

// UnlistenTCP removes a listener. Connections already accepted from it keep
// running.
func (c *Conntrack) UnlistenTCP(local netip.AddrPort) {
	l, ok := c.tcpListen.remove(normalize(local))
	if !ok {
		return
	}
	l.destroy()
}

func (c *Conntrack) ListenUDP(local netip.AddrPort, handler UDPListenHandler) (*UDPListenEntry, error) {
	local = normalize(local)
	if IsWildcard(local) {
		return nil, fmt.Errorf("%w: %v", ErrWildcardUDPListen, local)
	}
	l := &UDPListenEntry{
		Key:     ListenKey{Local: local, Proto: UDP},
		Handler: handler,
	}
	c.udpListen.replace(l.Key, l)
	return l, nil
}

// RemoveUDPListen removes a listener together with every flow riding on its
// local endpoint.
func (c *Conntrack) RemoveUDPListen(local netip.AddrPort) {
	local = normalize(local)
	if l, ok := c.udpListen.remove(local); ok {
		l.destroy()
	}
	flows := c.udp.removeLocal(local)
	for _, e := range flows {
		e.destroy()
	}
	if len(flows) > 0 {
		c.log.WithFields(logrus.Fields{
			"listen": local,
			"flows":  len(flows),
		}).Debug("Removed udp flows of listener")
	}
}

// LookupTCPListen matches dst exactly and falls back to the any-address
// listener on the same port.
func (c *Conntrack) LookupTCPListen(dst netip.AddrPort) *TCPListenEntry {
	dst = normalize(dst)
	if l, ok := c.tcpListen.get(dst); ok {
		return l
	}
	if IsWildcard(dst) {
		return nil
	}
	l, _ := c.tcpListen.get(wildcardFor(dst))
	return l
}

// LookupUDPListen matches dst exactly.
func (c *Conntrack) LookupUDPListen(dst netip.AddrPort) *UDPListenEntry {
	l, _ := c.udpListen.get(normalize(dst))
	return l
}

func (c *Conntrack) LookupTCP(key FlowKey) *TCPEntry {
	e, _ := c.tcp.get(flowKey(key, TCP))
	return e
}

func (c *Conntrack) LookupUDP(key FlowKey) *UDPEntry {
	e, _ := c.udp.get(flowKey(key, UDP))
	return e
}

// CreateTCP creates a half-open server side connection queued on listener l.
// seq is the sequence number of the remote's SYN.
func (c *Conntrack) CreateTCP(l *TCPListenEntry, key FlowKey, seq uint32) *TCPEntry {
	e := c.newTCP(key)
	e.State = StateSynReceived
	e.RecvSeq = seq + 1
	if l != nil && !l.destroyed {
		e.parent = l
		e.backlog = &l.synBacklog
		e.backlogElem = l.synBacklog.PushBack(e)
	}
	c.tcp.replace(e.Key, e)
	e.Refresh()
	return e
}

// RecordTCP tracks a connection that has no local listener, such as a
// translated one.
func (c *Conntrack) RecordTCP(key FlowKey) *TCPEntry {
	e := c.newTCP(key)
	c.tcp.replace(e.Key, e)
	e.Refresh()
	return e
}

func (c *Conntrack) newTCP(key FlowKey) *TCPEntry {
	return &TCPEntry{
		Key: flowKey(key, TCP),
		ct:  c,
	}
}

// RecordUDP always installs a fresh flow at key.
func (c *Conntrack) RecordUDP(key FlowKey) *UDPEntry {
	e := &UDPEntry{Key: flowKey(key, UDP), ct: c}
	c.udp.replace(e.Key, e)
	e.Refresh()
	return e
}

// RecordOrRefreshUDP returns the flow at key, refreshing its idle timeout, or
// creates it with makeDefault when absent. makeDefault may be nil.
func (c *Conntrack) RecordOrRefreshUDP(key FlowKey, makeDefault func() *UDPEntry) *UDPEntry {
	key = flowKey(key, UDP)
	e, created := c.udp.getOrCreate(key, func() *UDPEntry {
		var e *UDPEntry
		if makeDefault != nil {
			e = makeDefault()
		}
		if e == nil {
			e = &UDPEntry{}
		}
		e.Key = key
		e.ct = c
		return e
	})
	if created {
		c.log.WithField("flow", key).Debug("Recorded udp flow")
	}
	e.Refresh()
	return e
}

func (c *Conntrack) RemoveTCP(key FlowKey) {
	if e, ok := c.tcp.remove(flowKey(key, TCP)); ok {
		e.destroy()
	}
}

func (c *Conntrack) RemoveUDP(key FlowKey) {
	if e, ok := c.udp.remove(flowKey(key, UDP)); ok {
		e.destroy()
	}
}

func (c *Conntrack) CountTCPListen() int {
	return c.tcpListen.len()
}

func (c *Conntrack) ListTCPListen() []*TCPListenEntry {
	return c.tcpListen.list()
}

func (c *Conntrack) CountUDPListen() int {
	return c.udpListen.len()
}

func (c *Conntrack) ListUDPListen() []*UDPListenEntry {
	return c.udpListen.list()
}

func (c *Conntrack) CountTCP() int {
	return c.tcp.len()
}

func (c *Conntrack) ListTCP() []*TCPEntry {
	return c.tcp.list()
}

func (c *Conntrack) CountUDP() int {
	return c.udp.len()
}

func (c *Conntrack) ListUDP() []*UDPEntry {
	return c.udp.list()
}

// Destroy tears down every listener and flow.
func (c *Conntrack) Destroy() {
	for _, l := range c.tcpListen.list() {
		c.UnlistenTCP(l.Key.Local)
	}
	for _, e := range c.tcp.list() {
		c.RemoveTCP(e.Key)
	}
	for _, l := range c.udpListen.list() {
		c.RemoveUDPListen(l.Key.Local)
	}
	for _, e := range c.udp.list() {
		c.RemoveUDP(e.Key)
	}
}

func (c *Conntrack) expireTCP(e *TCPEntry) {
	c.log.WithField("flow", e.Key).Debug("Idle timeout")
	e.idle = timer.Handle{}
	c.tcp.removeIf(e.Key, e)
	e.destroy()
}

func (c *Conntrack) expireUDP(e *UDPEntry) {
	c.log.WithField("flow", e.Key).Debug("Idle timeout")
	e.idle = timer.Handle{}
	c.udp.removeIf(e.Key, e)
	e.destroy()
}

// armIdle (re)starts an idle timer in place, falling back to a fresh timer
// when the previous one already fired.
func (c *Conntrack) armIdle(h *timer.Handle, timeout int64, fire timer.Task) {
	if timeout <= 0 || c.timers == nil {
		return
	}
	now := c.timers.Now()
	if !h.IsZero() && c.timers.Reschedule(*h, now, timeout) == nil {
		return
	}
	nh, err := c.timers.Schedule(now, timeout, fire)
	if err != nil {
		c.log.WithError(err).Error("Failed to arm idle timer")
		return
	}
	*h = nh
}

func (c *Conntrack) disarm(h *timer.Handle) {
	if c.timers == nil {
		return
	}
	if err := c.timers.Cancel(*h); err != nil {
		c.log.WithError(err).Error("Failed to cancel idle timer")
	}
	*h = timer.Handle{}
}

func flowKey(key FlowKey, proto Protocol) FlowKey {
	return FlowKey{
		Local:  normalize(key.Local),
		Remote: normalize(key.Remote),
		Proto:  proto,
	}
}
