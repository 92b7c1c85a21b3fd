package conntrack

import (
	"net/netip"

	"github.com/sirupsen/logrus"
)

type entry interface {
	comparable
	destroy()
}

// flowTable indexes flows by local endpoint first, then by remote endpoint.
// The local side is the small set of addresses the switch owns, so the outer
// map stays small.
type flowTable[E entry] struct {
	byLocal map[netip.AddrPort]map[netip.AddrPort]E
	size    int
	log     *logrus.Entry
}

func newFlowTable[E entry](log *logrus.Entry) *flowTable[E] {
	return &flowTable[E]{
		byLocal: make(map[netip.AddrPort]map[netip.AddrPort]E),
		log:     log,
	}
}

func (t *flowTable[E]) get(key FlowKey) (E, bool) {
	e, ok := t.byLocal[key.Local][key.Remote]
	return e, ok
}

func (t *flowTable[E]) insert(key FlowKey, e E) (E, bool) {
	m, ok := t.byLocal[key.Local]
	if !ok {
		m = make(map[netip.AddrPort]E)
		t.byLocal[key.Local] = m
	}
	old, replaced := m[key.Remote]
	m[key.Remote] = e
	if !replaced {
		t.size++
	}
	return old, replaced
}

// replace installs e at key. An entry already living there is a tuple reuse
// the packet path did not expect: it is logged and destroyed.
func (t *flowTable[E]) replace(key FlowKey, e E) {
	old, replaced := t.insert(key, e)
	if !replaced || old == e {
		return
	}
	t.log.WithField("flow", key).Error("Found existing flow for a new flow with the same tuple, destroying it")
	old.destroy()
}

// getOrCreate returns the entry at key, or inserts the one built by create.
func (t *flowTable[E]) getOrCreate(key FlowKey, create func() E) (E, bool) {
	if e, ok := t.get(key); ok {
		return e, false
	}
	e := create()
	t.insert(key, e)
	return e, true
}

func (t *flowTable[E]) remove(key FlowKey) (E, bool) {
	m, ok := t.byLocal[key.Local]
	if !ok {
		var zero E
		return zero, false
	}
	e, ok := m[key.Remote]
	if !ok {
		return e, false
	}
	delete(m, key.Remote)
	t.size--
	if len(m) == 0 {
		delete(t.byLocal, key.Local)
	}
	return e, true
}

// removeIf drops the entry at key only if it is still e.
func (t *flowTable[E]) removeIf(key FlowKey, e E) bool {
	if cur, ok := t.get(key); !ok || cur != e {
		return false
	}
	t.remove(key)
	return true
}

// removeLocal drops every flow under a local endpoint and returns them.
func (t *flowTable[E]) removeLocal(local netip.AddrPort) []E {
	m, ok := t.byLocal[local]
	if !ok {
		return nil
	}
	delete(t.byLocal, local)
	t.size -= len(m)
	out := make([]E, 0, len(m))
	for _, e := range m {
		out = append(out, e)
	}
	return out
}

func (t *flowTable[E]) len() int {
	return t.size
}

func (t *flowTable[E]) list() []E {
	out := make([]E, 0, t.size)
	for _, m := range t.byLocal {
		for _, e := range m {
			out = append(out, e)
		}
	}
	return out
}

// listenTable maps a local endpoint to its listener.
type listenTable[E entry] struct {
	entries map[netip.AddrPort]E
	log     *logrus.Entry
}

func newListenTable[E entry](log *logrus.Entry) *listenTable[E] {
	return &listenTable[E]{
		entries: make(map[netip.AddrPort]E),
		log:     log,
	}
}

func (t *listenTable[E]) get(local netip.AddrPort) (E, bool) {
	e, ok := t.entries[local]
	return e, ok
}

// replace installs e, destroying a previous listener on the same endpoint.
func (t *listenTable[E]) replace(key ListenKey, e E) {
	old, replaced := t.entries[key.Local]
	t.entries[key.Local] = e
	if !replaced || old == e {
		return
	}
	t.log.WithField("listen", key).Error("Found existing listener while listening again, destroying it")
	old.destroy()
}

func (t *listenTable[E]) remove(local netip.AddrPort) (E, bool) {
	e, ok := t.entries[local]
	if ok {
		delete(t.entries, local)
	}
	return e, ok
}

func (t *listenTable[E]) len() int {
	return len(t.entries)
}

func (t *listenTable[E]) list() []E {
	out := make([]E, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, e)
	}
	return out
}
