package timer

import (
	"container/heap"
	"container/list"
	"fmt"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// NoDeadline is returned by NextWait when nothing is scheduled.
const NoDeadline int64 = -1

var schedulerIDs atomic.Uint64

type location uint8

const (
	detached location = iota
	inDue
	inWheel
	inOverflow
)

type record[T any] struct {
	payload T
	fireAt  int64
	seq     uint64
	gen     uint32
	where   location
	level   int
	slot    int
	elem    *list.Element
	heapIdx int
}

type Option func(*options)

type options struct {
	log *logrus.Entry
}

func WithLogger(log *logrus.Entry) Option {
	return func(o *options) {
		o.log = log
	}
}

// Scheduler is a hierarchical timing wheel with a heap for timers beyond its
// span. Time is expressed in milliseconds. It is not safe for concurrent use;
// the owning loop drives it through Tick, Poll and NextWait.
type Scheduler[T any] struct {
	id       uint64
	current  int64
	seq      uint64
	wheel    wheel
	overflow overflowQueue[T]
	due      list.List
	records  []record[T]
	free     []uint32
	log      *logrus.Entry
}

func New[T any](start int64, opts ...Option) *Scheduler[T] {
	o := options{log: logrus.NewEntry(logrus.StandardLogger())}
	for _, opt := range opts {
		opt(&o)
	}
	s := &Scheduler[T]{
		id:      schedulerIDs.Add(1),
		current: start,
		log:     o.log.WithField("component", "timer"),
	}
	s.overflow.s = s
	return s
}

// Now returns the last time the scheduler advanced to.
func (s *Scheduler[T]) Now() int64 {
	return s.current
}

// Len returns the number of timers that have not fired or been cancelled.
func (s *Scheduler[T]) Len() int {
	return len(s.records) - len(s.free)
}

// Schedule arms a timer for now+delay. A zero delay makes the payload
// available to the next Poll.
func (s *Scheduler[T]) Schedule(now, delay int64, payload T) (Handle, error) {
	if delay < 0 {
		return Handle{}, fmt.Errorf("%w: %vms", ErrNegativeDelay, delay)
	}
	idx := s.alloc()
	r := &s.records[idx]
	r.payload = payload
	r.fireAt = now + delay
	s.place(idx)
	return Handle{owner: s.id, index: idx, gen: r.gen}, nil
}

// Reschedule moves a pending timer to now+delay, keeping its handle.
func (s *Scheduler[T]) Reschedule(h Handle, now, delay int64) error {
	if delay < 0 {
		return fmt.Errorf("%w: %vms", ErrNegativeDelay, delay)
	}
	r, err := s.lookup(h)
	if err != nil {
		return err
	}
	if r == nil {
		return ErrStaleHandle
	}
	s.detach(h.index)
	r.fireAt = now + delay
	s.place(h.index)
	return nil
}

// Cancel removes a pending timer. Cancelling a timer that already fired or
// was cancelled is a no-op.
func (s *Scheduler[T]) Cancel(h Handle) error {
	r, err := s.lookup(h)
	if err != nil {
		return err
	}
	if r == nil {
		return nil
	}
	s.detach(h.index)
	s.release(h.index)
	return nil
}

// Pending reports whether h still refers to a timer that has not fired.
func (s *Scheduler[T]) Pending(h Handle) bool {
	r, err := s.lookup(h)
	return err == nil && r != nil
}

// Payload returns the payload of a pending timer.
func (s *Scheduler[T]) Payload(h Handle) (T, bool) {
	var zero T
	r, err := s.lookup(h)
	if err != nil || r == nil {
		return zero, false
	}
	return r.payload, true
}

// Poll returns one payload whose fire time has been reached. It does not move
// time forward.
func (s *Scheduler[T]) Poll() (T, bool) {
	var zero T
	e := s.due.Front()
	if e == nil {
		return zero, false
	}
	idx := s.due.Remove(e).(uint32)
	payload := s.records[idx].payload
	s.release(idx)
	return payload, true
}

// Tick advances the wheel to now. Time never moves backwards: an older now is
// logged and ignored.
func (s *Scheduler[T]) Tick(now int64) {
	if now < s.current {
		s.log.WithFields(logrus.Fields{
			"now":     now,
			"current": s.current,
		}).Warn("Clock moved backwards, holding timer position")
		return
	}
	for s.current < now {
		s.advance(s.nextStop(now))
	}
}

// NextWait advances to now and returns how many milliseconds the caller may
// block before a timer becomes due. 0 means something is due already,
// NoDeadline that nothing is scheduled.
func (s *Scheduler[T]) NextWait(now int64) int64 {
	s.Tick(now)
	if s.due.Len() > 0 {
		return 0
	}
	wait := NoDeadline
	for lv := 0; lv < LevelCount; lv++ {
		if s.wheel.empty(lv) {
			continue
		}
		shift := levelShift(lv)
		off := s.wheel.nextOccupied(lv, slotOf(s.current, lv))
		// Start of the next occupied slot: a lower bound of every fire time in it.
		start := (s.current>>shift + int64(off)) << shift
		if d := start - s.current; wait == NoDeadline || d < wait {
			wait = d
		}
	}
	if idx, ok := s.overflow.peek(); ok {
		if d := s.records[idx].fireAt - s.current; wait == NoDeadline || d < wait {
			wait = d
		}
	}
	return wait
}

// nextStop picks how far the cursor can move in one step. Levels below the
// lowest non-empty one hold nothing, so the cursor can jump straight to that
// level's next slot boundary.
func (s *Scheduler[T]) nextStop(now int64) int64 {
	lv := 0
	for lv < LevelCount-1 && s.wheel.empty(lv) {
		lv++
	}
	shift := levelShift(lv)
	next := (s.current>>shift + 1) << shift
	if next > now {
		next = now
	}
	return next
}

func (s *Scheduler[T]) advance(next int64) {
	prev := s.current
	s.current = next
	for lv := LevelCount - 1; lv > 0; lv-- {
		shift := levelShift(lv)
		if prev>>shift != next>>shift {
			s.cascade(lv, slotOf(next, lv))
		}
	}
	s.demote()
	for _, idx := range s.wheel.take(0, slotOf(next, 0)) {
		s.makeDue(idx)
	}
}

// cascade re-places every timer of a vacated slot by its absolute fire time,
// which puts it one or more levels further down.
func (s *Scheduler[T]) cascade(lv, slot int) {
	for _, idx := range s.wheel.take(lv, slot) {
		s.records[idx].where = detached
		s.place(idx)
	}
}

// demote moves overflow timers that now fit the outermost level into the wheel.
func (s *Scheduler[T]) demote() {
	limit := windowEnd(s.current, LevelCount-1)
	for {
		idx, ok := s.overflow.peek()
		if !ok || s.records[idx].fireAt >= limit {
			return
		}
		heap.Pop(&s.overflow)
		s.records[idx].where = detached
		s.place(idx)
	}
}

func (s *Scheduler[T]) place(idx uint32) {
	r := &s.records[idx]
	if r.fireAt <= s.current {
		s.makeDue(idx)
		return
	}
	for lv := 0; lv < LevelCount; lv++ {
		if r.fireAt < windowEnd(s.current, lv) {
			slot := slotOf(r.fireAt, lv)
			r.where, r.level, r.slot = inWheel, lv, slot
			r.elem = s.wheel.add(lv, slot, idx)
			return
		}
	}
	r.where = inOverflow
	r.elem = nil
	heap.Push(&s.overflow, idx)
}

func (s *Scheduler[T]) makeDue(idx uint32) {
	r := &s.records[idx]
	r.where = inDue
	r.elem = s.due.PushBack(idx)
}

func (s *Scheduler[T]) detach(idx uint32) {
	r := &s.records[idx]
	switch r.where {
	case inDue:
		s.due.Remove(r.elem)
	case inWheel:
		s.wheel.remove(r.level, r.slot, r.elem)
	case inOverflow:
		heap.Remove(&s.overflow, r.heapIdx)
	}
	r.where = detached
	r.elem = nil
}

// lookup resolves a handle. A nil record with a nil error means the handle is
// stale.
func (s *Scheduler[T]) lookup(h Handle) (*record[T], error) {
	if h.IsZero() {
		return nil, nil
	}
	if h.owner != s.id || int(h.index) >= len(s.records) {
		return nil, fmt.Errorf("%w: %v", ErrForeignHandle, h)
	}
	r := &s.records[h.index]
	if r.gen != h.gen || r.where == detached {
		return nil, nil
	}
	return r, nil
}

func (s *Scheduler[T]) alloc() uint32 {
	s.seq++
	if n := len(s.free); n > 0 {
		idx := s.free[n-1]
		s.free = s.free[:n-1]
		s.records[idx].seq = s.seq
		return idx
	}
	s.records = append(s.records, record[T]{gen: 1, seq: s.seq, heapIdx: -1})
	return uint32(len(s.records) - 1)
}

func (s *Scheduler[T]) release(idx uint32) {
	var zero T
	r := &s.records[idx]
	r.payload = zero
	r.where = detached
	r.elem = nil
	r.heapIdx = -1
	r.gen++
	s.free = append(s.free, idx)
}
