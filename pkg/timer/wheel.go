package timer

import (
	"container/list"
	"math/bits"
)

const (
	wheelBits = 5

	// WheelSize is the number of slots per level.
	WheelSize = 1 << wheelBits
	wheelMask = WheelSize - 1

	// LevelCount is the number of wheel levels. Level i ticks every 32^i ms.
	LevelCount = 4

	// Span is the longest delay (ms) the wheel represents. Anything further
	// out waits in the overflow queue.
	Span int64 = 1 << (wheelBits * LevelCount)

	topShift = wheelBits * (LevelCount - 1)
)

type level struct {
	slots    [WheelSize]list.List
	occupied uint32
	count    int
}

// wheel stores record indices. It knows nothing about fire times; placement
// is decided by the scheduler.
type wheel struct {
	levels [LevelCount]level
}

func levelShift(lv int) uint {
	return uint(lv * wheelBits)
}

// windowEnd is the first timestamp that no longer fits level lv when the
// cursor is at current.
func windowEnd(current int64, lv int) int64 {
	shift := levelShift(lv)
	return (current>>shift + WheelSize) << shift
}

func slotOf(at int64, lv int) int {
	return int(at>>levelShift(lv)) & wheelMask
}

func (w *wheel) add(lv, slot int, idx uint32) *list.Element {
	l := &w.levels[lv]
	l.count++
	l.occupied |= 1 << slot
	return l.slots[slot].PushBack(idx)
}

func (w *wheel) remove(lv, slot int, elem *list.Element) {
	l := &w.levels[lv]
	l.slots[slot].Remove(elem)
	l.count--
	if l.slots[slot].Len() == 0 {
		l.occupied &^= 1 << slot
	}
}

// take empties a slot and returns its indices in insertion order.
func (w *wheel) take(lv, slot int) []uint32 {
	l := &w.levels[lv]
	b := &l.slots[slot]
	if b.Len() == 0 {
		return nil
	}
	out := make([]uint32, 0, b.Len())
	for e := b.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(uint32))
	}
	b.Init()
	l.count -= len(out)
	l.occupied &^= 1 << slot
	return out
}

func (w *wheel) empty(lv int) bool {
	return w.levels[lv].count == 0
}

// nextOccupied returns the distance (1..WheelSize) from slot cur to the next
// occupied slot of level lv, walking forward. The level must not be empty.
func (w *wheel) nextOccupied(lv, cur int) int {
	r := bits.RotateLeft32(w.levels[lv].occupied, -(cur + 1))
	return bits.TrailingZeros32(r) + 1
}

func (w *wheel) len() int {
	n := 0
	for lv := range w.levels {
		n += w.levels[lv].count
	}
	return n
}
