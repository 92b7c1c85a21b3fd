package timer

// overflowQueue is a min-heap of record indices ordered by fire time, for
// timers beyond the wheel span. Ties are broken by scheduling order.
type overflowQueue[T any] struct {
	s     *Scheduler[T]
	items []uint32
}

func (q *overflowQueue[T]) Len() int {
	return len(q.items)
}

func (q *overflowQueue[T]) Less(i, j int) bool {
	a, b := &q.s.records[q.items[i]], &q.s.records[q.items[j]]
	if a.fireAt != b.fireAt {
		return a.fireAt < b.fireAt
	}
	return a.seq < b.seq
}

func (q *overflowQueue[T]) Swap(i, j int) {
	q.items[i], q.items[j] = q.items[j], q.items[i]
	q.s.records[q.items[i]].heapIdx = i
	q.s.records[q.items[j]].heapIdx = j
}

func (q *overflowQueue[T]) Push(x any) {
	idx := x.(uint32)
	q.s.records[idx].heapIdx = len(q.items)
	q.items = append(q.items, idx)
}

func (q *overflowQueue[T]) Pop() any {
	n := len(q.items) - 1
	idx := q.items[n]
	q.items = q.items[:n]
	q.s.records[idx].heapIdx = -1
	return idx
}

func (q *overflowQueue[T]) peek() (uint32, bool) {
	if len(q.items) == 0 {
		return 0, false
	}
	return q.items[0], true
}
