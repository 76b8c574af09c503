package neighbor

import (
	"container/heap"
	"iter"
	"sort"
	"time"
)

type timerItem struct {
	handle   Handle
	deadline time.Time
	index    int
}

// timerHeap is a min-heap of deadlines.
type timerHeap []*timerItem

func (h timerHeap) Len() int           { return len(h) }
func (h timerHeap) Less(i, j int) bool { return h[i].deadline.Before(h[j].deadline) }
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	item := x.(*timerItem)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

// timerQueue orders entries by their next deadline.
//
// It holds handles only; the store owns the entries.
type timerQueue struct {
	heap  timerHeap
	items map[Handle]*timerItem
	// wakeAt is the earliest time the driver has been asked to wake up at.
	// Zero means unset.
	wakeAt time.Time
	// wake is called whenever wakeAt moves earlier.
	wake func()
}

func newTimerQueue(wake func()) *timerQueue {
	if wake == nil {
		wake = func() {}
	}
	return &timerQueue{
		items: map[Handle]*timerItem{},
		wake:  wake,
	}
}

// ScheduleOrUpdate sets the entry's deadline to now+d.
//
// A zero d asks for the entry to be handled on the next timer cycle.
func (m *timerQueue) ScheduleOrUpdate(e *Entry, now time.Time, d time.Duration) {
	deadline := now.Add(d)
	e.ExpireAt = deadline

	if item, ok := m.items[e.handle]; ok {
		item.deadline = deadline
		heap.Fix(&m.heap, item.index)
	} else {
		item := &timerItem{handle: e.handle, deadline: deadline}
		m.items[e.handle] = item
		heap.Push(&m.heap, item)
	}

	if m.wakeAt.IsZero() || m.wakeAt.After(deadline) {
		m.wakeAt = deadline
		m.wake()
	}
}

// Remove drops the entry's deadline. Unknown handles are ignored.
func (m *timerQueue) Remove(h Handle) {
	item, ok := m.items[h]
	if !ok {
		return
	}
	heap.Remove(&m.heap, item.index)
	delete(m.items, h)
}

// Contains reports whether the handle has a pending deadline.
func (m *timerQueue) Contains(h Handle) bool {
	_, ok := m.items[h]
	return ok
}

// Len returns the number of pending deadlines.
func (m *timerQueue) Len() int {
	return len(m.heap)
}

// Next returns the earliest pending deadline.
func (m *timerQueue) Next() (time.Time, bool) {
	if len(m.heap) == 0 {
		return time.Time{}, false
	}
	return m.heap[0].deadline, true
}

// Due yields the handles whose deadline is not after now, earliest first.
//
// The sequence iterates over a snapshot taken when iteration starts, so the
// caller may remove or reschedule entries while ranging over it.
func (m *timerQueue) Due(now time.Time) iter.Seq[Handle] {
	return func(yield func(Handle) bool) {
		var due []*timerItem
		// Children are never earlier than their parent, so only the due
		// part of the heap is walked.
		var walk func(i int)
		walk = func(i int) {
			if i >= len(m.heap) || m.heap[i].deadline.After(now) {
				return
			}
			due = append(due, m.heap[i])
			walk(2*i + 1)
			walk(2*i + 2)
		}
		walk(0)

		sort.SliceStable(due, func(i, j int) bool {
			return due[i].deadline.Before(due[j].deadline)
		})

		handles := make([]Handle, len(due))
		for i, item := range due {
			handles[i] = item.handle
		}
		for _, h := range handles {
			if !yield(h) {
				return
			}
		}
	}
}

// rearm records that the driver is about to sleep until the next deadline.
func (m *timerQueue) rearm() {
	m.wakeAt, _ = m.Next()
}
