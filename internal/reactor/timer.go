package reactor

import (
	"container/heap"
	"sync"
	"time"
)

// Timer is a single one-shot deadline owned by a TimerList. It carries no
// fd and is never registered directly with a Loop; a TimerDriver ticks the
// owning list once per reactor iteration and fires whichever timers have
// expired.
type Timer struct {
	list     *TimerList
	deadline time.Time
	seq      uint64
	armed    bool
	index    int // position in the list's heap, -1 when not armed
	onExpire func()
}

// NewTimer creates a timer bound to list. It is inert until ExpireAt or
// ExpireFromNow is called.
func NewTimer(list *TimerList) *Timer {
	return &Timer{list: list, index: -1}
}

// SetOnExpire sets the callback invoked when the timer fires. Must be set
// before the deadline elapses; it is safe to change from within another
// timer's callback during the same tick (the new value is read at fire
// time, not capture time).
func (t *Timer) SetOnExpire(f func()) { t.onExpire = f }

// ExpireFromNow arms (or re-arms) the timer to fire after d elapses.
func (t *Timer) ExpireFromNow(d time.Duration) {
	t.ExpireAt(time.Now().Add(d))
}

// ExpireAt arms (or re-arms) the timer to fire at deadline. Calling this on
// an already-armed timer reschedules it in place.
func (t *Timer) ExpireAt(deadline time.Time) {
	t.list.arm(t, deadline)
}

// Cancel disarms the timer. Safe to call on an unarmed or already-fired
// timer.
func (t *Timer) Cancel() {
	t.list.disarm(t)
}

// TimerList is an ordered set of armed timers, implemented as a min-heap
// keyed by (deadline, sequence number) so ties fire in arming order. There
// is no ordered-set type in the standard library with an efficient
// arbitrary-element remove, so container/heap is the idiomatic substitute
// for the original's intrusive ordered structure.
type TimerList struct {
	mu   sync.Mutex
	h    timerHeap
	next uint64
}

// NewTimerList returns an empty timer list.
func NewTimerList() *TimerList {
	return &TimerList{}
}

func (l *TimerList) arm(t *Timer, deadline time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	t.deadline = deadline
	l.next++
	t.seq = l.next
	if t.armed {
		heap.Fix(&l.h, t.index)
		return
	}
	t.armed = true
	heap.Push(&l.h, t)
}

func (l *TimerList) disarm(t *Timer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !t.armed {
		return
	}
	heap.Remove(&l.h, t.index)
	t.armed = false
	t.index = -1
}

// TickTock pops every timer whose deadline is at or before now and invokes
// its callback. Timers are extracted from the heap before any callback
// runs, so a callback that re-arms its own timer (or another timer in the
// same list) observes a consistent heap rather than one mid-mutation.
func (l *TimerList) TickTock(now time.Time) {
	var expired []*Timer
	l.mu.Lock()
	for l.h.Len() > 0 && !l.h[0].deadline.After(now) {
		t := heap.Pop(&l.h).(*Timer)
		t.armed = false
		t.index = -1
		expired = append(expired, t)
	}
	l.mu.Unlock()

	for _, t := range expired {
		if t.onExpire != nil {
			t.onExpire()
		}
	}
}

// Len reports the number of currently armed timers.
func (l *TimerList) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.h.Len()
}

type timerHeap []*Timer

func (h timerHeap) Len() int { return len(h) }
func (h timerHeap) Less(i, j int) bool {
	if h[i].deadline.Equal(h[j].deadline) {
		return h[i].seq < h[j].seq
	}
	return h[i].deadline.Before(h[j].deadline)
}
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *timerHeap) Push(x any) {
	t := x.(*Timer)
	t.index = len(*h)
	*h = append(*h, t)
}
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// TimerDriver is the LoopHandler that gives a TimerList a chance to fire
// once per reactor iteration. Every program using timers registers exactly
// one of these with its Loop.
type TimerDriver struct {
	list *TimerList
}

// NewTimerDriver returns a driver for list.
func NewTimerDriver(list *TimerList) *TimerDriver {
	return &TimerDriver{list: list}
}

func (d *TimerDriver) OnTick() {
	d.list.TickTock(time.Now())
}

func (d *TimerDriver) OnShutdown() {}
