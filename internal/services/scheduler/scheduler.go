// Package scheduler provides the deadline queue that drives the timing state
// machines. Handlers run from Run on the caller's goroutine, never concurrently.
package scheduler

import (
	"container/heap"
	"sync"
	"time"
)

// MaxEventsPerRun bounds the work done by a single Run call.
const MaxEventsPerRun = 64

// Clock is the time source for a Scheduler.
type Clock interface {
	Now() time.Time
}

// RealClock reads the wall clock (with its monotonic reading).
type RealClock struct{}

// Now returns time.Now().
func (RealClock) Now() time.Time { return time.Now() }

// FakeClock is a manually advanced clock for tests.
type FakeClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewFakeClock creates a fake clock starting at start.
func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{now: start}
}

// Now returns the current fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Set moves the clock to t. Moving backwards is ignored.
func (c *FakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t.After(c.now) {
		c.now = t
	}
}

// Advance moves the clock forward by d.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// EventID identifies a scheduled event for cancellation.
type EventID uint64

// Handler is invoked with the scheduler's clock reading when its deadline passes.
type Handler func(now time.Time)

type event struct {
	id       EventID
	deadline time.Time
	seq      uint64
	handler  Handler
	index    int
}

type eventHeap []*event

func (h eventHeap) Len() int { return len(h) }
func (h eventHeap) Less(i, j int) bool {
	if h[i].deadline.Equal(h[j].deadline) {
		return h[i].seq < h[j].seq
	}
	return h[i].deadline.Before(h[j].deadline)
}
func (h eventHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *eventHeap) Push(x interface{}) {
	e := x.(*event)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *eventHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// Scheduler is a min-heap of deadlines. Equal deadlines fire in scheduling order.
type Scheduler struct {
	mu     sync.Mutex
	clock  Clock
	queue  eventHeap
	byID   map[EventID]*event
	nextID EventID
	seq    uint64
}

// New creates a scheduler reading time from clock.
func New(clock Clock) *Scheduler {
	if clock == nil {
		clock = RealClock{}
	}
	return &Scheduler{
		clock: clock,
		byID:  make(map[EventID]*event),
	}
}

// Now returns the scheduler's clock reading.
func (s *Scheduler) Now() time.Time {
	return s.clock.Now()
}

// At schedules h to run once deadline has passed.
func (s *Scheduler) At(deadline time.Time, h Handler) EventID {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.seq++
	e := &event{id: s.nextID, deadline: deadline, seq: s.seq, handler: h}
	heap.Push(&s.queue, e)
	s.byID[e.id] = e
	return e.id
}

// After schedules h to run d from now.
func (s *Scheduler) After(d time.Duration, h Handler) EventID {
	return s.At(s.clock.Now().Add(d), h)
}

// Cancel removes a pending event. It reports whether the event was pending.
func (s *Scheduler) Cancel(id EventID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byID[id]
	if !ok {
		return false
	}
	heap.Remove(&s.queue, e.index)
	delete(s.byID, id)
	return true
}

// Next returns the earliest pending deadline.
func (s *Scheduler) Next() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return time.Time{}, false
	}
	return s.queue[0].deadline, true
}

// Pending returns the number of scheduled events.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Run fires every due event in deadline order, including events scheduled by
// handlers that are already due, up to MaxEventsPerRun. It returns the number fired.
func (s *Scheduler) Run() int {
	fired := 0
	for fired < MaxEventsPerRun {
		now := s.clock.Now()
		s.mu.Lock()
		if len(s.queue) == 0 || s.queue[0].deadline.After(now) {
			s.mu.Unlock()
			break
		}
		e := heap.Pop(&s.queue).(*event)
		delete(s.byID, e.id)
		s.mu.Unlock()

		e.handler(now)
		fired++
	}
	return fired
}

// RunUntil steps a fake clock from deadline to deadline, firing events at their
// exact times, and finally leaves the clock at until.
func RunUntil(s *Scheduler, c *FakeClock, until time.Time) {
	for {
		next, ok := s.Next()
		if !ok || next.After(until) {
			break
		}
		c.Set(next)
		s.Run()
	}
	c.Set(until)
	s.Run()
}
