// Package sched runs callbacks at absolute deadlines. A single goroutine
// owns a min-heap of pending entries, so firing order is deterministic and
// independent of how many timers are armed. Idle-timeout supervision and
// retention sweeps are built on top of it instead of fixed-interval polling.
package sched

import (
	"container/heap"
	"sync"
	"time"
)

type Entry struct {
	s     *Scheduler
	at    time.Time
	fn    func()
	seq   uint64
	index int // heap index, -1 once fired or cancelled
}

// At returns the deadline this entry is armed for.
func (e *Entry) At() time.Time {
	e.s.mu.Lock()
	defer e.s.mu.Unlock()
	return e.at
}

// Cancel removes the entry if it has not fired yet. It reports whether the
// entry was still pending; false means the callback ran or is running.
func (e *Entry) Cancel() bool {
	e.s.mu.Lock()
	defer e.s.mu.Unlock()
	if e.index < 0 {
		return false
	}
	heap.Remove(&e.s.entries, e.index)
	return true
}

type Scheduler struct {
	mu      sync.Mutex
	nowFn   func() time.Time
	entries entryHeap
	seq     uint64
	wake    chan struct{}
	done    chan struct{}
	stopped bool
}

type Option func(*Scheduler)

func WithClock(nowFn func() time.Time) Option {
	return func(s *Scheduler) {
		if nowFn != nil {
			s.nowFn = nowFn
		}
	}
}

func New(opts ...Option) *Scheduler {
	s := &Scheduler{
		nowFn: func() time.Time { return time.Now().UTC() },
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	go s.run()
	return s
}

// Schedule arms fn to run once at the given deadline. Deadlines in the past
// fire on the next loop turn. Callbacks run on the scheduler goroutine and
// must not block; they may call Schedule to re-arm.
func (s *Scheduler) Schedule(at time.Time, fn func()) *Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := &Entry{s: s, at: at, fn: fn, seq: s.seq}
	s.seq++
	if s.stopped {
		e.index = -1
		return e
	}
	heap.Push(&s.entries, e)
	select {
	case s.wake <- struct{}{}:
	default:
	}
	return e
}

// After arms fn to run once d from now.
func (s *Scheduler) After(d time.Duration, fn func()) *Entry {
	return s.Schedule(s.nowFn().Add(d), fn)
}

// Now returns the scheduler's current time.
func (s *Scheduler) Now() time.Time {
	return s.nowFn()
}

// Stop shuts the scheduler down. Pending entries are discarded.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	for _, e := range s.entries {
		e.index = -1
	}
	s.entries = nil
	s.mu.Unlock()
	close(s.done)
}

func (s *Scheduler) run() {
	for {
		s.mu.Lock()
		if s.stopped {
			s.mu.Unlock()
			return
		}
		now := s.nowFn()
		var due []*Entry
		for len(s.entries) > 0 && !s.entries[0].at.After(now) {
			due = append(due, heap.Pop(&s.entries).(*Entry))
		}
		var wait time.Duration = -1
		if len(s.entries) > 0 {
			wait = s.entries[0].at.Sub(now)
		}
		s.mu.Unlock()

		for _, e := range due {
			e.fn()
		}
		if len(due) > 0 {
			continue
		}

		if wait < 0 {
			select {
			case <-s.wake:
			case <-s.done:
				return
			}
			continue
		}
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-s.wake:
			timer.Stop()
		case <-s.done:
			timer.Stop()
			return
		}
	}
}

type entryHeap []*Entry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	if h[i].at.Equal(h[j].at) {
		return h[i].seq < h[j].seq
	}
	return h[i].at.Before(h[j].at)
}

func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *entryHeap) Push(x any) {
	e := x.(*Entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}
