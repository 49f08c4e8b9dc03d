package clock

import (
	"container/heap"
	"sync"
	"time"
)

// TimerService fires one-shot and repeating timers on a shared worker pool.
// Callbacks must not block a worker beyond a few milliseconds; long work
// belongs on the caller's own queue.
type TimerService struct {
	clock   Clock
	mu      sync.Mutex
	pending timerHeap
	wakeCh  chan struct{}
	stopCh  chan struct{}
	jobCh   chan func()
	stopped bool
}

// Timer is a handle to a scheduled callback. Repeating timers re-arm
// themselves after each expiry.
type Timer struct {
	svc      *TimerService
	interval time.Duration
	fn       func()
	deadline time.Time
	index    int // heap index, -1 when not scheduled
	active   bool
}

// NewTimerService creates a timer service with the given number of callback
// workers.
func NewTimerService(c Clock, workers int) *TimerService {
	if workers <= 0 {
		workers = 4
	}
	s := &TimerService{
		clock:  c,
		wakeCh: make(chan struct{}, 1),
		stopCh: make(chan struct{}),
		jobCh:  make(chan func(), 64),
	}
	for i := 0; i < workers; i++ {
		go s.worker()
	}
	go s.run()
	return s
}

// Stop shuts down the service. Pending timers no longer fire.
func (s *TimerService) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()
	close(s.stopCh)
}

// NewTimer creates a timer. A positive interval makes it repeating. The
// timer does not run until Start or Reschedule is called.
func (s *TimerService) NewTimer(interval time.Duration, fn func()) *Timer {
	return &Timer{svc: s, interval: interval, fn: fn, index: -1}
}

// Start arms the timer to fire after its interval.
func (t *Timer) Start() {
	t.Reschedule(t.svc.clock.Now().Add(t.interval))
}

// Stop disarms the timer. Safe to call repeatedly.
func (t *Timer) Stop() {
	s := t.svc
	s.mu.Lock()
	if t.index >= 0 {
		heap.Remove(&s.pending, t.index)
	}
	t.active = false
	s.mu.Unlock()
	s.wake()
}

// Reschedule moves the next expiry to at. Rescheduling an armed timer is
// idempotent with respect to its callback: it fires once, at the new time.
func (t *Timer) Reschedule(at time.Time) {
	s := t.svc
	s.mu.Lock()
	t.deadline = at
	t.active = true
	if t.index >= 0 {
		heap.Fix(&s.pending, t.index)
	} else {
		heap.Push(&s.pending, t)
	}
	s.mu.Unlock()
	s.wake()
}

func (s *TimerService) wake() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

func (s *TimerService) worker() {
	for {
		select {
		case fn := <-s.jobCh:
			fn()
		case <-s.stopCh:
			return
		}
	}
}

func (s *TimerService) run() {
	for {
		s.mu.Lock()
		var next time.Time
		if s.pending.Len() > 0 {
			next = s.pending[0].deadline
		}
		s.mu.Unlock()

		var waitCh <-chan time.Time
		if !next.IsZero() {
			waitCh = s.clock.Until(next)
		}

		select {
		case <-s.stopCh:
			return
		case <-s.wakeCh:
		case <-waitCh:
			s.fireDue()
		}
	}
}

func (s *TimerService) fireDue() {
	now := s.clock.Now()
	s.mu.Lock()
	var fns []func()
	for s.pending.Len() > 0 && !s.pending[0].deadline.After(now) {
		t := heap.Pop(&s.pending).(*Timer)
		if !t.active {
			continue
		}
		fns = append(fns, t.fn)
		if t.interval > 0 {
			t.deadline = now.Add(t.interval)
			heap.Push(&s.pending, t)
		} else {
			t.active = false
		}
	}
	s.mu.Unlock()
	for _, fn := range fns {
		select {
		case s.jobCh <- fn:
		case <-s.stopCh:
			return
		}
	}
}

type timerHeap []*Timer

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].deadline.Before(h[j].deadline) }
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
	t.index = -1
	old[n-1] = nil
	*h = old[:n-1]
	return t
}
