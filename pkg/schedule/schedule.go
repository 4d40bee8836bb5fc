// Package schedule provides cancellable delayed tasks for single-threaded
// event loops.
//
// Timers fire on their own goroutines, but a task's function only ever runs
// on the loop that owns the Scheduler: the loop receives fired task IDs from
// Fired and hands each one back to Run. A task cancelled before Run is
// called never executes, even if its timer already fired.
package schedule

import (
	"sync"
	"time"
)

// TaskID identifies a scheduled task. The zero value never names a task.
type TaskID uint64

// Scheduler holds the pending tasks of one event loop.
type Scheduler struct {
	mu      sync.Mutex
	next    TaskID
	pending map[TaskID]*entry
	fired   chan TaskID
	closed  chan struct{}
	once    sync.Once
}

type entry struct {
	timer *time.Timer
	fn    func()
}

// New returns an empty Scheduler.
func New() *Scheduler {
	return &Scheduler{
		pending: make(map[TaskID]*entry),
		fired:   make(chan TaskID, 16),
		closed:  make(chan struct{}),
	}
}

// After schedules fn to run on the owning loop once d has elapsed.
func (s *Scheduler) After(d time.Duration, fn func()) TaskID {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.next++
	id := s.next
	e := &entry{fn: fn}
	e.timer = time.AfterFunc(d, func() {
		select {
		case s.fired <- id:
		case <-s.closed:
		}
	})
	s.pending[id] = e
	return id
}

// Cancel removes a pending task. It reports whether the task was pending.
func (s *Scheduler) Cancel(id TaskID) bool {
	if id == 0 {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.pending[id]
	if !ok {
		return false
	}
	e.timer.Stop()
	delete(s.pending, id)
	return true
}

// CancelAll removes every pending task.
func (s *Scheduler) CancelAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, e := range s.pending {
		e.timer.Stop()
		delete(s.pending, id)
	}
}

// Pending reports whether id is still scheduled.
func (s *Scheduler) Pending(id TaskID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pending[id]
	return ok
}

// Len returns the number of pending tasks.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Fired delivers the IDs of tasks whose timers have elapsed.
func (s *Scheduler) Fired() <-chan TaskID {
	return s.fired
}

// Run executes the task if it is still pending and reports whether it ran.
// It must be called from the owning loop.
func (s *Scheduler) Run(id TaskID) bool {
	s.mu.Lock()
	e, ok := s.pending[id]
	if ok {
		delete(s.pending, id)
	}
	s.mu.Unlock()

	if !ok {
		return false
	}
	e.fn()
	return true
}

// Close cancels all tasks and releases timer goroutines blocked on Fired.
func (s *Scheduler) Close() {
	s.CancelAll()
	s.once.Do(func() { close(s.closed) })
}
