package sync

import (
	"github.com/glidix-go/corekit/kernel"
	"time"
)

// WaitFlags modifies the behavior of Semaphore.WaitGeneric.
type WaitFlags uint8

const (
	// WaitNone requests the default behavior: block until the full
	// requested count is available.
	WaitNone WaitFlags = 0

	// WaitNonBlock causes WaitGeneric to return immediately with
	// kernel.WouldBlock instead of parking the caller when the request
	// cannot be fully satisfied right away.
	WaitNonBlock WaitFlags = 1 << iota

	// WaitPartial allows WaitGeneric to return fewer units than
	// requested once at least one unit is available, instead of holding
	// the caller's place in the FIFO until the full count accrues.
	WaitPartial

	// WaitInterruptible is accepted but has no effect: WaitGeneric never
	// consults Scheduler.SignalPending and never returns
	// kernel.Interrupted.
	WaitInterruptible
)

// NoTimeout, passed as the deadline to WaitGeneric, means wait forever.
const NoTimeout int64 = -1

var (
	errSemTerminated  = &kernel.Error{Module: "sync", Message: "semaphore has been terminated", Kind: kernel.Terminated}
	errSemWouldBlock  = &kernel.Error{Module: "sync", Message: "semaphore wait would block", Kind: kernel.WouldBlock}
	errSemTimeout     = &kernel.Error{Module: "sync", Message: "semaphore wait timed out", Kind: kernel.Timeout}
	errSemInterrupted = &kernel.Error{Module: "sync", Message: "semaphore wait was interrupted", Kind: kernel.Interrupted}

	nowFn = func() int64 { return time.Now().UnixNano() }
)

// semWaiter is a single entry in a Semaphore's FIFO wait queue.
type semWaiter struct {
	thread    Thread
	requested int
	granted   int
	flags     WaitFlags
	done      bool
	woken     bool
}

// Semaphore is a counting semaphore supporting partial grants, timeouts,
// non-blocking attempts and a terminal "no more waits will ever succeed"
// state. Waits are not interruptible by signals. It is the basis for Mutex and Cond, and for the
// ACPI OSL adapter's semaphore contract.
type Semaphore struct {
	lock       Spinlock
	count      int
	waiters    []*semWaiter
	terminated bool
}

// NewSemaphore returns a Semaphore initialized with the given unit count.
func NewSemaphore(initialCount int) *Semaphore {
	return &Semaphore{count: initialCount}
}

// Signal releases n units back to the semaphore, waking as many queued
// waiters as the new count allows while preserving FIFO order. Signaling a
// terminated semaphore is a documented no-op.
func (s *Semaphore) Signal(n int) *kernel.Error {
	s.lock.Acquire()
	if s.terminated {
		s.lock.Release()
		return nil
	}

	s.count += n
	s.dispatchLocked()
	s.lock.Release()
	return nil
}

// dispatchLocked walks the FIFO wait queue from the front, granting units to
// waiters while s.count allows it. It must be called with s.lock held.
func (s *Semaphore) dispatchLocked() {
	for len(s.waiters) > 0 && s.count > 0 {
		w := s.waiters[0]
		need := w.requested - w.granted
		grant := need
		if grant > s.count {
			grant = s.count
		}

		w.granted += grant
		s.count -= grant

		if w.granted == w.requested || (w.granted > 0 && s.waiterAllowsPartial(w)) {
			w.done = true
			w.woken = true
			s.waiters = s.waiters[1:]
			scheduler.Wake(w.thread)
			continue
		}

		// Head of the queue still wants more units than available;
		// FIFO order means nobody behind it can be served either.
		break
	}
}

func (s *Semaphore) waiterAllowsPartial(w *semWaiter) bool {
	return w.flags&WaitPartial != 0
}

// WaitGeneric requests `requested` units from the semaphore. deadlineNs is
// an absolute deadline in nanoseconds as returned by a clock compatible with
// nowFn, or NoTimeout to wait forever. It returns the number of units
// actually granted (equal to requested unless WaitPartial is set) and a
// kernel.Error classifying why the wait ended early, if it did.
func (s *Semaphore) WaitGeneric(requested int, flags WaitFlags, deadlineNs int64) (int, *kernel.Error) {
	if requested <= 0 {
		return 0, &kernel.Error{Module: "sync", Message: "requested count must be positive", Kind: kernel.InvalidArgument}
	}

	s.lock.Acquire()
	if s.terminated {
		s.lock.Release()
		return 0, errSemTerminated
	}

	if s.count >= requested {
		s.count -= requested
		s.lock.Release()
		return requested, nil
	}

	if flags&WaitNonBlock != 0 {
		s.lock.Release()
		return 0, errSemWouldBlock
	}

	w := &semWaiter{thread: scheduler.Current(), requested: requested, flags: flags}
	s.waiters = append(s.waiters, w)
	s.dispatchLocked()
	done := w.done
	s.lock.Release()

	if done {
		return w.granted, nil
	}

	return s.park(w, deadlineNs)
}

// park blocks the calling thread until w is satisfied, the deadline elapses,
// or the semaphore is terminated. A pending signal does not end the wait.
func (s *Semaphore) park(w *semWaiter, deadlineNs int64) (int, *kernel.Error) {
	var timer *time.Timer
	if deadlineNs != NoTimeout {
		remaining := deadlineNs - nowFn()
		if remaining <= 0 {
			return s.abandon(w, errSemTimeout)
		}
		timer = time.AfterFunc(time.Duration(remaining), func() {
			s.abandonAsync(w)
		})
	}

	scheduler.Sleep(w.thread)

	if timer != nil {
		timer.Stop()
	}

	s.lock.Acquire()
	defer s.lock.Release()

	if w.done {
		return w.granted, nil
	}
	if s.terminated {
		s.removeWaiterLocked(w)
		return w.granted, errSemTerminated
	}
	return w.granted, errSemTimeout
}

// abandon removes a waiter that never parked (its deadline had already
// elapsed) from the queue and reports err.
func (s *Semaphore) abandon(w *semWaiter, err *kernel.Error) (int, *kernel.Error) {
	s.lock.Acquire()
	s.removeWaiterLocked(w)
	s.lock.Release()
	return w.granted, err
}

// abandonAsync is invoked from the timer goroutine when a wait's deadline
// elapses before it was satisfied; it refunds any partially granted units
// and wakes the parked thread so park() can return kernel.Timeout.
func (s *Semaphore) abandonAsync(w *semWaiter) {
	s.lock.Acquire()
	if w.done {
		s.lock.Release()
		return
	}
	s.removeWaiterLocked(w)
	if w.granted > 0 {
		s.count += w.granted
		w.granted = 0
		s.dispatchLocked()
	}
	s.lock.Release()
	scheduler.Wake(w.thread)
}

func (s *Semaphore) removeWaiterLocked(w *semWaiter) {
	for i, other := range s.waiters {
		if other == w {
			s.waiters = append(s.waiters[:i], s.waiters[i+1:]...)
			return
		}
	}
}

// Terminate puts the semaphore into a terminal state: every currently
// parked waiter is woken with kernel.Terminated (after being refunded any
// partial grant) and every future Wait call fails immediately the same way.
func (s *Semaphore) Terminate() {
	s.lock.Acquire()
	s.terminated = true
	waiters := s.waiters
	s.waiters = nil
	for _, w := range waiters {
		if w.granted > 0 {
			s.count += w.granted
			w.granted = 0
		}
	}
	s.lock.Release()

	for _, w := range waiters {
		scheduler.Wake(w.thread)
	}
}

// Count returns the current number of available units. It is intended for
// diagnostics only; the value may be stale by the time the caller observes
// it.
func (s *Semaphore) Count() int {
	s.lock.Acquire()
	defer s.lock.Release()
	return s.count
}

// WaiterCount returns the number of threads currently queued on the
// semaphore. It is intended for diagnostics and for Cond.Broadcast, which
// needs to know how many units to release to wake everyone waiting.
func (s *Semaphore) WaiterCount() int {
	s.lock.Acquire()
	defer s.lock.Release()
	return len(s.waiters)
}
