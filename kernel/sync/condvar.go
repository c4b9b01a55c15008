package sync

import "github.com/glidix-go/corekit/kernel"

// Cond is a condition variable built from an edge-triggered Semaphore (its
// count never exceeds one pending wakeup) plus a level-triggered value used
// to filter out spurious wakeups: a waiter that is woken re-checks value
// against the generation it observed before sleeping, and loops back to
// sleep if nothing actually changed since.
type Cond struct {
	sem   *Semaphore
	value uint64
}

// NewCond returns a new, unsignaled condition variable.
func NewCond() *Cond {
	return &Cond{sem: NewSemaphore(0)}
}

// Wait atomically releases mu and blocks the calling thread until Signal or
// Broadcast is called, then reacquires mu before returning. deadlineNs bounds
// the wait the same way it does for Semaphore.WaitGeneric; pass NoTimeout to
// wait forever.
func (c *Cond) Wait(mu *Mutex, deadlineNs int64) *kernel.Error {
	generation := c.value

	mu.Unlock()
	defer mu.Lock()

	for c.value == generation {
		if _, err := c.sem.WaitGeneric(1, WaitNone, deadlineNs); err != nil {
			return err
		}
	}
	return nil
}

// Signal wakes at most one thread waiting on the condition variable.
func (c *Cond) Signal() {
	c.value++
	c.sem.lock.Acquire()
	if !c.sem.terminated && c.sem.count == 0 {
		c.sem.count = 1
		c.sem.dispatchLocked()
	}
	c.sem.lock.Release()
}

// Broadcast wakes every thread currently waiting on the condition variable.
func (c *Cond) Broadcast() {
	c.value++
	waiting := c.sem.WaiterCount()
	if waiting == 0 {
		return
	}
	_ = c.sem.Signal(waiting)
}
