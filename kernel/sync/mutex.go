package sync

import "github.com/glidix-go/corekit/kernel"

// Mutex is a sleeping mutual-exclusion lock: a thread that cannot acquire it
// immediately is parked by the Scheduler instead of spinning. It is built on
// top of a binary Semaphore so it inherits the semaphore's FIFO wait queue
// and timeout support, rather than reimplementing a sleep queue from
// scratch.
type Mutex struct {
	sem   *Semaphore
	owner Thread
}

// NewMutex returns an unlocked Mutex.
func NewMutex() *Mutex {
	return &Mutex{sem: NewSemaphore(1)}
}

// Lock blocks until the mutex is held by the calling thread. Mutex does not
// support recursive locking: calling Lock again from the thread that
// already holds it deadlocks, matching the contract of a real sleep-queue
// mutex.
func (m *Mutex) Lock() {
	_, _ = m.sem.WaitGeneric(1, WaitNone, NoTimeout)
	m.owner = scheduler.Current()
}

// TryLock attempts to acquire the mutex without blocking and reports
// whether it succeeded.
func (m *Mutex) TryLock() bool {
	_, err := m.sem.WaitGeneric(1, WaitNonBlock, NoTimeout)
	if err != nil {
		return false
	}
	m.owner = scheduler.Current()
	return true
}

// LockTimeout attempts to acquire the mutex, giving up after deadlineNs
// (absolute, per nowFn) with kernel.Timeout. Passing NoTimeout waits
// forever, equivalent to Lock.
func (m *Mutex) LockTimeout(deadlineNs int64) *kernel.Error {
	_, err := m.sem.WaitGeneric(1, WaitNone, deadlineNs)
	if err != nil {
		return err
	}
	m.owner = scheduler.Current()
	return nil
}

// Unlock releases the mutex. Unlocking a mutex not held by the calling
// thread is a programming error; callers are expected to enforce this with
// their own lock-ordering discipline the way the rest of this package does.
func (m *Mutex) Unlock() {
	m.owner = nil
	_ = m.sem.Signal(1)
}
