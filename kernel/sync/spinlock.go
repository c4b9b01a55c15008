// Package sync provides synchronization primitive implementations for
// spinlocks, mutexes, semaphores and condition variables.
package sync

import (
	"github.com/glidix-go/corekit/kernel/cpu"
	"sync/atomic"
)

var (
	// yieldFn is called by the spinlock's spin loop after a number of
	// failed CAS attempts. It is overridden by tests to avoid starving
	// the Go scheduler; in production it is left nil and the loop falls
	// back to cpu.Pause.
	yieldFn func()

	// spinsBeforeYield controls how many CAS attempts are made before
	// yieldFn is consulted.
	spinsBeforeYield uint32 = 1000
)

// Spinlock implements a lock where each task trying to acquire it busy-waits
// till the lock becomes available. Spinlocks are the only primitive in this
// package that may be acquired from an interrupt-disabled context; callers
// must never sleep while holding one.
type Spinlock struct {
	state uint32
}

// Acquire blocks until the lock can be acquired by the currently active task.
// Any attempt to re-acquire a lock already held by the current task will
// cause a deadlock.
func (l *Spinlock) Acquire() {
	var attempts uint32
	for !atomic.CompareAndSwapUint32(&l.state, 0, 1) {
		attempts++
		if attempts >= spinsBeforeYield {
			attempts = 0
			if yieldFn != nil {
				yieldFn()
			} else {
				cpu.Pause()
			}
		}
	}
}

// TryToAcquire attempts to acquire the lock and returns true if the lock
// could be acquired or false otherwise.
func (l *Spinlock) TryToAcquire() bool {
	return atomic.CompareAndSwapUint32(&l.state, 0, 1)
}

// Release relinquishes a held lock allowing other tasks to acquire it.
// Calling Release while the lock is free has no effect.
func (l *Spinlock) Release() {
	atomic.StoreUint32(&l.state, 0)
}

// IRQSpinlock is a Spinlock that also disables local interrupts for the
// duration it is held. It is the primitive ACPICA's OsAcquireLock contract,
// and any other interrupt-context-sensitive code, should use: Acquire masks
// interrupts first and then spins for the word; Release clears the word
// first and only then restores whatever interrupt state was active before
// Acquire was called.
type IRQSpinlock struct {
	lock  Spinlock
	flags cpu.IRQFlags
}

// Acquire disables local interrupts and then spins until the lock is held.
// The interrupt state captured at the time of the call is restored by the
// matching Release.
func (l *IRQSpinlock) Acquire() {
	flags := cpu.DisableInterruptsSave()
	l.lock.Acquire()
	l.flags = flags
}

// Release releases the lock and restores the interrupt state that was
// active immediately before the matching Acquire call.
func (l *IRQSpinlock) Release() {
	flags := l.flags
	l.lock.Release()
	cpu.RestoreInterrupts(flags)
}
