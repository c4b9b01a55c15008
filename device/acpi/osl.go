package acpi

import (
	"time"

	"github.com/glidix-go/corekit/kernel"
	"github.com/glidix-go/corekit/kernel/heap"
	"github.com/glidix-go/corekit/kernel/irq"
	"github.com/glidix-go/corekit/kernel/mem"
	"github.com/glidix-go/corekit/kernel/mem/vmm"
	"github.com/glidix-go/corekit/kernel/sync"

	"go.uber.org/zap"
)

// Firmware-defined semaphore/mutex timeout sentinels, per the ACPICA OSL
// contract: 0 means try once and give up immediately, 0xFFFF means wait
// forever. Anything else is a millisecond count.
const (
	TimeoutNonBlock uint16 = 0
	TimeoutForever  uint16 = 0xFFFF
)

var (
	errBadSemaphore = &kernel.Error{Module: "acpi", Message: "nil semaphore handle", Kind: kernel.InvalidArgument}
	errBadMutex     = &kernel.Error{Module: "acpi", Message: "nil mutex handle", Kind: kernel.InvalidArgument}

	// nowFn backs Stall and GetTimer; overridden in tests so neither one
	// depends on wall-clock time actually elapsing.
	nowFn = func() int64 { return time.Now().UnixNano() }
)

// heapAllocator is the subset of *heap.Heap that OSLayer depends on. Tests
// satisfy it with a fake that does not need a real page-table walk behind
// it; production code passes a real *heap.Heap.
type heapAllocator interface {
	Alloc(size uintptr) (uintptr, *kernel.Error)
	Free(addr uintptr) *kernel.Error
}

// OSLayer maps the ACPICA operating-system-layer contract onto this
// module's memory and concurrency primitives. Unlike the adapter it is
// grounded on, it is not a set of free functions closing over package
// globals for its dependencies (the heap, the logger): they are fields, so
// more than one instance can exist side by side in tests.
type OSLayer struct {
	heap heapAllocator
	log  *zap.Logger
}

// NewOSLayer returns an OSLayer backed by the given heap and logging sink.
func NewOSLayer(h *heap.Heap, log *zap.Logger) *OSLayer {
	return &OSLayer{heap: h, log: log}
}

// Allocate requests size bytes from the backing heap.
func (o *OSLayer) Allocate(size uintptr) (uintptr, *kernel.Error) {
	return o.heap.Alloc(size)
}

// AllocateZeroed is Allocate followed by zero-filling the returned block.
func (o *OSLayer) AllocateZeroed(size uintptr) (uintptr, *kernel.Error) {
	addr, err := o.heap.Alloc(size)
	if err != nil {
		return 0, err
	}

	mem.Memset(addr, 0, size)

	return addr, nil
}

// Free releases a block previously obtained from Allocate/AllocateZeroed.
func (o *OSLayer) Free(addr uintptr) *kernel.Error {
	return o.heap.Free(addr)
}

// CreateLock returns a lock suitable for use from an interrupt-disabled
// context, matching AcpiOsCreateLock's contract.
func (o *OSLayer) CreateLock() *sync.IRQSpinlock {
	return &sync.IRQSpinlock{}
}

// AcquireLock disables local interrupts and spins until l is held.
func (o *OSLayer) AcquireLock(l *sync.IRQSpinlock) {
	l.Acquire()
}

// ReleaseLock releases l and restores the interrupt state saved by the
// matching AcquireLock.
func (o *OSLayer) ReleaseLock(l *sync.IRQSpinlock) {
	l.Release()
}

// CreateSemaphore returns a counting semaphore seeded with initUnits.
func (o *OSLayer) CreateSemaphore(initUnits uint32) *sync.Semaphore {
	return sync.NewSemaphore(int(initUnits))
}

// DeleteSemaphore puts sem into its terminal state, waking anyone still
// parked on it with kernel.Terminated.
func (o *OSLayer) DeleteSemaphore(sem *sync.Semaphore) *kernel.Error {
	if sem == nil {
		return errBadSemaphore
	}
	sem.Terminate()
	return nil
}

// WaitSemaphore requests units from sem, honoring the firmware timeout
// convention (TimeoutNonBlock, TimeoutForever, or a millisecond count).
// ACPICA always wants the full unit count in one logical wait, but
// Semaphore.WaitGeneric may return a partial grant under WaitPartial, so
// this loops against a fixed deadline, re-requesting only the remaining
// units each round, and refunds any partial grant if the deadline expires
// before the full count is satisfied.
func (o *OSLayer) WaitSemaphore(sem *sync.Semaphore, units uint32, timeout uint16) *kernel.Error {
	if sem == nil {
		return errBadSemaphore
	}
	if units == 0 {
		return nil
	}

	var (
		flags      sync.WaitFlags
		deadlineNs int64
	)

	switch timeout {
	case TimeoutNonBlock:
		flags = sync.WaitNonBlock
		deadlineNs = sync.NoTimeout
	case TimeoutForever:
		deadlineNs = sync.NoTimeout
	default:
		deadlineNs = nowFn() + int64(timeout)*int64(time.Millisecond)
	}

	remaining := int(units)
	acquired := 0

	for remaining > 0 {
		got, err := sem.WaitGeneric(remaining, flags|sync.WaitPartial, deadlineNs)
		acquired += got
		remaining -= got

		if err != nil {
			if acquired > 0 {
				_ = sem.Signal(acquired)
			}
			return err
		}

		if remaining == 0 {
			break
		}

		if deadlineNs != sync.NoTimeout && nowFn() >= deadlineNs {
			if acquired > 0 {
				_ = sem.Signal(acquired)
			}
			return &kernel.Error{Module: "acpi", Message: "semaphore wait timed out", Kind: kernel.Timeout}
		}
	}

	return nil
}

// SignalSemaphore releases units back to sem.
func (o *OSLayer) SignalSemaphore(sem *sync.Semaphore, units uint32) *kernel.Error {
	if sem == nil {
		return errBadSemaphore
	}
	if units == 0 {
		return nil
	}
	return sem.Signal(int(units))
}

// CreateMutex returns an unlocked sleeping mutex.
func (o *OSLayer) CreateMutex() *sync.Mutex {
	return sync.NewMutex()
}

// DeleteMutex is a no-op; the mutex is reclaimed by the garbage collector
// once the caller drops its last reference.
func (o *OSLayer) DeleteMutex(*sync.Mutex) {}

// AcquireMutex acquires m, honoring the same firmware timeout convention as
// WaitSemaphore. Unlike the adapter this is grounded on, the timeout is
// actually enforced rather than ignored: Mutex.LockTimeout already supports
// it, so there is no reason to drop it on the floor.
func (o *OSLayer) AcquireMutex(m *sync.Mutex, timeout uint16) *kernel.Error {
	if m == nil {
		return errBadMutex
	}

	switch timeout {
	case TimeoutNonBlock:
		if !m.TryLock() {
			return &kernel.Error{Module: "acpi", Message: "mutex acquire would block", Kind: kernel.WouldBlock}
		}
		return nil
	case TimeoutForever:
		m.Lock()
		return nil
	default:
		return m.LockTimeout(nowFn() + int64(timeout)*int64(time.Millisecond))
	}
}

// ReleaseMutex releases m.
func (o *OSLayer) ReleaseMutex(m *sync.Mutex) {
	m.Unlock()
}

// MapMemory maps length bytes of physical memory starting at physAddr
// through the vmm's ACPI window and returns the mapped virtual address.
func (o *OSLayer) MapMemory(physAddr uintptr, length uintptr) (uintptr, *kernel.Error) {
	return vmm.MapPhysical(physAddr, length)
}

// UnmapMemory releases a mapping previously returned by MapMemory.
func (o *OSLayer) UnmapMemory(virtAddr uintptr) *kernel.Error {
	return vmm.UnmapPhysical(virtAddr)
}

// InstallInterruptHandler registers handler for gsi.
func (o *OSLayer) InstallInterruptHandler(gsi uint32, handler irq.Handler, context uintptr) *kernel.Error {
	return irq.Install(gsi, handler, context)
}

// RemoveInterruptHandler unregisters the handler previously installed for
// gsi.
func (o *OSLayer) RemoveInterruptHandler(gsi uint32, handler irq.Handler) *kernel.Error {
	return irq.Remove(gsi, handler)
}

// Execute runs fn on its own goroutine, standing in for the "kernel thread"
// ACPICA's AcpiOsExecute contract expects, and returns immediately.
func (o *OSLayer) Execute(fn func(context uintptr), context uintptr) *kernel.Error {
	if fn == nil {
		return &kernel.Error{Module: "acpi", Message: "nil execute callback", Kind: kernel.InvalidArgument}
	}
	go fn(context)
	return nil
}

// Sleep blocks the calling goroutine for ms milliseconds.
func (o *OSLayer) Sleep(ms uint64) {
	time.Sleep(time.Duration(ms) * time.Millisecond)
}

// Stall busy-waits for us microseconds. ACPICA reserves this for very short
// delays where parking the caller via Sleep would be too coarse.
func (o *OSLayer) Stall(us uint32) {
	deadline := nowFn() + int64(us)*int64(time.Microsecond)
	for nowFn() < deadline {
	}
}

// GetTimer returns a monotonic timestamp in 100ns units, the resolution
// ACPICA's AcpiOsGetTimer contract requires.
func (o *OSLayer) GetTimer() uint64 {
	return uint64(nowFn() / 100)
}

// GetRootPointer locates the RSDT/XSDT the same way the driver's own
// enumeration does, so both share one notion of "where ACPI root is."
func (o *OSLayer) GetRootPointer() (addr uintptr, useXSDT bool, err *kernel.Error) {
	return locateRSDT()
}

// Printf writes a formatted diagnostic through the adapter's structured
// logger, standing in for AcpiOsPrintf/AcpiOsVprintf.
func (o *OSLayer) Printf(format string, args ...interface{}) {
	o.log.Sugar().Infof(format, args...)
}
