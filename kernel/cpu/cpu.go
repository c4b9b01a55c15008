// Package cpu provides CPU-level primitives used by the synchronization and
// paging packages: interrupt masking, TLB maintenance and CPUID queries.
//
// This module runs hosted rather than as a freestanding kernel image, so
// there is no real IDT to mask and no MMU to flush. The primitives below
// model the same contract (a single flag word for interrupt state, a TLB
// that can be told to drop an entry) that the rest of the core depends on,
// so that callers written against real hardware semantics port unchanged.
package cpu

import "sync/atomic"

var (
	cpuidFn = ID

	// interruptsEnabled tracks whether local interrupts are currently
	// masked. It stands in for the IF bit in the real EFLAGS register.
	interruptsEnabled uint32 = 1

	// tlbGeneration is bumped on every FlushTLBEntry/FlushTLBAll call so
	// tests can assert that a shootdown actually happened.
	tlbGeneration uint64
)

// IRQFlags captures the interrupt-enable state at the time it was saved by
// DisableInterruptsSave so it can be restored later by RestoreInterrupts.
type IRQFlags uint32

// EnableInterrupts enables interrupt handling.
func EnableInterrupts() {
	atomic.StoreUint32(&interruptsEnabled, 1)
}

// DisableInterrupts disables interrupt handling.
func DisableInterrupts() {
	atomic.StoreUint32(&interruptsEnabled, 0)
}

// InterruptsEnabled reports whether local interrupts are currently enabled.
func InterruptsEnabled() bool {
	return atomic.LoadUint32(&interruptsEnabled) != 0
}

// DisableInterruptsSave disables local interrupts and returns the previous
// state so that a matching call to RestoreInterrupts can undo it. Nested
// calls are safe: the flags returned by the outermost call are the ones
// that should eventually be restored.
func DisableInterruptsSave() IRQFlags {
	prev := atomic.SwapUint32(&interruptsEnabled, 0)
	return IRQFlags(prev)
}

// RestoreInterrupts restores the interrupt-enable state previously captured
// by DisableInterruptsSave.
func RestoreInterrupts(flags IRQFlags) {
	atomic.StoreUint32(&interruptsEnabled, uint32(flags))
}

// Halt stops instruction execution until the next interrupt. In this hosted
// module it is a no-op; callers only use it to park a CPU with nothing left
// to schedule.
func Halt() {}

// Pause yields the current timeslice without releasing anything. It is used
// by the spinlock's spin loop to avoid hammering the cache line.
func Pause() {}

// FlushTLBEntry flushes a TLB entry for a particular virtual address.
func FlushTLBEntry(virtAddr uintptr) {
	atomic.AddUint64(&tlbGeneration, 1)
}

// FlushTLBAll performs a full TLB flush, used after a broadcast shootdown.
func FlushTLBAll() {
	atomic.AddUint64(&tlbGeneration, 1)
}

// TLBGeneration returns the number of TLB invalidations performed so far.
// It exists purely so tests can assert that an unmap triggered a shootdown.
func TLBGeneration() uint64 {
	return atomic.LoadUint64(&tlbGeneration)
}

// SwitchPDT sets the root page table directory to point to the specified
// physical address and flushes the TLB.
func SwitchPDT(pdtPhysAddr uintptr) {
	atomic.StoreUint64(&activePDTAddr, uint64(pdtPhysAddr))
	FlushTLBAll()
}

// ActivePDT returns the physical address of the currently active page table.
func ActivePDT() uintptr {
	return uintptr(atomic.LoadUint64(&activePDTAddr))
}

var activePDTAddr uint64

// ReadCR2 returns the value stored in the CR2 register. This module never
// raises a real page fault, so it always reads back zero.
func ReadCR2() uint64 {
	return 0
}

// ID returns information about the CPU and its features. It stands in for
// a CPUID instruction with EAX=leaf and returns the values in EAX, EBX, ECX
// and EDX.
func ID(leaf uint32) (uint32, uint32, uint32, uint32) {
	switch leaf {
	case 0:
		// "GenuineIntel"
		return 0xd, 0x756e6547, 0x6c65746e, 0x49656e69
	default:
		return 0, 0, 0, 0
	}
}

// IsIntel returns true if the code is running on an Intel processor.
func IsIntel() bool {
	_, ebx, ecx, edx := cpuidFn(0)
	return ebx == 0x756e6547 && // "Genu"
		edx == 0x49656e69 && // "ineI"
		ecx == 0x6c65746e // "ntel"
}
