// Package vmm implements a recursively self-mapped 4-level page table
// walker: Map, Unmap, Lookup (via Translate) and a dedicated ACPI window
// reserved for mapping firmware tables and MMIO regions by physical
// address.
package vmm

import (
	"github.com/glidix-go/corekit/kernel"
	"github.com/glidix-go/corekit/kernel/mem"
	"github.com/glidix-go/corekit/kernel/mem/pmm"
	stdsync "sync"
)

var (
	// frameAllocator points to a frame allocator function registered
	// using SetFrameAllocator.
	frameAllocator FrameAllocatorFn

	// the following package vars let tests mock Map/MapTemporary/Unmap
	// calls made by other files in this package; the compiler inlines
	// them away in production builds.
	mapFn          = Map
	mapTemporaryFn = MapTemporary
	unmapFn        = Unmap
)

// FrameAllocatorFn is a function that can allocate physical frames.
type FrameAllocatorFn func() (pmm.Frame, *kernel.Error)

// SetFrameAllocator registers a frame allocator function that will be used by
// the vmm code when new physical frames need to be allocated.
func SetFrameAllocator(allocFn FrameAllocatorFn) {
	frameAllocator = allocFn
}

// Init allocates and activates a fresh page directory table for the kernel
// address space, with the recursive self-map installed in its last entry.
func Init() *kernel.Error {
	pdtFrame, err := frameAllocator()
	if err != nil {
		return err
	}

	var pdt PageDirectoryTable
	if err := pdt.Init(pdtFrame); err != nil {
		return err
	}
	pdt.Activate()

	return nil
}

// Lookup returns the physical frame a virtual page is mapped to, or
// ErrInvalidMapping if it is not currently mapped.
func Lookup(page Page) (pmm.Frame, *kernel.Error) {
	pte, err := pteForAddress(page.Address())
	if err != nil {
		return pmm.InvalidFrame, err
	}
	return pte.Frame(), nil
}

// acpiWindow is the cursor-based allocator for the fixed-size virtual region
// MapPhysical/UnmapPhysical hand out. It is modeled on AcpiOsMapMemory's
// next-free-page cursor: physical regions are mapped contiguously starting
// at acpiWindowAddr, and the cursor only ever grows, since ACPICA un-maps
// its table windows relatively rarely and out of order.
type acpiWindow struct {
	mu       stdsync.Mutex
	cursor   uintptr
	mappings map[uintptr]uintptr
}

var window = &acpiWindow{
	cursor:   acpiWindowAddr,
	mappings: make(map[uintptr]uintptr),
}

var errACPIWindowExhausted = &kernel.Error{Module: "vmm", Message: "ACPI mapping window exhausted"}

// MapPhysical maps size bytes of physical memory starting at physAddr into
// the ACPI window and returns the virtual address that corresponds to
// physAddr. Callers (the ACPI OSL adapter) are expected to round-trip the
// returned address through UnmapPhysical.
func MapPhysical(physAddr uintptr, size uintptr) (uintptr, *kernel.Error) {
	pageSize := uintptr(mem.PageSize)
	pageOffset := physAddr & (pageSize - 1)
	alignedPhys := physAddr &^ (pageSize - 1)
	alignedSize := (size + pageOffset + pageSize - 1) &^ (pageSize - 1)
	pageCount := alignedSize >> mem.PageShift

	window.mu.Lock()
	defer window.mu.Unlock()

	windowEnd := acpiWindowAddr + acpiWindowPages*pageSize
	if window.cursor+alignedSize > windowEnd {
		return 0, errACPIWindowExhausted
	}

	startVirt := window.cursor
	frame := pmm.Frame(alignedPhys >> mem.PageShift)
	for i := uintptr(0); i < pageCount; i++ {
		page := PageFromAddress(startVirt + i*pageSize)
		if err := mapFn(page, frame+pmm.Frame(i), FlagPresent|FlagRW|FlagNoExecute); err != nil {
			return 0, err
		}
	}

	window.mappings[startVirt] = alignedSize
	window.cursor += alignedSize

	return startVirt + pageOffset, nil
}

// UnmapPhysical removes a mapping previously established by MapPhysical.
// virtAddr must be a value previously returned by MapPhysical.
func UnmapPhysical(virtAddr uintptr) *kernel.Error {
	pageSize := uintptr(mem.PageSize)
	aligned := virtAddr &^ (pageSize - 1)

	window.mu.Lock()
	size, ok := window.mappings[aligned]
	if !ok {
		window.mu.Unlock()
		return ErrInvalidMapping
	}
	delete(window.mappings, aligned)
	window.mu.Unlock()

	pageCount := size >> mem.PageShift
	for i := uintptr(0); i < pageCount; i++ {
		page := PageFromAddress(aligned + i*pageSize)
		if err := unmapFn(page); err != nil {
			return err
		}
	}
	return nil
}
