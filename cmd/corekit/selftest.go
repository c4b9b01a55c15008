package main

import (
	"fmt"
	"io"
	"unsafe"

	"github.com/glidix-go/corekit/device/acpi"
	"github.com/glidix-go/corekit/kernel"
	"github.com/glidix-go/corekit/kernel/hal/firmware"
	"github.com/glidix-go/corekit/kernel/heap"
	"github.com/glidix-go/corekit/kernel/irq"
	"github.com/glidix-go/corekit/kernel/mem"
	"github.com/glidix-go/corekit/kernel/mem/pmm"
	"github.com/glidix-go/corekit/kernel/mem/vmm"
	"github.com/glidix-go/corekit/kernel/sync"

	"go.uber.org/zap"
)

// runSelfTest boots a synthetic instance of the core against an in-memory
// firmware map and exercises every component: the frame allocator, the
// synchronization primitives, the heap, and the ACPI OSL adapter built on
// top of them. The page-table walker itself is not exercised live here: its
// recursive self-map only makes sense once a real bootloader has handed the
// kernel a page table to install, which this hosted harness does not have,
// so the heap is instead backed by a plain Go arena the same way the
// package's own tests back it.
func runSelfTest(w io.Writer, logger *zap.Logger, arenaMb int) error {
	arena, err := pmm.NewArena(arenaMb * int(mem.Mb))
	if err != nil {
		return err
	}
	defer arena.Close()

	mm := firmware.NewMemoryMap([]firmware.MemoryMapEntry{
		{PhysAddress: arena.Base(), Length: uint64(arena.Len()), Type: firmware.MemAvailable},
	})
	frameAlloc := pmm.NewBitmapAllocator(mm, arena.Base(), arena.Base())

	logger.Info("frame allocator ready", zap.Int("arena_mb", arenaMb))

	var allocated []pmm.Frame
	for i := 0; i < 4; i++ {
		f, err := frameAlloc.AllocFrame()
		if err != nil {
			return err
		}
		allocated = append(allocated, f)
	}
	for _, f := range allocated {
		if err := frameAlloc.FreeFrame(f); err != nil {
			return err
		}
	}

	total, reserved := frameAlloc.Stats()
	fmt.Fprintf(w, "frames: total=%d reserved=%d\n", total, reserved)

	sync.SetScheduler(sync.NewChanScheduler())
	if err := exerciseSyncPrimitives(); err != nil {
		return err
	}
	fmt.Fprintf(w, "sync: mutex, semaphore and condvar round-trips OK\n")

	h, err := newHostedHeap(frameAlloc.AllocFrame, mem.Size(arenaMb)*mem.Mb)
	if err != nil {
		return err
	}

	osl := acpi.NewOSLayer(h, logger)
	if err := exerciseOSLayer(osl); err != nil {
		return err
	}
	fmt.Fprintf(w, "acpi osl: allocate/free, lock, semaphore, mutex and interrupt dispatch OK\n")

	stats := h.Stats()
	fmt.Fprintf(w, "heap: committed=%d used=%d free=%d liveBlocks=%d\n",
		stats.Committed, stats.Used, stats.Free, stats.LiveBlocks)

	return nil
}

// newHostedHeap backs a heap.Heap with a plain Go byte slice instead of the
// package's vmm-backed defaults, the same way heap's own tests do: the
// backing memory is real and addressable, so mapping a "page" of it needs no
// actual page-table entry and can be a no-op.
func newHostedHeap(allocFrame heap.FrameAllocatorFn, size mem.Size) (*heap.Heap, error) {
	const sector = 256 * mem.Kb

	pageAligned := (size + mem.PageSize - 1) &^ (mem.PageSize - 1)
	backing := make([]byte, pageAligned+mem.Size(mem.PageSize))
	base := uintptr(unsafe.Pointer(&backing[0]))
	aligned := (base + uintptr(mem.PageSize) - 1) &^ (uintptr(mem.PageSize) - 1)

	heap.SetLimits(sector, pageAligned)
	heap.UseBackend(heap.Backend{
		ReserveRegion: func(mem.Size) (uintptr, *kernel.Error) { return aligned, nil },
		MapPage:       func(vmm.Page, pmm.Frame, vmm.PageTableEntryFlag) *kernel.Error { return nil },
	})

	h, err := heap.New(allocFrame)
	if err != nil {
		return nil, err
	}
	return h, nil
}

func exerciseSyncPrimitives() error {
	mu := sync.NewMutex()
	mu.Lock()
	mu.Unlock()

	sem := sync.NewSemaphore(1)
	if _, err := sem.WaitGeneric(1, sync.WaitNone, sync.NoTimeout); err != nil {
		return err
	}
	if err := sem.Signal(1); err != nil {
		return err
	}

	cond := sync.NewCond()
	cond.Signal()

	return nil
}

func exerciseOSLayer(osl *acpi.OSLayer) error {
	addr, err := osl.Allocate(64)
	if err != nil {
		return err
	}
	if err := osl.Free(addr); err != nil {
		return err
	}

	lock := osl.CreateLock()
	osl.AcquireLock(lock)
	osl.ReleaseLock(lock)

	sem := osl.CreateSemaphore(1)
	if err := osl.WaitSemaphore(sem, 1, acpi.TimeoutForever); err != nil {
		return err
	}
	if err := osl.SignalSemaphore(sem, 1); err != nil {
		return err
	}
	if err := osl.DeleteSemaphore(sem); err != nil {
		return err
	}

	m := osl.CreateMutex()
	if err := osl.AcquireMutex(m, acpi.TimeoutForever); err != nil {
		return err
	}
	osl.ReleaseMutex(m)

	if err := osl.InstallInterruptHandler(0, func(uintptr) uint32 { return irq.InterruptHandled }, 0); err != nil {
		return err
	}
	irq.Dispatch(0)

	done := make(chan struct{})
	if err := osl.Execute(func(uintptr) { close(done) }, 0); err != nil {
		return err
	}
	<-done

	return nil
}
