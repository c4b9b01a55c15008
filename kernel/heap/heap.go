// Package heap implements a boundary-tag dynamic memory allocator for the
// kernel, backed by the physical frame allocator and the page-table walker.
// The heap grows on demand in fixed-size sectors up to a hard cap and never
// shrinks; free blocks are coalesced eagerly with their neighbors at kfree
// time, and a cached pointer to the lowest known free block keeps allocation
// from re-scanning the heap from the start on every call.
package heap

import (
	"runtime"
	"unsafe"

	"github.com/glidix-go/corekit/kernel"
	"github.com/glidix-go/corekit/kernel/mem"
	"github.com/glidix-go/corekit/kernel/mem/pmm"
	"github.com/glidix-go/corekit/kernel/mem/vmm"
	"github.com/glidix-go/corekit/kernel/sync"
)

var (
	// sectorSize is the granularity at which the heap grows; each call
	// to expand maps one more sector's worth of fresh frames. A package
	// var so tests can shrink it instead of committing gigabytes.
	sectorSize = mem.Size(2 * mem.Mb)

	// maxSize is the hard cap on total heap size.
	maxSize = mem.Size(1 * mem.Gb)
)

const (
	headerMagic uint32 = 0x6b687048 // "Hphk"
	footerMagic uint32 = 0x6b68666f // "ofhk"

	minSplitRemainder = 8
)

type blockFlag uint8

const (
	flagTaken blockFlag = 1 << iota
	flagHasLeft
	flagHasRight
)

// blockHeader precedes every block, free or taken, in the heap's address
// space. size never includes the header or footer themselves.
type blockHeader struct {
	magic uint32
	flags blockFlag
	_     [3]byte
	size  uintptr
}

// blockFooter mirrors the header's size so kfree can walk left without
// maintaining a separate doubly-linked list.
type blockFooter struct {
	magic uint32
	flags blockFlag
	_     [3]byte
	size  uintptr
}

var (
	headerSize = unsafe.Sizeof(blockHeader{})
	footerSize = unsafe.Sizeof(blockFooter{})

	// the following package vars let tests mock the vmm calls made by
	// this package; the compiler inlines them away in production builds.
	mapPageFn       = vmm.Map
	reserveRegionFn = vmm.EarlyReserveRegion
)

// Backend overrides the virtual memory operations New and expand use to back
// the heap. The package defaults assume an active recursively self-mapped
// page table, which only exists once the kernel has bootstrapped its own
// paging; a caller hosting this module without that (cmd/corekit's self-test
// harness) supplies its own via UseBackend instead.
type Backend struct {
	ReserveRegion func(size mem.Size) (uintptr, *kernel.Error)
	MapPage       func(page vmm.Page, frame pmm.Frame, flags vmm.PageTableEntryFlag) *kernel.Error
}

// UseBackend installs b in place of the vmm-backed defaults. It must be
// called before the first New, and affects every Heap subsequently created
// in this process.
func UseBackend(b Backend) {
	reserveRegionFn = b.ReserveRegion
	mapPageFn = b.MapPage
}

// SetLimits overrides the sector size and hard cap every subsequently
// created Heap uses. It exists for hosts that cannot spare a gigabyte of
// address space for the default cap, such as cmd/corekit's self-test arena.
func SetLimits(sector, max mem.Size) {
	sectorSize = sector
	maxSize = max
}

// siteTag records the call-site of a live allocation for corruption
// diagnostics; kept out of the in-memory block header since it carries a Go
// string rather than fixed-width bytes.
type siteTag struct {
	file string
	line int
}

// FrameAllocatorFn allocates a single physical frame.
type FrameAllocatorFn func() (pmm.Frame, *kernel.Error)

// Heap is a growable, boundary-tag dynamic memory allocator.
type Heap struct {
	// lock is a sleeping Mutex rather than a spinlock: Alloc/Free/expand
	// walk the whole free list and can fault in fresh frames, which would
	// hold interrupts masked far too long under a spinlock.
	lock *sync.Mutex

	frameAlloc FrameAllocatorFn

	base      uintptr
	committed mem.Size // bytes currently mapped, always a multiple of sectorSize

	lowestFree uintptr // address of the lowest known free header; falls back to base when no free block is found

	sites map[uintptr]siteTag
}

var errHeapExhausted = &kernel.Error{Module: "heap", Message: "heap exhausted: cannot grow past the configured cap", Kind: kernel.OutOfHeap}
var errCorrupt = &kernel.Error{Module: "heap", Message: "heap corruption detected", Kind: kernel.CorruptionDetected}

// New creates a heap rooted at a freshly reserved region of the active
// virtual address space and maps in the first sector. allocFrame is used to
// obtain the physical frames backing every sector, including the first.
func New(allocFrame FrameAllocatorFn) (*Heap, *kernel.Error) {
	h := &Heap{
		lock:       sync.NewMutex(),
		frameAlloc: allocFrame,
		sites:      make(map[uintptr]siteTag),
	}

	base, err := reserveRegionFn(mem.Size(maxSize))
	if err != nil {
		return nil, err
	}
	h.base = base
	h.lowestFree = base

	if err := h.expand(); err != nil {
		return nil, err
	}

	return h, nil
}

// expand maps one additional sector's worth of frames at the end of the
// committed region. If the block immediately to the left of the new sector
// is free, it is extended in place; otherwise a fresh block header/footer
// pair is installed. Mirrors expandHeap from the allocator this package is
// modeled on.
func (h *Heap) expand() *kernel.Error {
	if h.committed+sectorSize > maxSize {
		return errHeapExhausted
	}

	sectorAddr := h.base + uintptr(h.committed)
	pageCount := uintptr(sectorSize) >> mem.PageShift
	for i := uintptr(0); i < pageCount; i++ {
		frame, err := h.frameAlloc()
		if err != nil {
			return err
		}
		page := vmm.PageFromAddress(sectorAddr + i*uintptr(mem.PageSize))
		if err := mapPageFn(page, frame, vmm.FlagPresent|vmm.FlagRW|vmm.FlagNoExecute); err != nil {
			return err
		}
	}

	if h.committed == 0 {
		head := (*blockHeader)(unsafe.Pointer(sectorAddr))
		head.magic = headerMagic
		head.size = uintptr(sectorSize) - headerSize - footerSize
		head.flags = 0

		foot := footerFor(head)
		foot.magic = footerMagic
		foot.size = head.size
		foot.flags = 0

		h.committed += sectorSize
		return nil
	}

	lastFootAddr := sectorAddr - footerSize
	lastFoot := (*blockFooter)(unsafe.Pointer(lastFootAddr))
	if lastFoot.magic != footerMagic {
		return errCorrupt
	}
	lastHead := headerFromFooter(lastFoot)

	h.committed += sectorSize

	if lastHead.flags&flagTaken != 0 {
		lastFoot.flags |= flagHasRight

		head := (*blockHeader)(unsafe.Pointer(sectorAddr))
		head.magic = headerMagic
		head.size = uintptr(sectorSize) - headerSize - footerSize
		head.flags = flagHasLeft

		foot := footerFor(head)
		foot.magic = footerMagic
		foot.size = head.size
		foot.flags = 0
	} else {
		lastHead.size += uintptr(sectorSize)

		newFootAddr := uintptr(unsafe.Pointer(lastHead)) + headerSize + lastHead.size
		foot := (*blockFooter)(unsafe.Pointer(newFootAddr))
		foot.magic = footerMagic
		foot.size = lastHead.size
		foot.flags = 0

		if uintptr(unsafe.Pointer(lastHead)) < h.lowestFree {
			h.lowestFree = uintptr(unsafe.Pointer(lastHead))
		}
	}

	return nil
}

func footerFor(head *blockHeader) *blockFooter {
	addr := uintptr(unsafe.Pointer(head)) + headerSize + head.size
	return (*blockFooter)(unsafe.Pointer(addr))
}

func headerFromFooter(foot *blockFooter) *blockHeader {
	addr := uintptr(unsafe.Pointer(foot)) - foot.size - headerSize
	return (*blockHeader)(unsafe.Pointer(addr))
}

// walkRight returns the header immediately to the right of head, or nil if
// head is currently the rightmost block in the committed heap.
func (h *Heap) walkRight(head *blockHeader) *blockHeader {
	foot := footerFor(head)
	if foot.flags&flagHasRight == 0 {
		return nil
	}
	next := (*blockHeader)(unsafe.Pointer(uintptr(unsafe.Pointer(foot)) + footerSize))
	if next.magic != headerMagic {
		return nil
	}
	return next
}

func align16(size uintptr) uintptr {
	if size&0xF != 0 {
		size = (size &^ 0xF) + 16
	}
	return size
}

// splitBlock carves a size-byte allocation out of the front of a larger free
// block, leaving the remainder as a new free block to its right.
func (h *Heap) splitBlock(head *blockHeader, size uintptr) {
	currentFoot := footerFor(head)

	head.size = size
	currentFoot.size -= size + headerSize + footerSize

	newFootAddr := uintptr(unsafe.Pointer(head)) + headerSize + size
	newHeaderAddr := newFootAddr + footerSize
	newFoot := (*blockFooter)(unsafe.Pointer(newFootAddr))
	newHead := (*blockHeader)(unsafe.Pointer(newHeaderAddr))

	newHead.magic = headerMagic
	newHead.flags = flagHasLeft
	newHead.size = currentFoot.size

	newFoot.magic = footerMagic
	newFoot.flags = flagHasRight
	newFoot.size = size
}

func (h *Heap) findFreeHeader(head *blockHeader) *blockHeader {
	for head.flags&flagTaken != 0 {
		next := h.walkRight(head)
		if next == nil {
			return (*blockHeader)(unsafe.Pointer(h.base))
		}
		head = next
	}
	return head
}

// Alloc returns a pointer-sized address to size bytes of zero-initialized
// heap memory, growing the heap in sector-sized increments if no free block
// is large enough. The caller's file/line is recorded for corruption
// diagnostics.
func (h *Heap) Alloc(size uintptr) (uintptr, *kernel.Error) {
	if size == 0 {
		return 0, nil
	}
	size = align16(size)

	_, file, line, _ := runtime.Caller(1)

	h.lock.Lock()
	defer h.lock.Unlock()

	head := (*blockHeader)(unsafe.Pointer(h.lowestFree))
	for head.flags&flagTaken != 0 || head.size < size {
		next := h.walkRight(head)
		if next == nil {
			if head.flags&flagTaken != 0 {
				if err := h.expand(); err != nil {
					return 0, err
				}
				next = h.walkRight(head)
				head = next
			}
			for head.size < size {
				if err := h.expand(); err != nil {
					return 0, err
				}
			}
			continue
		}
		head = next
	}

	if head.size > size+headerSize+footerSize+minSplitRemainder {
		h.splitBlock(head, size)
	}

	retAddr := uintptr(unsafe.Pointer(head)) + headerSize
	head.flags |= flagTaken
	h.sites[retAddr] = siteTag{file: file, line: line}

	if uintptr(unsafe.Pointer(head)) == h.lowestFree {
		h.lowestFree = uintptr(unsafe.Pointer(h.findFreeHeader(head)))
	}

	mem.Memset(retAddr, 0, size)

	return retAddr, nil
}

// Free releases a block previously returned by Alloc. Freeing the zero
// address is a no-op. A corrupted block (bad magic or header/footer size
// mismatch) is reported as kernel.CorruptionDetected and an already-free
// block as kernel.InvalidArgument. Neither case halts: the error is returned
// to the caller.
func (h *Heap) Free(addr uintptr) *kernel.Error {
	if addr == 0 {
		return nil
	}

	h.lock.Lock()
	defer h.lock.Unlock()

	if addr < h.base+headerSize {
		return &kernel.Error{Module: "heap", Message: "invalid pointer passed to Free: below heap start", Kind: kernel.InvalidArgument}
	}

	head := (*blockHeader)(unsafe.Pointer(addr - headerSize))
	if head.magic != headerMagic {
		return errCorrupt
	}

	foot := footerFor(head)
	if foot.magic != footerMagic {
		return errCorrupt
	}

	if head.flags&flagTaken == 0 {
		return &kernel.Error{Module: "heap", Message: "invalid pointer passed to Free: already free", Kind: kernel.InvalidArgument}
	}

	if foot.size != head.size {
		return errCorrupt
	}

	var headLeft *blockHeader
	var footRight *blockFooter

	if head.flags&flagHasLeft != 0 {
		footLeftAddr := uintptr(unsafe.Pointer(head)) - footerSize
		footLeft := (*blockFooter)(unsafe.Pointer(footLeftAddr))
		if footLeft.magic != footerMagic {
			return errCorrupt
		}
		if candidate := headerFromFooter(footLeft); candidate.flags&flagTaken == 0 {
			headLeft = candidate
		}
	}

	if foot.flags&flagHasRight != 0 {
		headRightAddr := uintptr(unsafe.Pointer(foot)) + footerSize
		headRight := (*blockHeader)(unsafe.Pointer(headRightAddr))
		if headRight.magic != headerMagic {
			return errCorrupt
		}
		if headRight.flags&flagTaken == 0 {
			footRight = footerFor(headRight)
		}
	}

	head.flags &^= flagTaken
	delete(h.sites, addr)

	switch {
	case headLeft != nil && footRight == nil:
		newSize := headLeft.size + headerSize + footerSize + head.size
		headLeft.size = newSize
		foot.size = newSize
		if uintptr(unsafe.Pointer(headLeft)) < h.lowestFree {
			h.lowestFree = uintptr(unsafe.Pointer(headLeft))
		}
	case headLeft == nil && footRight != nil:
		newSize := head.size + headerSize + footerSize + footRight.size
		head.size = newSize
		footRight.size = newSize
		if uintptr(unsafe.Pointer(head)) < h.lowestFree {
			h.lowestFree = uintptr(unsafe.Pointer(head))
		}
	case headLeft != nil && footRight != nil:
		newSize := headLeft.size + footRight.size + head.size + 2*headerSize + 2*footerSize
		headLeft.size = newSize
		footRight.size = newSize
		if uintptr(unsafe.Pointer(head)) < h.lowestFree {
			h.lowestFree = uintptr(unsafe.Pointer(headLeft))
		}
	default:
		if uintptr(unsafe.Pointer(head)) < h.lowestFree {
			h.lowestFree = uintptr(unsafe.Pointer(head))
		}
	}

	return nil
}

// Realloc resizes a previously allocated block, preserving its contents up
// to the smaller of the old and new sizes. A nil addr behaves like Alloc.
func (h *Heap) Realloc(addr uintptr, size uintptr) (uintptr, *kernel.Error) {
	if addr == 0 {
		return h.Alloc(size)
	}

	h.lock.Lock()
	head := (*blockHeader)(unsafe.Pointer(addr - headerSize))
	if head.magic != headerMagic {
		h.lock.Unlock()
		return 0, errCorrupt
	}
	oldSize := head.size
	h.lock.Unlock()

	newAddr, err := h.Alloc(size)
	if err != nil {
		return 0, err
	}

	copySize := size
	if oldSize < copySize {
		copySize = oldSize
	}
	mem.Memcopy(addr, newAddr, copySize)

	if err := h.Free(addr); err != nil {
		return 0, err
	}

	return newAddr, nil
}

// Stats summarizes the current state of the heap for diagnostics.
type Stats struct {
	Committed  mem.Size
	Used       mem.Size
	Free       mem.Size
	LiveBlocks int
}

// Stats walks the entire committed heap and reports current usage.
func (h *Heap) Stats() Stats {
	h.lock.Lock()
	defer h.lock.Unlock()

	var st Stats
	st.Committed = h.committed

	head := (*blockHeader)(unsafe.Pointer(h.base))
	for {
		if head.flags&flagTaken != 0 {
			st.Used += mem.Size(head.size)
			st.LiveBlocks++
		} else {
			st.Free += mem.Size(head.size)
		}

		next := h.walkRight(head)
		if next == nil {
			break
		}
		head = next
	}

	return st
}

// SiteOf returns the file:line recorded when addr was allocated, for
// diagnostic dumps. ok is false if addr is not a currently live allocation.
func (h *Heap) SiteOf(addr uintptr) (file string, line int, ok bool) {
	h.lock.Lock()
	defer h.lock.Unlock()

	tag, found := h.sites[addr]
	if !found {
		return "", 0, false
	}
	return tag.file, tag.line, true
}
