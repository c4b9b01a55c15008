package pmm

import (
	"github.com/glidix-go/corekit/kernel"
	"github.com/glidix-go/corekit/kernel/hal/firmware"
	"github.com/glidix-go/corekit/kernel/mem"
	"github.com/glidix-go/corekit/kernel/sync"
)

type markAs bool

const (
	markReserved markAs = false
	markFree            = true
)

// framePool tracks free/reserved frames for a single contiguous, available
// memory region using one bit per frame.
type framePool struct {
	// startFrame is the frame number for the first page in this pool;
	// bitmap entry i corresponds to frame (startFrame + i).
	startFrame Frame

	// endFrame is the last frame covered by this pool (inclusive).
	endFrame Frame

	// freeCount lets AllocFrame skip a fully-reserved pool without
	// scanning its bitmap.
	freeCount uint32

	// bitmap holds one bit per frame in the pool; a set bit means the
	// frame is reserved.
	bitmap []uint64
}

func newFramePool(start, end Frame) framePool {
	frameCount := uint32(end-start) + 1
	words := (frameCount + 63) >> 6
	return framePool{
		startFrame: start,
		endFrame:   end,
		freeCount:  frameCount,
		bitmap:     make([]uint64, words),
	}
}

func (p *framePool) mark(frame Frame, flag markAs) {
	rel := uint32(frame - p.startFrame)
	word := rel >> 6
	mask := uint64(1) << (63 - (rel & 63))

	alreadyReserved := p.bitmap[word]&mask != 0
	switch flag {
	case markFree:
		if alreadyReserved {
			p.bitmap[word] &^= mask
			p.freeCount++
		}
	case markReserved:
		if !alreadyReserved {
			p.bitmap[word] |= mask
			p.freeCount--
		}
	}
}

// firstFree scans the pool's bitmap for the lowest-numbered unreserved
// frame, returning InvalidFrame if the pool is exhausted.
func (p *framePool) firstFree() Frame {
	if p.freeCount == 0 {
		return InvalidFrame
	}

	for word, bits := range p.bitmap {
		if bits == ^uint64(0) {
			continue
		}
		for bit := 0; bit < 64; bit++ {
			mask := uint64(1) << (63 - bit)
			if bits&mask == 0 {
				return p.startFrame + Frame(word)*64 + Frame(bit)
			}
		}
	}
	return InvalidFrame
}

// BitmapAllocator is the physical frame allocator for the module: a pool
// per firmware-reported available region, each tracked with a free bitmap,
// guarded by a single spinlock.
type BitmapAllocator struct {
	lock sync.Spinlock

	totalFrames    uint32
	reservedFrames uint32
	pools          []framePool
}

var (
	errOutOfMemory  = &kernel.Error{Module: "pmm", Message: "no more physical frames available", Kind: kernel.OutOfMemory}
	errDoubleFree   = &kernel.Error{Module: "pmm", Message: "frame freed more than once", Kind: kernel.CorruptionDetected}
	errFrameUnowned = &kernel.Error{Module: "pmm", Message: "frame does not belong to any pool", Kind: kernel.InvalidArgument}
)

// NewBitmapAllocator builds pools from every MemAvailable region in mm,
// reserving the frames of the [kernelStart, kernelEnd) physical range (end
// exclusive, rounded up to a whole frame) up front so the allocator never
// hands back memory occupied by the kernel image. kernelEnd == kernelStart
// reserves nothing.
func NewBitmapAllocator(mm firmware.MemoryMap, kernelStart, kernelEnd uintptr) *BitmapAllocator {
	alloc := &BitmapAllocator{}

	mm.Visit(func(region *firmware.MemoryMapEntry) bool {
		if region.Type != firmware.MemAvailable {
			return true
		}

		pageSizeMinus1 := uint64(mem.PageSize - 1)
		startFrame := Frame(((uint64(region.PhysAddress) + pageSizeMinus1) &^ pageSizeMinus1) >> mem.PageShift)
		endFrame := Frame(((uint64(region.PhysAddress)+region.Length) &^ pageSizeMinus1)>>mem.PageShift) - 1
		if endFrame < startFrame {
			return true
		}

		pool := newFramePool(startFrame, endFrame)
		alloc.totalFrames += uint32(endFrame-startFrame) + 1
		alloc.pools = append(alloc.pools, pool)
		return true
	})

	kernelStartFrame := Frame(kernelStart >> mem.PageShift)
	kernelEndFrame := Frame((uint64(kernelEnd) + uint64(mem.PageSize-1)) >> mem.PageShift)
	if idx := alloc.poolForFrame(kernelStartFrame); idx >= 0 {
		for f := kernelStartFrame; f < kernelEndFrame; f++ {
			if f > alloc.pools[idx].endFrame {
				break
			}
			alloc.markFrame(idx, f, markReserved)
		}
	}

	return alloc
}

func (alloc *BitmapAllocator) poolForFrame(frame Frame) int {
	for i := range alloc.pools {
		if frame >= alloc.pools[i].startFrame && frame <= alloc.pools[i].endFrame {
			return i
		}
	}
	return -1
}

func (alloc *BitmapAllocator) markFrame(poolIndex int, frame Frame, flag markAs) {
	switch flag {
	case markFree:
		alloc.pools[poolIndex].mark(frame, markFree)
		alloc.reservedFrames--
	case markReserved:
		alloc.pools[poolIndex].mark(frame, markReserved)
		alloc.reservedFrames++
	}
}

// AllocFrame reserves and returns the lowest-numbered available frame.
func (alloc *BitmapAllocator) AllocFrame() (Frame, *kernel.Error) {
	alloc.lock.Acquire()
	defer alloc.lock.Release()

	for i := range alloc.pools {
		if alloc.pools[i].freeCount == 0 {
			continue
		}
		frame := alloc.pools[i].firstFree()
		if !frame.Valid() {
			continue
		}
		alloc.markFrame(i, frame, markReserved)
		return frame, nil
	}

	return InvalidFrame, errOutOfMemory
}

// FreeFrame releases a previously allocated frame back to its pool. Freeing
// a frame that is already free is reported as corruption
// (kernel.CorruptionDetected); freeing one that does not belong to any known
// pool is reported as kernel.InvalidArgument. Neither case halts: the error
// is returned to the caller and the bitmap is left unchanged.
func (alloc *BitmapAllocator) FreeFrame(frame Frame) *kernel.Error {
	alloc.lock.Acquire()
	defer alloc.lock.Release()

	poolIndex := alloc.poolForFrame(frame)
	if poolIndex < 0 {
		return errFrameUnowned
	}

	pool := &alloc.pools[poolIndex]
	rel := uint32(frame - pool.startFrame)
	word := rel >> 6
	mask := uint64(1) << (63 - (rel & 63))
	if pool.bitmap[word]&mask == 0 {
		return errDoubleFree
	}

	alloc.markFrame(poolIndex, frame, markFree)
	return nil
}

// Stats reports aggregate frame counts for diagnostics (the cmd harness
// prints them).
func (alloc *BitmapAllocator) Stats() (total, reserved uint32) {
	alloc.lock.Acquire()
	defer alloc.lock.Release()
	return alloc.totalFrames, alloc.reservedFrames
}
