package heap

import (
	"os"
	"testing"
	"unsafe"

	"github.com/glidix-go/corekit/kernel"
	"github.com/glidix-go/corekit/kernel/mem"
	"github.com/glidix-go/corekit/kernel/mem/pmm"
	"github.com/glidix-go/corekit/kernel/mem/vmm"
	"github.com/glidix-go/corekit/kernel/sync"

	"github.com/stretchr/testify/require"
)

// TestMain installs a goroutine/channel backed scheduler: Heap's lock is a
// sleeping Mutex, which parks callers through the package-level scheduler,
// nil by default.
func TestMain(m *testing.M) {
	sync.SetScheduler(sync.NewChanScheduler())
	os.Exit(m.Run())
}

// backingFrames hands out an unlimited supply of fake frame numbers; the
// frames are never actually dereferenced since mapPageFn is mocked too.
func backingFrames() FrameAllocatorFn {
	next := pmm.Frame(1)
	return func() (pmm.Frame, *kernel.Error) {
		f := next
		next++
		return f, nil
	}
}

// withTestHeap shrinks the heap's sector/cap sizes to something a test can
// actually commit, and backs the single virtual reservation with real,
// addressable Go memory so the package's unsafe pointer arithmetic has
// something valid to operate on.
func withTestHeap(t *testing.T) {
	t.Helper()

	origSector, origMax := sectorSize, maxSize
	origReserve, origMap := reserveRegionFn, mapPageFn

	sectorSize = mem.Size(4 * mem.Kb)
	maxSize = mem.Size(64 * mem.Kb)

	backing := make([]byte, maxSize+mem.Size(2*mem.PageSize))

	reserveRegionFn = func(size mem.Size) (uintptr, *kernel.Error) {
		addr := uintptr(unsafe.Pointer(&backing[0]))
		aligned := (addr + uintptr(mem.PageSize) - 1) &^ (uintptr(mem.PageSize) - 1)
		return aligned, nil
	}
	mapPageFn = func(page vmm.Page, frame pmm.Frame, flags vmm.PageTableEntryFlag) *kernel.Error {
		return nil
	}

	t.Cleanup(func() {
		sectorSize, maxSize = origSector, origMax
		reserveRegionFn, mapPageFn = origReserve, origMap
	})
}

func TestHeapAllocFree(t *testing.T) {
	withTestHeap(t)

	h, err := New(backingFrames())
	require.Nil(t, err)

	a, err := h.Alloc(64)
	require.Nil(t, err)
	require.NotZero(t, a)

	b, err := h.Alloc(128)
	require.Nil(t, err)
	require.NotEqual(t, a, b)

	require.Nil(t, h.Free(a))
	require.Nil(t, h.Free(b))
}

func TestHeapFreeNilIsNoop(t *testing.T) {
	withTestHeap(t)

	h, err := New(backingFrames())
	require.Nil(t, err)
	require.Nil(t, h.Free(0))
}

func TestHeapDoubleFreeIsFatal(t *testing.T) {
	withTestHeap(t)

	h, err := New(backingFrames())
	require.Nil(t, err)

	a, err := h.Alloc(32)
	require.Nil(t, err)
	require.Nil(t, h.Free(a))

	err = h.Free(a)
	require.NotNil(t, err)
	require.True(t, err.Is(kernel.InvalidArgument))
}

func TestHeapCoalescesFreedNeighbors(t *testing.T) {
	withTestHeap(t)

	h, err := New(backingFrames())
	require.Nil(t, err)

	a, err := h.Alloc(64)
	require.Nil(t, err)
	b, err := h.Alloc(64)
	require.Nil(t, err)
	c, err := h.Alloc(64)
	require.Nil(t, err)

	statsBefore := h.Stats()

	require.Nil(t, h.Free(a))
	require.Nil(t, h.Free(c))
	require.Nil(t, h.Free(b))

	statsAfter := h.Stats()
	require.Equal(t, statsBefore.Committed, statsAfter.Committed)
	require.Zero(t, statsAfter.LiveBlocks)
}

func TestHeapGrowsOnDemand(t *testing.T) {
	withTestHeap(t)

	h, err := New(backingFrames())
	require.Nil(t, err)

	committedBefore := h.Stats().Committed

	_, err = h.Alloc(uintptr(maxSize) / 2)
	require.Nil(t, err)

	require.Greater(t, h.Stats().Committed, committedBefore)
}

func TestHeapExhaustionReturnsOutOfHeap(t *testing.T) {
	withTestHeap(t)

	h, err := New(backingFrames())
	require.Nil(t, err)

	_, err = h.Alloc(uintptr(maxSize) * 2)
	require.NotNil(t, err)
	require.True(t, err.Is(kernel.OutOfHeap))
}

func TestHeapSiteTagging(t *testing.T) {
	withTestHeap(t)

	h, err := New(backingFrames())
	require.Nil(t, err)

	a, err := h.Alloc(16)
	require.Nil(t, err)

	file, line, ok := h.SiteOf(a)
	require.True(t, ok)
	require.NotEmpty(t, file)
	require.NotZero(t, line)

	require.Nil(t, h.Free(a))
	_, _, ok = h.SiteOf(a)
	require.False(t, ok)
}
