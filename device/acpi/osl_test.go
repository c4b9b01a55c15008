package acpi

import (
	"os"
	"sync/atomic"
	"testing"
	"time"
	"unsafe"

	"github.com/glidix-go/corekit/kernel"
	"github.com/glidix-go/corekit/kernel/irq"
	"github.com/glidix-go/corekit/kernel/sync"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// TestMain installs a goroutine/channel backed scheduler so that Mutex and
// Semaphore, which this file exercises through OSLayer, can actually park
// and wake callers instead of panicking on a nil scheduler.
func TestMain(m *testing.M) {
	sync.SetScheduler(sync.NewChanScheduler())
	os.Exit(m.Run())
}

// fakeHeap is a bump allocator over a fixed Go slice; it satisfies
// heapAllocator without needing a real page-table walk behind it.
type fakeHeap struct {
	backing []byte
	next    uintptr
	live    map[uintptr]bool
}

func newFakeHeap(size int) *fakeHeap {
	return &fakeHeap{backing: make([]byte, size), live: make(map[uintptr]bool)}
}

func (h *fakeHeap) Alloc(size uintptr) (uintptr, *kernel.Error) {
	if h.next+size > uintptr(len(h.backing)) {
		return 0, &kernel.Error{Module: "heap", Message: "exhausted", Kind: kernel.OutOfHeap}
	}
	addr := uintptr(unsafe.Pointer(&h.backing[h.next]))
	h.next += size
	h.live[addr] = true
	return addr, nil
}

func (h *fakeHeap) Free(addr uintptr) *kernel.Error {
	if !h.live[addr] {
		return &kernel.Error{Module: "heap", Message: "double free", Kind: kernel.InvalidArgument}
	}
	delete(h.live, addr)
	return nil
}

func newTestOSLayer() *OSLayer {
	return &OSLayer{heap: newFakeHeap(4096), log: zap.NewNop()}
}

func withFakeClock(t *testing.T) *int64 {
	t.Helper()
	var now int64
	orig := nowFn
	nowFn = func() int64 { return atomic.LoadInt64(&now) }
	t.Cleanup(func() { nowFn = orig })
	return &now
}

func TestAllocateFreeAndZeroed(t *testing.T) {
	o := newTestOSLayer()

	a, err := o.Allocate(32)
	require.Nil(t, err)
	require.NotZero(t, a)

	b, err := o.AllocateZeroed(16)
	require.Nil(t, err)
	require.NotZero(t, b)

	require.Nil(t, o.Free(a))
	require.Nil(t, o.Free(b))

	err = o.Free(a)
	require.NotNil(t, err)
	require.True(t, err.Is(kernel.InvalidArgument))
}

func TestLockRoundTrip(t *testing.T) {
	o := newTestOSLayer()
	l := o.CreateLock()
	o.AcquireLock(l)
	o.ReleaseLock(l)
}

func TestSemaphoreSignalAndNonBlockWait(t *testing.T) {
	o := newTestOSLayer()
	sem := o.CreateSemaphore(0)

	err := o.WaitSemaphore(sem, 1, TimeoutNonBlock)
	require.NotNil(t, err)
	require.True(t, err.Is(kernel.WouldBlock))

	require.Nil(t, o.SignalSemaphore(sem, 2))
	require.Nil(t, o.WaitSemaphore(sem, 2, TimeoutForever))
	require.Nil(t, o.DeleteSemaphore(sem))
}

func TestSemaphoreWaitTimesOutAndRefunds(t *testing.T) {
	o := newTestOSLayer()
	sem := o.CreateSemaphore(1)

	// Requests 2 units with only 1 available: WaitSemaphore grants the
	// first unit as a partial and then genuinely blocks waiting for the
	// second, so the real ACPICA millisecond timeout (not the fake
	// instant clock used elsewhere in this file, since the deadline here
	// crosses into the sync package's own wall-clock wait) has to elapse
	// before it gives up and refunds the partial grant.
	errCh := make(chan *kernel.Error, 1)
	go func() {
		errCh <- o.WaitSemaphore(sem, 2, 15)
	}()

	select {
	case err := <-errCh:
		require.NotNil(t, err)
		require.True(t, err.Is(kernel.Timeout))
	case <-time.After(2 * time.Second):
		t.Fatal("WaitSemaphore never timed out")
	}

	require.Equal(t, 1, sem.Count())
}

func TestMutexAcquireRelease(t *testing.T) {
	o := newTestOSLayer()
	m := o.CreateMutex()

	require.Nil(t, o.AcquireMutex(m, TimeoutForever))
	o.ReleaseMutex(m)

	require.Nil(t, o.AcquireMutex(m, TimeoutNonBlock))
	err := o.AcquireMutex(m, TimeoutNonBlock)
	require.NotNil(t, err)
	require.True(t, err.Is(kernel.WouldBlock))
	o.ReleaseMutex(m)
}

func TestInterruptHandlerInstallRemove(t *testing.T) {
	o := newTestOSLayer()

	var fired uintptr
	handler := func(context uintptr) uint32 {
		fired = context
		return irq.InterruptHandled
	}

	require.Nil(t, o.InstallInterruptHandler(7, handler, 0x42))
	require.Equal(t, irq.InterruptHandled, irq.Dispatch(7))
	require.Equal(t, uintptr(0x42), fired)
	require.Nil(t, o.RemoveInterruptHandler(7, handler))
}

func TestExecuteRunsOnItsOwnGoroutine(t *testing.T) {
	o := newTestOSLayer()

	done := make(chan struct{})
	require.Nil(t, o.Execute(func(context uintptr) {
		close(done)
	}, 0))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Execute callback never ran")
	}
}

func TestGetTimerUsesHundredNanosecondUnits(t *testing.T) {
	now := withFakeClock(t)
	o := newTestOSLayer()

	atomic.StoreInt64(now, 5000)
	require.Equal(t, uint64(50), o.GetTimer())
}

func TestStallReturnsOnceDeadlinePasses(t *testing.T) {
	now := withFakeClock(t)
	o := newTestOSLayer()

	done := make(chan struct{})
	go func() {
		o.Stall(10)
		close(done)
	}()

	atomic.StoreInt64(now, int64(11)*int64(time.Microsecond))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stall never returned")
	}
}
