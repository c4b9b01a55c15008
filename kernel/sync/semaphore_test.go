package sync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/glidix-go/corekit/kernel"
)

func withChanScheduler(t *testing.T) {
	t.Helper()
	origSched := scheduler
	SetScheduler(NewChanScheduler())
	t.Cleanup(func() { scheduler = origSched })
}

func TestSemaphoreImmediateGrant(t *testing.T) {
	withChanScheduler(t)

	sem := NewSemaphore(2)
	got, err := sem.WaitGeneric(2, WaitNone, NoTimeout)
	require.Nil(t, err)
	require.Equal(t, 2, got)
	require.Equal(t, 0, sem.Count())
}

func TestSemaphoreNonBlockWouldBlock(t *testing.T) {
	withChanScheduler(t)

	sem := NewSemaphore(0)
	got, err := sem.WaitGeneric(1, WaitNonBlock, NoTimeout)
	require.NotNil(t, err)
	require.True(t, err.Is(kernel.WouldBlock))
	require.Equal(t, 0, got)
}

func TestSemaphoreFIFOOrdering(t *testing.T) {
	withChanScheduler(t)

	sem := NewSemaphore(0)
	order := make(chan int, 2)

	go func() {
		_, _ = sem.WaitGeneric(1, WaitNone, NoTimeout)
		order <- 1
	}()
	time.Sleep(10 * time.Millisecond)
	go func() {
		_, _ = sem.WaitGeneric(1, WaitNone, NoTimeout)
		order <- 2
	}()
	time.Sleep(10 * time.Millisecond)

	require.NoError(t, sem.Signal(1))
	require.Equal(t, 1, <-order)

	require.NoError(t, sem.Signal(1))
	require.Equal(t, 2, <-order)
}

func TestSemaphorePartialGrant(t *testing.T) {
	withChanScheduler(t)

	sem := NewSemaphore(1)
	got, err := sem.WaitGeneric(3, WaitPartial, NoTimeout)
	require.Nil(t, err)
	require.Equal(t, 1, got)
}

func TestSemaphoreTimeout(t *testing.T) {
	withChanScheduler(t)

	sem := NewSemaphore(0)
	deadline := nowFn() + int64(20*time.Millisecond)
	_, err := sem.WaitGeneric(1, WaitNone, deadline)
	require.NotNil(t, err)
	require.Equal(t, 0, sem.Count())
}

func TestSemaphoreTerminateWakesAllWaiters(t *testing.T) {
	withChanScheduler(t)

	sem := NewSemaphore(0)
	done := make(chan *struct{ granted int }, 2)

	for i := 0; i < 2; i++ {
		go func() {
			got, err := sem.WaitGeneric(1, WaitNone, NoTimeout)
			require.NotNil(t, err)
			done <- &struct{ granted int }{got}
		}()
	}
	time.Sleep(10 * time.Millisecond)

	sem.Terminate()

	<-done
	<-done

	_, err := sem.WaitGeneric(1, WaitNone, NoTimeout)
	require.NotNil(t, err)
}
