package vmm

import (
	"testing"

	"github.com/glidix-go/corekit/kernel"
	"github.com/glidix-go/corekit/kernel/mem"
	"github.com/glidix-go/corekit/kernel/mem/pmm"

	"github.com/stretchr/testify/require"
)

func withMockedMapping(t *testing.T) *map[uintptr]pmm.Frame {
	t.Helper()

	mapped := make(map[uintptr]pmm.Frame)

	origMap, origUnmap := mapFn, unmapFn
	mapFn = func(page Page, frame pmm.Frame, flags PageTableEntryFlag) *kernel.Error {
		mapped[page.Address()] = frame
		return nil
	}
	unmapFn = func(page Page) *kernel.Error {
		delete(mapped, page.Address())
		return nil
	}
	t.Cleanup(func() {
		mapFn, unmapFn = origMap, origUnmap
		window = &acpiWindow{cursor: acpiWindowAddr, mappings: make(map[uintptr]uintptr)}
	})

	return &mapped
}

func TestMapPhysicalUnmapPhysical(t *testing.T) {
	mapped := withMockedMapping(t)

	physAddr := uintptr(4 * mem.Mb)
	virt, err := MapPhysical(physAddr, uintptr(mem.PageSize))
	require.Nil(t, err)
	require.NotZero(t, virt)
	require.Len(t, *mapped, 1)

	require.Nil(t, UnmapPhysical(virt))
	require.Len(t, *mapped, 0)
}

func TestMapPhysicalPreservesPageOffset(t *testing.T) {
	_ = withMockedMapping(t)

	physAddr := uintptr(4*mem.Mb) + 0x123
	virt, err := MapPhysical(physAddr, 16)
	require.Nil(t, err)
	require.Equal(t, uintptr(0x123), virt&uintptr(mem.PageSize-1))
}

func TestUnmapPhysicalUnknownAddress(t *testing.T) {
	_ = withMockedMapping(t)

	err := UnmapPhysical(0xdeadbeef)
	require.Equal(t, ErrInvalidMapping, err)
}
