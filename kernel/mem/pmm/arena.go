package pmm

import (
	"unsafe"

	"github.com/glidix-go/corekit/kernel"

	"golang.org/x/sys/unix"
)

// Arena is the simulated physical address space: an anonymous, page-aligned
// mmap region whose base address plays the role of physical address 0. A
// plain make([]byte, ...) slice would work too, but its backing array can be
// moved by the Go runtime and has no stable "address" a Frame can point at;
// mmap gives every Frame a real, GC-independent address the way biscuit's
// runtime-level page allocator and elsie's memory-mapped image loader both
// rely on in the reference corpus.
type Arena struct {
	mem []byte
}

var errArenaMap = &kernel.Error{Module: "pmm", Message: "failed to map physical arena"}

// NewArena reserves size bytes (rounded up to a multiple of mem.PageSize by
// the caller) of anonymous memory to back the simulated physical address
// space.
func NewArena(size int) (*Arena, *kernel.Error) {
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, errArenaMap
	}
	return &Arena{mem: mem}, nil
}

// Close unmaps the arena. It is primarily used by tests to avoid leaking
// mappings across table-driven test cases.
func (a *Arena) Close() error {
	if a.mem == nil {
		return nil
	}
	err := unix.Munmap(a.mem)
	a.mem = nil
	return err
}

// Base returns the arena's base address, i.e. the address that corresponds
// to physical address 0.
func (a *Arena) Base() uintptr {
	if len(a.mem) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&a.mem[0]))
}

// Len returns the size, in bytes, of the arena.
func (a *Arena) Len() int {
	return len(a.mem)
}

// Bytes returns the byte slice backing the [offset, offset+size) window of
// the arena.
func (a *Arena) Bytes(offset uintptr, size uintptr) []byte {
	return a.mem[offset : offset+size]
}
