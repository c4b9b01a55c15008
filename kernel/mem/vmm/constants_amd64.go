// +build amd64

package vmm

import "math"

const (
	// pageLevels is the number of page-table levels the amd64 paging
	// scheme this package models uses (PML4, PDPT, PD, PT).
	pageLevels = 4

	// ptePhysPageMask extracts the physical frame address (bits 12-51)
	// encoded in a page table entry.
	ptePhysPageMask = uintptr(0x000ffffffffff000)

	// tempMappingAddr is a reserved virtual page used for temporary
	// physical-page mappings (e.g. when bootstrapping an inactive PDT).
	// For amd64 this address uses table indices 510, 511, 511, 511.
	tempMappingAddr = uintptr(0xffffff7ffffff000)

	// acpiWindowAddr is the base of the reserved virtual window
	// MapPhysical/UnmapPhysical use to expose arbitrary physical memory
	// (ACPI tables, MMIO regions) to the ACPI OSL adapter. It uses table
	// indices 510, 511, 495, 510; the acpiWindowPages window ends at
	// 0xffffff7ffe1fe000, so it never overlaps tempMappingAddr.
	acpiWindowAddr = uintptr(0xffffff7ffdffe000)

	// acpiWindowPages bounds how much of the ACPI window can be mapped
	// at once.
	acpiWindowPages = 512
)

var (
	// pdtVirtualAddr exploits the recursive mapping installed in the
	// last entry of the top-level page table: setting every page-level
	// index to the all-ones pattern makes the MMU walk keep following
	// that last entry at every level, landing on the top-level table
	// itself instead of on a leaf page.
	pdtVirtualAddr = uintptr(math.MaxUint64 &^ ((1 << 12) - 1))

	// pageLevelBits is the number of virtual address bits consumed by
	// each page level; amd64 uses 9 bits (512 entries) per level.
	pageLevelBits = [pageLevels]uint8{9, 9, 9, 9}

	// pageLevelShifts is the shift needed to extract each page level's
	// index from a virtual address.
	pageLevelShifts = [pageLevels]uint8{39, 30, 21, 12}
)

// PageTableEntryFlag flags recognized in a page table entry.
const (
	// FlagPresent is set when the page is resident in memory.
	FlagPresent PageTableEntryFlag = 1 << iota

	// FlagRW is set if the page can be written to.
	FlagRW

	// FlagUserAccessible is set if user-mode code can access this page.
	FlagUserAccessible

	// FlagWriteThroughCaching implies write-through caching.
	FlagWriteThroughCaching

	// FlagDoNotCache prevents caching of this page.
	FlagDoNotCache

	// FlagAccessed is set by the MMU when the page is accessed.
	FlagAccessed

	// FlagDirty is set by the MMU when the page is modified.
	FlagDirty

	// FlagHugePage indicates a 2MiB page instead of a 4KiB one.
	FlagHugePage

	// FlagGlobal prevents the TLB from invalidating this page on a PDT
	// switch.
	FlagGlobal

	// FlagNoExecute marks a page as containing non-executable data.
	FlagNoExecute = 1 << 63
)
