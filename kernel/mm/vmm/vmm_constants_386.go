package vmm

const (
	// pageLevels indicates the number of page levels supported by the 386
	// architecture: the page directory and the page tables it points to.
	pageLevels = 2

	// ptePhysPageMask is a mask that allows us to extract the physical
	// memory address pointed to by a page table entry. For this particular
	// architecture, bits 12-31 contain the physical memory address.
	ptePhysPageMask = uintptr(0xfffff000)

	// tempMappingAddr is a reserved virtual page address used for
	// temporary physical page mappings (e.g. when setting up inactive page
	// directories). For the 386 this address uses table indices 1022, 1023.
	tempMappingAddr = uintptr(0xffbff000)

	// pdtVirtualAddr is a special virtual address that exploits the
	// recursive mapping used in the last PDT entry of each page directory
	// to access the directory contents through the MMU's own translation
	// mechanism. With both level indices set to 1023 the MMU follows the
	// recursive entry twice and lands back on the directory page.
	pdtVirtualAddr = uintptr(0xfffff000)
)

var (
	// pageLevelBits defines the number of virtual address bits that
	// correspond to each page level. For the 386 architecture each level
	// uses 10 bits which amounts to 1024 entries per table.
	pageLevelBits = [pageLevels]uint8{
		10,
		10,
	}

	// pageLevelShifts defines the shift required to access each page table
	// component of a virtual address.
	pageLevelShifts = [pageLevels]uint8{
		22,
		12,
	}
)

const (
	// FlagPresent is set when the page is available in memory.
	FlagPresent PageTableEntryFlag = 1 << iota

	// FlagRW is set if the page can be written to.
	FlagRW

	// FlagUserAccessible is set if user-mode processes can access this
	// page. If not set only kernel code can access this page.
	FlagUserAccessible

	// FlagWriteThroughCaching implies write-through caching when set and
	// write-back caching if cleared.
	FlagWriteThroughCaching

	// FlagDoNotCache prevents this page from being cached if set.
	FlagDoNotCache

	// FlagAccessed is set by the CPU when this page is accessed.
	FlagAccessed

	// FlagDirty is set by the CPU when this page is modified.
	FlagDirty

	// FlagHugePage selects 4M pages in a page directory entry. The memory
	// system only deals in 4K pages; encountering this flag during a table
	// walk is reported as an error.
	FlagHugePage

	// FlagGlobal if set, prevents the TLB from flushing the cached memory
	// address for this page when the page directory is switched.
	FlagGlobal
)
