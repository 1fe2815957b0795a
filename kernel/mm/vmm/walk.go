package vmm

import (
	"unsafe"

	"vireo/kernel/cpu"
	"vireo/kernel/mm"
)

var (
	// ptePtrFn returns a pointer to the supplied entry address. It is used
	// by tests to redirect the generated page table entry pointers into
	// fake table memory so walks can be properly tested. When compiling
	// the kernel this function is automatically inlined.
	ptePtrFn = func(entryAddr uintptr) unsafe.Pointer {
		return unsafe.Pointer(entryAddr)
	}

	// pagingEnabledFn is mocked by tests; reading CR0 faults in user-mode.
	pagingEnabledFn = cpu.PagingEnabled

	// prePagingPDTFrame holds the page directory the bootstrap code is
	// assembling. It is the walk target while paging is still disabled.
	prePagingPDTFrame = mm.InvalidFrame
)

// pageTableWalker is a function that can be passed to the walk function. The
// function receives the current page level and page table entry as its
// arguments. If the function returns false, then the page walk is aborted.
type pageTableWalker func(pteLevel uint8, pte *pageTableEntry) bool

// walk locates the page directory and page table entries that correspond to
// the given virtual address and calls the supplied walkFn once per level. If
// walkFn returns false then the walk is aborted.
//
// Two strategies produce identical table contents: while paging is disabled
// the tables under construction are read through their raw physical
// addresses; once paging is enabled they are only reachable through the
// recursive mapping installed in the last directory entry. Which strategy
// runs is purely a function of the paging-enabled flag.
func walk(virtAddr uintptr, walkFn pageTableWalker) {
	if !pagingEnabledFn() {
		walkPhysical(prePagingPDTFrame, virtAddr, walkFn)
		return
	}

	walkRecursive(virtAddr, walkFn)
}

// walkRecursive performs a page table walk through the recursive mapping
// region. tableAddr is initially set to the virtual address that aliases the
// page directory itself; left-shifting an entry address by the level bit
// count peels off one level of indirection and yields the alias of the table
// the entry points to.
func walkRecursive(virtAddr uintptr, walkFn pageTableWalker) {
	var (
		level                            uint8
		tableAddr, entryAddr, entryIndex uintptr
		ok                               bool
	)

	for level, tableAddr = uint8(0), pdtVirtualAddr; level < pageLevels; level, tableAddr = level+1, entryAddr {
		// Extract the bits from the virtual address that correspond to
		// the index in this level's page table
		entryIndex = (virtAddr >> pageLevelShifts[level]) & ((1 << pageLevelBits[level]) - 1)

		entryAddr = tableAddr + (entryIndex << mm.PointerShift)

		if ok = walkFn(level, (*pageTableEntry)(ptePtrFn(entryAddr))); !ok {
			return
		}

		// Shift left by the number of bits for this paging level to get
		// the virtual address of the table pointed to by entryAddr
		entryAddr <<= pageLevelBits[level]
	}
}

// walkPhysical performs a page table walk by chasing the raw physical table
// addresses starting at the supplied page directory frame. It is only valid
// while paging is disabled; descending a level requires the visited entry to
// have been populated by walkFn.
func walkPhysical(tableFrame mm.Frame, virtAddr uintptr, walkFn pageTableWalker) {
	var (
		level      uint8
		entryIndex uintptr
		pte        *pageTableEntry
	)

	for level = 0; level < pageLevels; level++ {
		entryIndex = (virtAddr >> pageLevelShifts[level]) & ((1 << pageLevelBits[level]) - 1)

		pte = (*pageTableEntry)(ptePtrFn(mm.ResolvePhys(tableFrame.Address()) + (entryIndex << mm.PointerShift)))
		if !walkFn(level, pte) {
			return
		}

		tableFrame = pte.Frame()
	}
}
