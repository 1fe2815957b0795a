package vmm

import (
	"unsafe"

	"vireo/kernel"
	"vireo/kernel/cpu"
	"vireo/kernel/mm"
)

var (
	// nextAddrFn is used by tests to override the next-table address
	// calculation used by Map. When compiling the kernel this function
	// is automatically inlined.
	nextAddrFn = func(entryAddr uintptr) uintptr {
		return entryAddr
	}

	// flushTLBEntryFn is used by tests to override calls to FlushTLBEntry
	// which would cause a fault if executed in user-mode.
	flushTLBEntryFn = cpu.FlushTLBEntry

	// the following functions are mocked by tests and are automatically
	// inlined by the compiler.
	mapFn          = Map
	unmapFn        = Unmap
	mapTemporaryFn = MapTemporary
	translateFn    = Translate

	errNoHugePageSupport = &kernel.Error{Module: "vmm", Message: "huge pages are not supported"}

	// ErrNoVirtualSpace is returned when no contiguous run of unmapped
	// virtual pages large enough for a request could be located.
	ErrNoVirtualSpace = &kernel.Error{Module: "vmm", Message: "no contiguous virtual region large enough for the request"}
)

// Map establishes a mapping between a virtual page and a physical memory
// frame using the currently active page directory. Missing page tables are
// allocated on demand using the registered frame allocator.
//
// Map does not undo table mutations performed before a failed page table
// allocation; a caller that maps a multi-page range must unmap the pages it
// already mapped when a later call fails.
func Map(page mm.Page, frame mm.Frame, flags PageTableEntryFlag) *kernel.Error {
	var err *kernel.Error

	walk(page.Address(), func(pteLevel uint8, pte *pageTableEntry) bool {
		// If we reached the last level all we need to do is to map the
		// frame in place, flag it as present and flush its TLB entry
		if pteLevel == pageLevels-1 {
			*pte = 0
			pte.SetFrame(frame)
			pte.SetFlags(flags)
			flushTLBEntryFn(page.Address())
			return true
		}

		if pte.HasFlags(FlagHugePage) {
			err = errNoHugePageSupport
			return false
		}

		// The next table does not yet exist; allocate a physical
		// frame for it, attach it and clear its contents. The
		// directory entry inherits the user bit so user mappings stay
		// reachable; the per-page access control lives in the final
		// level.
		if !pte.HasFlags(FlagPresent) {
			var newTableFrame mm.Frame
			newTableFrame, err = mm.AllocFrame()
			if err != nil {
				return false
			}

			*pte = 0
			pte.SetFrame(newTableFrame)
			pte.SetFlags(FlagPresent | FlagRW | (flags & FlagUserAccessible))

			kernel.Memset(nextAddrFn(nextTableAddr(pte, pteLevel, newTableFrame)), 0, mm.PageSize)
		}

		return true
	})

	return err
}

// nextTableAddr returns an address through which a newly attached page table
// can be zeroed. With paging enabled the recursive mapping provides a virtual
// alias for the table (obtained by left-shifting the entry address); with
// paging still disabled the table is reachable at its physical address.
func nextTableAddr(pte *pageTableEntry, pteLevel uint8, tableFrame mm.Frame) uintptr {
	if !pagingEnabledFn() {
		return mm.ResolvePhys(tableFrame.Address())
	}

	return uintptr(unsafe.Pointer(pte)) << pageLevelBits[pteLevel+1]
}

// MapRange establishes mappings for the physical region that starts at
// startFrame and spans size bytes to the virtual region starting at
// virtStart. The size argument is always rounded up to the nearest page
// boundary.
//
// If a mapping step fails, the pages mapped by the preceding steps remain in
// place and the error is returned; the caller owns the cleanup.
func MapRange(startFrame mm.Frame, virtStart uintptr, size uintptr, flags PageTableEntryFlag) *kernel.Error {
	var (
		pageCount = mm.Page(((size + (mm.PageSize - 1)) & ^(mm.PageSize - 1)) >> mm.PageShift)
		startPage = mm.PageFromAddress(virtStart)
	)

	for offset := mm.Page(0); offset < pageCount; offset++ {
		if err := mapFn(startPage+offset, startFrame+mm.Frame(offset), flags); err != nil {
			return err
		}
	}

	return nil
}

// MapTemporary establishes a temporary RW mapping of a physical memory frame
// to a fixed virtual address overwriting any previous mapping. The temporary
// mapping mechanism is primarily used by the kernel to access and initialize
// inactive page directories.
func MapTemporary(frame mm.Frame) (mm.Page, *kernel.Error) {
	if err := Map(mm.PageFromAddress(tempMappingAddr), frame, FlagPresent|FlagRW); err != nil {
		return 0, err
	}

	return mm.PageFromAddress(tempMappingAddr), nil
}

// Unmap removes a mapping previously installed via a call to Map or
// MapTemporary. The underlying data frame is not released.
func Unmap(page mm.Page) *kernel.Error {
	var err *kernel.Error

	walk(page.Address(), func(pteLevel uint8, pte *pageTableEntry) bool {
		// If we reached the last level all we need to do is to mark the
		// page as non-present and flush its TLB entry
		if pteLevel == pageLevels-1 {
			pte.ClearFlags(FlagPresent)
			flushTLBEntryFn(page.Address())
			return true
		}

		// Next table is not present; this is an invalid mapping
		if !pte.HasFlags(FlagPresent) {
			err = ErrInvalidMapping
			return false
		}

		if pte.HasFlags(FlagHugePage) {
			err = errNoHugePageSupport
			return false
		}

		return true
	})

	return err
}

// UnmapRange removes the mappings for the virtual region that starts at
// virtStart and spans size bytes (rounded up to the nearest page boundary).
// The underlying data frames are not released.
func UnmapRange(virtStart uintptr, size uintptr) *kernel.Error {
	var (
		pageCount = mm.Page(((size + (mm.PageSize - 1)) & ^(mm.PageSize - 1)) >> mm.PageShift)
		startPage = mm.PageFromAddress(virtStart)
	)

	for offset := mm.Page(0); offset < pageCount; offset++ {
		if err := unmapFn(startPage + offset); err != nil {
			return err
		}
	}

	return nil
}

// UnmapAndFreeFrames removes the mappings for the virtual region that starts
// at virtStart and spans size bytes and returns every underlying physical
// frame to the frame allocator. It is used when tearing down a stack or an
// entire address space.
func UnmapAndFreeFrames(virtStart uintptr, size uintptr) *kernel.Error {
	var (
		pageCount = mm.Page(((size + (mm.PageSize - 1)) & ^(mm.PageSize - 1)) >> mm.PageShift)
		startPage = mm.PageFromAddress(virtStart)
	)

	for offset := mm.Page(0); offset < pageCount; offset++ {
		page := startPage + offset

		physAddr, err := translateFn(page.Address())
		if err != nil {
			return err
		}

		if err = unmapFn(page); err != nil {
			return err
		}

		if err = mm.FreeFrame(mm.FrameFromAddress(physAddr)); err != nil {
			return err
		}
	}

	return nil
}

// MapFramesAbove maps an already-allocated list of physical frames to a free
// contiguous virtual region located at or above hint in the currently active
// address space and returns the first page of the region. The search never
// enters the kernel half of the address space. If a mapping step fails the
// pages established by the preceding steps are unmapped before the error is
// returned; ownership of the frames stays with the caller either way.
func MapFramesAbove(hint uintptr, frames []mm.Frame, flags PageTableEntryFlag) (mm.Page, *kernel.Error) {
	startPage, err := findFreeRegion(hint, uintptr(len(frames)))
	if err != nil {
		return 0, err
	}

	for i := 0; i < len(frames); i++ {
		if err = mapFn(startPage+mm.Page(i), frames[i], flags); err != nil {
			for undo := 0; undo < i; undo++ {
				_ = unmapFn(startPage + mm.Page(undo))
			}
			return 0, err
		}
	}

	return startPage, nil
}

// findFreeRegion locates the first run of pageCount consecutive unmapped
// virtual pages at or above hint, scanning first-fit in ascending order up to
// the start of the kernel address range.
func findFreeRegion(hint uintptr, pageCount uintptr) (mm.Page, *kernel.Error) {
	if pageCount == 0 {
		return 0, ErrNoVirtualSpace
	}

	var (
		lastPage = mm.PageFromAddress(mm.KernelPageOffset - 1)
		runStart = mm.PageFromAddress((hint + (mm.PageSize - 1)) & ^(mm.PageSize - 1))
	)

	for page := runStart; page <= lastPage; page++ {
		if _, err := translateFn(page.Address()); err == nil {
			runStart = page + 1
			continue
		}

		if uintptr(page-runStart)+1 == pageCount {
			return runStart, nil
		}
	}

	return 0, ErrNoVirtualSpace
}

// Translate returns the physical address that corresponds to the supplied
// virtual address or ErrInvalidMapping if the virtual address does not
// correspond to a mapped physical address.
func Translate(virtAddr uintptr) (uintptr, *kernel.Error) {
	pte, err := pteForAddress(virtAddr)
	if err != nil {
		return 0, err
	}

	// Calculate the physical address by taking the physical frame address
	// and appending the offset from the virtual address
	physAddr := pte.Frame().Address() + PageOffset(virtAddr)
	return physAddr, nil
}

// PageOffset returns the offset within the page specified by a virtual
// address.
func PageOffset(virtAddr uintptr) uintptr {
	return (virtAddr & ((1 << pageLevelShifts[pageLevels-1]) - 1))
}
