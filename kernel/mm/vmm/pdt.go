package vmm

import (
	"unsafe"

	"vireo/kernel"
	"vireo/kernel/cpu"
	"vireo/kernel/mm"
)

// entriesPerTable is the number of entries in a page directory or page table.
const entriesPerTable = int(mm.PageSize >> mm.PointerShift)

var (
	// activePDTFn is used by tests to override calls to ActivePDT which
	// would cause a fault if executed in user-mode.
	activePDTFn = cpu.ActivePDT

	// switchPDTFn is used by tests to override calls to SwitchPDT which
	// would cause a fault if executed in user-mode.
	switchPDTFn = cpu.SwitchPDT
)

// PageDirectoryTable wraps the physical frame of one page directory, the
// top-most table in the two-level paging scheme.
type PageDirectoryTable struct {
	pdtFrame mm.Frame
}

// Init sets up the page directory starting at the supplied physical frame.
// If the supplied frame does not match the currently active page directory,
// then Init assumes that this is a new directory that needs bootstrapping. In
// such a case, a temporary mapping is established so that Init can:
//   - zero the directory contents
//   - setup a recursive mapping for the last directory entry to the frame itself
func (pdt *PageDirectoryTable) Init(pdtFrame mm.Frame) *kernel.Error {
	pdt.pdtFrame = pdtFrame

	// Check the active page directory. If it matches the input frame then
	// nothing more needs to be done
	if pdtFrame.Address() == activePDTFn() {
		return nil
	}

	// Establish a temporary mapping for the directory frame so we can
	// work on it
	pdtPage, err := mapTemporaryFn(pdtFrame)
	if err != nil {
		return err
	}

	// Clear the directory contents and setup the recursive mapping for
	// the last directory entry
	kernel.Memset(pdtPage.Address(), 0, mm.PageSize)
	lastPdtEntry := (*pageTableEntry)(ptePtrFn(pdtPage.Address() + (((1 << pageLevelBits[0]) - 1) << mm.PointerShift)))
	*lastPdtEntry = 0
	lastPdtEntry.SetFlags(FlagPresent | FlagRW)
	lastPdtEntry.SetFrame(pdtFrame)

	// Remove the temporary mapping
	_ = unmapFn(pdtPage)

	return nil
}

// Map establishes a mapping between a virtual page and a physical memory
// frame using this page directory. This method behaves in a similar fashion
// to the global Map() function with the difference that it also supports
// inactive page directories by hooking them into the recursive slot of the
// active directory for the duration of the call.
func (pdt PageDirectoryTable) Map(page mm.Page, frame mm.Frame, flags PageTableEntryFlag) *kernel.Error {
	var (
		activePdtFrame   = mm.Frame(activePDTFn() >> mm.PageShift)
		lastPdtEntryAddr uintptr
		lastPdtEntry     *pageTableEntry
	)
	// If this directory is not active we need to temporarily attach it to
	// the last entry of the active directory so it becomes reachable
	// through the recursive virtual address scheme.
	if activePdtFrame != pdt.pdtFrame {
		lastPdtEntryAddr = pdtVirtualAddr + (((1 << pageLevelBits[0]) - 1) << mm.PointerShift)
		lastPdtEntry = (*pageTableEntry)(ptePtrFn(lastPdtEntryAddr))
		lastPdtEntry.SetFrame(pdt.pdtFrame)
		flushTLBEntryFn(lastPdtEntryAddr)
	}

	err := mapFn(page, frame, flags)

	if activePdtFrame != pdt.pdtFrame {
		lastPdtEntry.SetFrame(activePdtFrame)
		flushTLBEntryFn(lastPdtEntryAddr)
	}

	return err
}

// Unmap removes a mapping previously installed by a call to Map() on this
// page directory. This method behaves in a similar fashion to the global
// Unmap() function with the difference that it also supports inactive page
// directories by hooking them into the recursive slot of the active
// directory for the duration of the call.
func (pdt PageDirectoryTable) Unmap(page mm.Page) *kernel.Error {
	var (
		activePdtFrame   = mm.Frame(activePDTFn() >> mm.PageShift)
		lastPdtEntryAddr uintptr
		lastPdtEntry     *pageTableEntry
	)
	// If this directory is not active we need to temporarily attach it to
	// the last entry of the active directory so it becomes reachable
	// through the recursive virtual address scheme.
	if activePdtFrame != pdt.pdtFrame {
		lastPdtEntryAddr = pdtVirtualAddr + (((1 << pageLevelBits[0]) - 1) << mm.PointerShift)
		lastPdtEntry = (*pageTableEntry)(ptePtrFn(lastPdtEntryAddr))
		lastPdtEntry.SetFrame(pdt.pdtFrame)
		flushTLBEntryFn(lastPdtEntryAddr)
	}

	err := unmapFn(page)

	if activePdtFrame != pdt.pdtFrame {
		lastPdtEntry.SetFrame(activePdtFrame)
		flushTLBEntryFn(lastPdtEntryAddr)
	}

	return err
}

// Activate loads this page directory into the MMU and flushes the TLB.
func (pdt PageDirectoryTable) Activate() {
	switchPDTFn(pdt.pdtFrame.Address())
}

// SetupNewPageDir initializes a freshly allocated page directory frame for a
// new address space: the directory is zeroed, the recursive entry is
// installed in the last slot and the directory entries covering the kernel
// address range are copied over from the active directory so that interrupt
// handlers and kernel code stay reachable no matter which address space is
// active when a trap fires.
func SetupNewPageDir(pdtFrame mm.Frame) *kernel.Error {
	pdtPage, err := mapTemporaryFn(pdtFrame)
	if err != nil {
		return err
	}

	kernel.Memset(pdtPage.Address(), 0, mm.PageSize)

	var (
		dst = (*[entriesPerTable]pageTableEntry)(ptePtrFn(pdtPage.Address()))
		src = (*[entriesPerTable]pageTableEntry)(ptePtrFn(pdtVirtualAddr))

		firstKernelEntry = int(mm.KernelPageOffset >> pageLevelShifts[0])
	)

	// Copy the kernel-shared directory entries; the last slot is not
	// shared, it holds this directory's own recursive entry.
	kernel.Memcopy(
		uintptr(unsafe.Pointer(&src[firstKernelEntry])),
		uintptr(unsafe.Pointer(&dst[firstKernelEntry])),
		uintptr(entriesPerTable-1-firstKernelEntry)<<mm.PointerShift,
	)

	dst[entriesPerTable-1] = 0
	dst[entriesPerTable-1].SetFlags(FlagPresent | FlagRW)
	dst[entriesPerTable-1].SetFrame(pdtFrame)

	return unmapFn(pdtPage)
}

// FreeAddressSpaceTables releases every page table frame attached to the
// user half of the supplied page directory and then the directory frame
// itself. The kernel-shared tables are left untouched; data frames referenced
// by the released tables must have been freed beforehand (see
// UnmapAndFreeFrames).
func FreeAddressSpaceTables(pdtFrame mm.Frame) *kernel.Error {
	pdtPage, err := mapTemporaryFn(pdtFrame)
	if err != nil {
		return err
	}

	var (
		dir = (*[entriesPerTable]pageTableEntry)(ptePtrFn(pdtPage.Address()))

		firstKernelEntry = int(mm.KernelPageOffset >> pageLevelShifts[0])
	)

	for i := 0; i < firstKernelEntry; i++ {
		if !dir[i].HasFlags(FlagPresent) {
			continue
		}

		if err = mm.FreeFrame(dir[i].Frame()); err != nil {
			_ = unmapFn(pdtPage)
			return err
		}
		dir[i] = 0
	}

	if err = unmapFn(pdtPage); err != nil {
		return err
	}

	return mm.FreeFrame(pdtFrame)
}
