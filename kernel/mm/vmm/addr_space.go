package vmm

import (
	"vireo/kernel"
	"vireo/kernel/cpu"
	"vireo/kernel/kfmt"
	"vireo/kernel/mm"
	"vireo/kernel/sync"
)

var (
	// panicFn is mocked by tests so contract violations can be asserted
	// without halting the test binary.
	panicFn = kfmt.Panic

	// the following functions are mocked by tests and are automatically
	// inlined by the compiler.
	cpuIndexFn        = cpu.Index
	irqEnabledFn      = cpu.InterruptsEnabled
	irqDisableFn      = cpu.DisableInterrupts
	irqEnableFn       = cpu.EnableInterrupts
	setupNewPageDirFn = SetupNewPageDir
	freeTablesFn      = FreeAddressSpaceTables

	// kernelAddressSpace is the one static address space that exists for
	// the whole lifetime of the kernel. It is never deleted.
	kernelAddressSpace = AddressSpace{pdtFrame: mm.InvalidFrame}

	// currentAddrSpaces records the address space loaded on each logical
	// CPU. Until SetCPUCount runs, exactly one implicit address space
	// (the kernel's) is in effect. Each slot is written only by its
	// owning CPU with interrupts disabled; remote CPUs read the slots
	// solely for the in-use check performed by DeleteAddressSpace.
	currentAddrSpaces []*AddressSpace

	errKernelASAlreadyBound = &kernel.Error{Module: "vmm", Message: "kernel address space is already initialized"}
	errKernelASDelete       = &kernel.Error{Module: "vmm", Message: "the kernel address space cannot be deleted"}
	errASInUse              = &kernel.Error{Module: "vmm", Message: "address space is still loaded on a CPU"}
)

// AddressSpace represents one complete virtual-to-physical mapping context:
// the physical frame of its page directory plus a lock serializing mutation
// of its page tables.
type AddressSpace struct {
	lock sync.IrqSpinlock

	pdtFrame mm.Frame
}

// InitKernelAddressSpace binds the kernel's page directory to the static
// kernel address space instance. It must be called exactly once during
// bootstrap; a second call is a fatal sequencing bug.
func InitKernelAddressSpace(pdtFrame mm.Frame) {
	if kernelAddressSpace.pdtFrame.Valid() {
		panicFn(errKernelASAlreadyBound)
		return
	}

	kernelAddressSpace.pdtFrame = pdtFrame
}

// KernelAddressSpace returns the kernel's address space. It is callable both
// before and after paging is enabled.
func KernelAddressSpace() *AddressSpace {
	return &kernelAddressSpace
}

// CurrentAddressSpace returns the address space loaded on the calling CPU.
// Before the per-CPU milestone (SetCPUCount) the kernel address space is the
// only one that can be in effect.
func CurrentAddressSpace() *AddressSpace {
	if currentAddrSpaces == nil {
		return &kernelAddressSpace
	}

	return currentAddrSpaces[cpuIndexFn()]
}

// SetCPUCount sizes the per-CPU current-address-space records once the
// number of logical CPUs is known. Every CPU starts out with the kernel
// address space loaded.
func SetCPUCount(numCPUs uint32) {
	currentAddrSpaces = make([]*AddressSpace, numCPUs)
	for i := range currentAddrSpaces {
		currentAddrSpaces[i] = &kernelAddressSpace
	}
}

// CreateAddressSpace allocates a new address space backed by a freshly
// allocated page directory that shares the kernel mappings. Failure is a
// recoverable out-of-memory condition; any partially performed work is
// unwound before the error is returned.
func CreateAddressSpace() (*AddressSpace, *kernel.Error) {
	pdtFrame, err := mm.AllocFrame()
	if err != nil {
		return nil, err
	}

	if err = setupNewPageDirFn(pdtFrame); err != nil {
		_ = mm.FreeFrame(pdtFrame)
		return nil, err
	}

	return &AddressSpace{pdtFrame: pdtFrame}, nil
}

// DeleteAddressSpace tears down an address space created by
// CreateAddressSpace, returning its page table and directory frames to the
// frame allocator. Deleting the kernel address space or an address space
// still loaded on any CPU is a fatal contract violation.
//
// The in-use check scans the per-CPU records without any synchronization
// barrier; a remote CPU switching into the address space concurrently with
// the scan is not detected. Callers must guarantee the address space has
// been retired from all CPUs before deleting it.
func DeleteAddressSpace(as *AddressSpace) *kernel.Error {
	if as == &kernelAddressSpace || as.pdtFrame == kernelAddressSpace.pdtFrame {
		panicFn(errKernelASDelete)
		return errKernelASDelete
	}

	for _, cur := range currentAddrSpaces {
		if cur == as {
			panicFn(errASInUse)
			return errASInUse
		}
	}

	return freeTablesFn(as.pdtFrame)
}

// SwitchTo loads this address space into the calling CPU. Interrupts are
// disabled for the duration of the call so the per-CPU record update and the
// page directory switch appear atomic to any interrupt taken on this core.
func (as *AddressSpace) SwitchTo() {
	irqState := irqEnabledFn()
	irqDisableFn()

	if currentAddrSpaces != nil {
		currentAddrSpaces[cpuIndexFn()] = as
	}
	switchPDTFn(as.pdtFrame.Address())

	if irqState {
		irqEnableFn()
	}
}

// PDTFrame returns the physical frame of this address space's page directory.
func (as *AddressSpace) PDTFrame() mm.Frame {
	return as.pdtFrame
}

// Lock acquires this address space's page table lock, serializing concurrent
// mutation of its mappings.
func (as *AddressSpace) Lock() {
	as.lock.Acquire()
}

// Unlock releases the page table lock.
func (as *AddressSpace) Unlock() {
	as.lock.Release()
}

// MapFramesAboveIn behaves like MapFramesAbove but operates on the supplied
// address space instead of the currently active one by hooking its page
// directory into the recursive slot of the active directory for the duration
// of the call. The address space lock is held across the whole operation.
func MapFramesAboveIn(as *AddressSpace, hint uintptr, frames []mm.Frame, flags PageTableEntryFlag) (mm.Page, *kernel.Error) {
	as.Lock()
	defer as.Unlock()

	var (
		activePdtFrame   = mm.Frame(activePDTFn() >> mm.PageShift)
		lastPdtEntryAddr uintptr
		lastPdtEntry     *pageTableEntry
	)
	if activePdtFrame != as.pdtFrame {
		lastPdtEntryAddr = pdtVirtualAddr + (((1 << pageLevelBits[0]) - 1) << mm.PointerShift)
		lastPdtEntry = (*pageTableEntry)(ptePtrFn(lastPdtEntryAddr))
		lastPdtEntry.SetFrame(as.pdtFrame)
		flushTLBEntryFn(lastPdtEntryAddr)
	}

	page, err := MapFramesAbove(hint, frames, flags)

	if activePdtFrame != as.pdtFrame {
		lastPdtEntry.SetFrame(activePdtFrame)
		flushTLBEntryFn(lastPdtEntryAddr)
	}

	return page, err
}
