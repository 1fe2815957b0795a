package vmm

import (
	"vireo/kernel"
	"vireo/kernel/cpu"
	"vireo/kernel/mm"
	"vireo/kernel/mm/pmm"
)

// kernelLinearMapLimit is the size of the largest physical region the kernel
// window can alias: the span between the start of the kernel half and the
// temporary mapping page that precedes the recursive region.
const kernelLinearMapLimit = tempMappingAddr - mm.KernelPageOffset

var (
	// the following functions are mocked by tests and are automatically
	// inlined by the compiler.
	enablePagingFn = cpu.EnablePaging
	totalFramesFn  = pmm.TotalFrames
	fixupToVirtFn  = pmm.FixupToVirt
	phaseFn        = mm.Phase
	setPhaseFn     = mm.SetPhase

	errBootstrapOutOfOrder = &kernel.Error{Module: "vmm", Message: "bootstrap step executed in the wrong boot phase"}
)

// BootstrapKernel builds the kernel's initial page directory and switches the
// CPU to paged operation. It must run exactly once, with paging disabled,
// after the frame allocator is initialized.
//
// The directory receives three sets of mappings:
//   - an identity mapping of the physical region the kernel currently
//     executes from, so the instruction following the paging switch keeps
//     resolving
//   - a linear mapping of physical memory into the kernel half of the
//     address space, which makes every kernel structure reachable at
//     phys+KernelPageOffset after the jump to high addresses
//   - the recursive entry in the last directory slot
//
// On success the memory system is left in the identity-window phase; the
// caller completes the transition with DropIdentityMappings once execution
// has moved to the kernel half.
func BootstrapKernel(kernelStart, kernelEnd uintptr) *kernel.Error {
	if phaseFn() != mm.PhasePrePaging || pagingEnabledFn() {
		panicFn(errBootstrapOutOfOrder)
		return errBootstrapOutOfOrder
	}

	pdtFrame, err := mm.AllocFrame()
	if err != nil {
		return err
	}

	kernel.Memset(mm.ResolvePhys(pdtFrame.Address()), 0, mm.PageSize)
	prePagingPDTFrame = pdtFrame

	// Identity-map everything from the start of RAM through the end of
	// the kernel image; this keeps the currently executing code and the
	// low-memory legacy structures reachable across the paging switch.
	identitySize := (kernelEnd + (mm.PageSize - 1)) & ^(mm.PageSize - 1)
	if err = MapRange(mm.Frame(0), 0, identitySize, FlagPresent|FlagRW); err != nil {
		return err
	}

	// Linear-map physical memory into the kernel half.
	linearSize := uintptr(totalFramesFn()) << mm.PageShift
	if linearSize > kernelLinearMapLimit {
		linearSize = kernelLinearMapLimit
	}
	if err = MapRange(mm.Frame(0), mm.KernelPageOffset, linearSize, FlagPresent|FlagRW|FlagGlobal); err != nil {
		return err
	}

	// Install the recursive entry in the last directory slot.
	lastPdtEntry := (*pageTableEntry)(ptePtrFn(mm.ResolvePhys(pdtFrame.Address()) + (((1 << pageLevelBits[0]) - 1) << mm.PointerShift)))
	*lastPdtEntry = 0
	lastPdtEntry.SetFlags(FlagPresent | FlagRW)
	lastPdtEntry.SetFrame(pdtFrame)

	InitKernelAddressSpace(pdtFrame)

	switchPDTFn(pdtFrame.Address())
	enablePagingFn()
	setPhaseFn(mm.PhaseIdentity)

	return nil
}

// DropIdentityMappings detaches the identity window installed by
// BootstrapKernel and completes the transition to the steady state. It must
// be called once execution has jumped to the kernel half of the address
// space; the identity aliases of low memory are invalid afterwards.
//
// The page table frames that backed the identity window are returned to the
// frame allocator. The frame allocator's storage pointer is rebased to its
// kernel-half alias before any frame is released.
func DropIdentityMappings() *kernel.Error {
	if phaseFn() != mm.PhaseIdentity {
		panicFn(errBootstrapOutOfOrder)
		return errBootstrapOutOfOrder
	}

	setPhaseFn(mm.PhaseSteadyState)
	fixupToVirtFn()

	var (
		dir = (*[entriesPerTable]pageTableEntry)(ptePtrFn(pdtVirtualAddr))

		firstKernelEntry = int(mm.KernelPageOffset >> pageLevelShifts[0])
	)

	for i := 0; i < firstKernelEntry; i++ {
		if !dir[i].HasFlags(FlagPresent) {
			continue
		}

		tableFrame := dir[i].Frame()
		dir[i] = 0

		if err := mm.FreeFrame(tableFrame); err != nil {
			return err
		}
	}

	// Reload the page directory for a full TLB flush; the identity
	// mappings were not global so nothing stale survives.
	switchPDTFn(kernelAddressSpace.pdtFrame.Address())

	return nil
}
