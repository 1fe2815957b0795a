package kmain

import (
	"vireo/kernel"
	"vireo/kernel/hal/multiboot"
	"vireo/kernel/kfmt"
	"vireo/kernel/mm/pmm"
	"vireo/kernel/mm/vmm"
)

var (
	// the following functions are mocked by tests and are automatically
	// inlined by the compiler.
	pmmInitFn      = pmm.Init
	bootstrapFn    = vmm.BootstrapKernel
	dropIdentityFn = vmm.DropIdentityMappings
	panicFn        = kfmt.Panic

	errKmainReturned = &kernel.Error{Module: "kmain", Message: "KmainHigherHalf returned"}
)

// Kmain is invoked by the rt0 initialization code after setting up the GDT
// and a minimal g0 struct that allows Go code to use the 4K stack allocated
// by the assembly code. At this point paging is still disabled and execution
// takes place at the load addresses in the low half.
//
// The rt0 code passes the address of the multiboot info payload provided by
// the bootloader as well as the physical addresses for the kernel start/end.
//
// Kmain brings up the frame allocator and switches on paging with the
// identity window still in place. When it returns, rt0 relocates the stack
// and instruction pointer into the kernel half and invokes KmainHigherHalf.
//
//go:noinline
func Kmain(multibootInfoPtr, kernelStart, kernelEnd uintptr) {
	multiboot.SetInfoPtr(multibootInfoPtr)

	var err *kernel.Error
	if err = pmmInitFn(kernelStart, kernelEnd); err != nil {
		panicFn(err)
	} else if err = bootstrapFn(kernelStart, kernelEnd); err != nil {
		panicFn(err)
	}
}

// KmainHigherHalf is invoked by the rt0 code after it has moved execution to
// the kernel half of the address space. Only then can the identity window be
// torn down: clearing it while still running at low addresses would yank the
// mappings backing the very next instruction fetch.
//
// KmainHigherHalf is not expected to return. If it does, the rt0 code will
// halt the CPU.
//
//go:noinline
func KmainHigherHalf() {
	if err := dropIdentityFn(); err != nil {
		panicFn(err)
	}

	kfmt.Printf("[kmain] virtual memory initialized\n")

	// Use panicFn instead of panic to prevent the compiler from treating
	// the kernel panic path as dead code and eliminating it.
	panicFn(errKmainReturned)
}
