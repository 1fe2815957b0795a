// Package cpu provides wrappers for privileged x86 instructions.
package cpu

// EnableInterrupts enables interrupt handling on the local CPU (sti).
func EnableInterrupts()

// DisableInterrupts disables interrupt handling on the local CPU (cli).
func DisableInterrupts()

// InterruptsEnabled returns the state of the interrupt flag in EFLAGS for
// the local CPU.
func InterruptsEnabled() bool

// Halt stops instruction execution.
func Halt()

// FlushTLBEntry flushes the TLB entry for a particular virtual address
// (invlpg).
func FlushTLBEntry(virtAddr uintptr)

// SwitchPDT sets the page directory register (cr3) to point to the specified
// physical address and flushes the TLB.
func SwitchPDT(pdtPhysAddr uintptr)

// ActivePDT returns the physical address of the currently active page
// directory (cr3 contents).
func ActivePDT() uintptr

// PagingEnabled returns the state of the PG bit in cr0.
func PagingEnabled() bool

// EnablePaging sets the PG bit in cr0. The page directory register must
// already point to a valid page directory when this is called.
func EnablePaging()

// ID returns information about the CPU and its features. It is implemented
// as a CPUID instruction with EAX=leaf and returns the values in EAX, EBX,
// ECX and EDX.
func ID(leaf uint32) (uint32, uint32, uint32, uint32)

var (
	cpuidFn = ID

	// indexFn reports the index of the local logical CPU. Until the SMP
	// bootstrap enumerates the LAPICs and installs a real provider, the
	// boot CPU is the only one running and always gets index 0.
	indexFn = func() uint32 { return 0 }
)

// Index returns the zero-based index of the local logical CPU.
func Index() uint32 {
	return indexFn()
}

// SetIndexProvider installs the function used by Index to identify the
// local CPU. It is called by the SMP bootstrap after LAPIC enumeration.
func SetIndexProvider(fn func() uint32) {
	indexFn = fn
}

// IsIntel returns true if the code is running on an Intel processor.
func IsIntel() bool {
	_, ebx, ecx, edx := cpuidFn(0)
	return ebx == 0x756e6547 && // "Genu"
		edx == 0x49656e69 && // "ineI"
		ecx == 0x6c65746e // "ntel"
}
