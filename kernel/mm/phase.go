package mm

import (
	"vireo/kernel"
	"vireo/kernel/kfmt"
)

// BootPhase tracks how far the memory system has progressed through its
// one-way boot sequence. A number of global objects (the frame allocator
// bitmap, the multiboot payload) live at fixed physical addresses and are
// reachable through different pointers before and after paging is enabled;
// every access to such state must resolve the pointer through the current
// phase instead of hardcoding one of the two.
type BootPhase uint8

const (
	// PhasePrePaging covers execution before paging is enabled. All
	// addresses are physical addresses.
	PhasePrePaging BootPhase = iota

	// PhaseIdentity covers the window where paging has been enabled but
	// the bootstrap identity mappings are still installed, so physical
	// pointers into the early-boot regions still resolve.
	PhaseIdentity

	// PhaseSteadyState begins once the identity mappings are dropped.
	// Physical regions claimed during early boot are only reachable
	// through their higher-half aliases.
	PhaseSteadyState
)

// AddressResolver translates the physical address of a global object into an
// address at which the object is reachable right now.
type AddressResolver interface {
	Resolve(phys uintptr) uintptr
}

// identityResolver is the resolver for the pre-paging and identity-mapped
// phases where physical pointers can be dereferenced directly.
type identityResolver struct{}

func (identityResolver) Resolve(phys uintptr) uintptr { return phys }

// higherHalfResolver is the steady-state resolver: early-boot physical
// regions are reachable at a fixed offset inside the kernel's half.
type higherHalfResolver struct {
	offset uintptr
}

func (r higherHalfResolver) Resolve(phys uintptr) uintptr { return phys + r.offset }

var (
	bootPhase BootPhase
	resolver  AddressResolver = identityResolver{}

	// phasePanicFn is mocked by tests.
	phasePanicFn = kfmt.Panic

	errPhaseRegression = &kernel.Error{Module: "mm", Message: "memory-system boot phase can only advance"}
)

// Phase returns the current memory-system boot phase.
func Phase() BootPhase {
	return bootPhase
}

// SetPhase advances the memory-system boot phase. Each transition is
// one-directional and happens exactly once per boot; anything else is a
// fatal sequencing bug.
func SetPhase(phase BootPhase) {
	if phase != bootPhase+1 {
		phasePanicFn(errPhaseRegression)
		return
	}

	bootPhase = phase
	if bootPhase == PhaseSteadyState {
		resolver = higherHalfResolver{offset: KernelPageOffset}
	}
}

// ResolvePhys returns the address at which a global object with the given
// physical address is currently reachable.
func ResolvePhys(phys uintptr) uintptr {
	return resolver.Resolve(phys)
}
