package mm

const (
	// PointerShift is equal to log2(unsafe.Sizeof(uintptr)). The pointer
	// size for this architecture is defined as (1 << PointerShift).
	PointerShift = uintptr(2)

	// PageShift is equal to log2(PageSize). This constant is used when
	// we need to convert a physical address to a page number (shift right by PageShift)
	// and vice-versa.
	PageShift = uintptr(12)

	// PageSize defines the system's page size in bytes.
	PageSize = uintptr(1 << PageShift)

	// KernelPageOffset is the virtual address where the kernel image and
	// the physical regions claimed during early boot become reachable
	// once the higher-half mappings are active. Virtual addresses below
	// it belong to user space.
	KernelPageOffset = uintptr(0xc0000000)
)
