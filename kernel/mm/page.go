// Package mm provides the page and frame index types shared by the physical
// and virtual memory managers together with the memory-system boot phase
// singleton that both consult.
package mm

import (
	"math"

	"vireo/kernel"
)

// Frame describes a physical memory page index.
type Frame uintptr

const (
	// InvalidFrame is returned by page allocators when
	// they fail to reserve the requested frame.
	InvalidFrame = Frame(math.MaxUint32)
)

// Valid returns true if this is a valid frame.
func (f Frame) Valid() bool {
	return f != InvalidFrame
}

// Address returns a pointer to the physical memory address pointed to by this Frame.
func (f Frame) Address() uintptr {
	return uintptr(f << PageShift)
}

// FrameFromAddress returns a Frame that corresponds to
// the given physical address. This function can handle
// both page-aligned and not aligned addresses. in the
// latter case, the input address will be rounded down
// to the frame that contains it.
func FrameFromAddress(physAddr uintptr) Frame {
	return Frame((physAddr & ^(uintptr(PageSize - 1))) >> PageShift)
}

// Page describes a virtual memory page index.
type Page uintptr

// Address returns a pointer to the virtual memory address pointed to by this Page.
func (f Page) Address() uintptr {
	return uintptr(f << PageShift)
}

// PageFromAddress returns a Page that corresponds to the given virtual
// address. This function can handle both page-aligned and not aligned virtual
// addresses. in the latter case, the input address will be rounded down to the
// page that contains it.
func PageFromAddress(virtAddr uintptr) Page {
	return Page((virtAddr & ^(uintptr(PageSize - 1))) >> PageShift)
}

var (
	// frameAllocator points to a frame allocator function registered using
	// SetFrameAllocator.
	frameAllocator FrameAllocatorFn

	// frameFreer points to a frame release function registered using
	// SetFrameFreer.
	frameFreer FrameFreerFn

	errNoAllocator = &kernel.Error{Module: "mm", Message: "no frame allocator registered"}
)

// FrameAllocatorFn is a function that can allocate physical frames.
type FrameAllocatorFn func() (Frame, *kernel.Error)

// FrameFreerFn is a function that returns a previously allocated physical
// frame to its allocator.
type FrameFreerFn func(Frame) *kernel.Error

// SetFrameAllocator registers a frame allocator function that will be used by
// the vmm code when new physical frames need to be allocated.
func SetFrameAllocator(allocFn FrameAllocatorFn) { frameAllocator = allocFn }

// SetFrameFreer registers a frame release function that will be used by the
// vmm code when mapped frames are returned to the physical allocator.
func SetFrameFreer(freeFn FrameFreerFn) { frameFreer = freeFn }

// AllocFrame allocates a new physical frame using the currently registered
// physical frame allocator.
func AllocFrame() (Frame, *kernel.Error) {
	if frameAllocator == nil {
		return InvalidFrame, errNoAllocator
	}
	return frameAllocator()
}

// FreeFrame returns a physical frame to the currently registered physical
// frame allocator.
func FreeFrame(frame Frame) *kernel.Error {
	if frameFreer == nil {
		return errNoAllocator
	}
	return frameFreer(frame)
}
