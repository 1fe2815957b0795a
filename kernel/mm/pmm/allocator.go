// Package pmm implements the physical frame allocator: a single bitmap
// spanning every 4 KiB frame of RAM up to the highest usable physical
// address, guarded by one interrupt-suspending spinlock.
//
// The allocator is initialized with paging disabled and keeps working after
// paging is enabled; the only state that cares about the transition is the
// bitmap storage pointer, which is rebased exactly once via FixupToVirt.
package pmm

import (
	"reflect"
	"unsafe"

	"vireo/kernel"
	"vireo/kernel/bitmap"
	"vireo/kernel/hal/multiboot"
	"vireo/kernel/kfmt"
	"vireo/kernel/mm"
	"vireo/kernel/sync"
)

const (
	// lowMemFrameCount is the number of frames below the 1 MiB boundary.
	// Legacy structures such as the AP trampoline must be allocated from
	// this window because real-mode code cannot address anything above it.
	lowMemFrameCount = uint32(0x100000 >> 12)

	// maxPhysAddress is the first physical address this 32-bit design
	// cannot reach. Memory map regions at or above it are ignored.
	maxPhysAddress = uint64(1) << 32
)

// Error codes reported alongside the recoverable allocator errors.
const (
	CodeOutOfMemory uint32 = iota + 1
	CodeLowMemExhausted
	CodeNoContiguousRegion
	CodeNoUsableMemory
)

var (
	// ErrOutOfMemory is returned by AllocFrame when every frame is in
	// use. Callers are expected to treat this as a recoverable condition.
	ErrOutOfMemory = &kernel.Error{Module: "pmm", Message: "out of physical memory", Code: CodeOutOfMemory}

	// ErrLowMemExhausted is returned by AllocFrameLowMem when no frame
	// below the 1 MiB boundary is free. Low-memory requests never fall
	// back to the rest of RAM.
	ErrLowMemExhausted = &kernel.Error{Module: "pmm", Message: "no free frame below the 1MB boundary", Code: CodeLowMemExhausted}

	errNoContiguousRegion = &kernel.Error{Module: "pmm", Message: "no contiguous physical region large enough for the request", Code: CodeNoContiguousRegion}
	errNoUsableMemory     = &kernel.Error{Module: "pmm", Message: "memory map reports no usable memory", Code: CodeNoUsableMemory}

	errUnalignedAddress = &kernel.Error{Module: "pmm", Message: "physical address is not page-aligned"}

	// panicFn is mocked by tests.
	panicFn = kfmt.Panic

	// storageFn overlays a word slice on top of the physical region that
	// backs the allocator bitmap. Tests override it to substitute plain
	// Go slices for raw memory.
	storageFn = func(physAddr uintptr, wordCount uint32) []uint32 {
		return *(*[]uint32)(unsafe.Pointer(&reflect.SliceHeader{
			Len:  int(wordCount),
			Cap:  int(wordCount),
			Data: mm.ResolvePhys(physAddr),
		}))
	}

	// frameAllocator is the singleton instance that serves all frame
	// reservations while the kernel runs.
	frameAllocator allocator
)

// frameRange describes an inclusive range of physical frames.
type frameRange struct {
	start, end mm.Frame
}

// contains returns true if the range includes the supplied frame.
func (r frameRange) contains(frame mm.Frame) bool {
	return frame >= r.start && frame <= r.end
}

// allocator tracks used/free state for every physical frame using a single
// bitmap whose backing storage is itself carved out of physical memory.
type allocator struct {
	mu sync.IrqSpinlock

	bitmap      bitmap.Bitmap
	totalFrames uint32

	// storagePhys and storageFrames describe the physical region that
	// holds the bitmap words.
	storagePhys   uintptr
	storageFrames uint32
	fixedUp       bool

	// The kernel image footprint, recorded at init time.
	kernelRange frameRange

	// simulateOOM forces every subsequent allocation to fail so that
	// callers' out-of-memory paths can be fault-injected.
	simulateOOM bool
}

// Init sets up the physical frame allocator. It must be invoked exactly once
// while paging is still disabled, before any other function in this package.
//
// The bitmap covering all of RAM has to live somewhere in that same RAM
// before any allocator exists to place it; Init resolves the circularity by
// running a contiguous-region search directly against the boot memory map,
// treating the bitmap's own future location as one more reservation. The
// bitmap then starts with every frame marked used, the regions the
// bootloader reports as available are cleared, and the known-occupied ranges
// (kernel image, the bitmap storage itself, the boot info record and any
// boot-loaded modules) are marked used again. The two-pass ordering matters:
// the available ranges reported by the bootloader overlap all of these in
// practice.
func Init(kernelStart, kernelEnd uintptr) *kernel.Error {
	return frameAllocator.init(kernelStart, kernelEnd)
}

func (alloc *allocator) init(kernelStart, kernelEnd uintptr) *kernel.Error {
	pageSizeMinus1 := uintptr(mm.PageSize - 1)
	alloc.kernelRange = frameRange{
		start: mm.Frame((kernelStart & ^pageSizeMinus1) >> mm.PageShift),
		end:   mm.Frame(((kernelEnd+pageSizeMinus1) & ^pageSizeMinus1)>>mm.PageShift) - 1,
	}

	alloc.printMemoryMap(kernelStart, kernelEnd)

	maxAddr := highestUsableAddress()
	if maxAddr == 0 {
		return errNoUsableMemory
	}
	alloc.totalFrames = uint32((maxAddr + uint64(mm.PageSize) - 1) >> mm.PageShift)

	// Place the bitmap storage.
	wordCount := bitmap.WordsFor(alloc.totalFrames)
	storageBytes := uintptr(wordCount) << 2
	alloc.storageFrames = uint32((storageBytes + pageSizeMinus1) >> mm.PageShift)

	storageStart, err := alloc.findContiguousFrames(alloc.storageFrames)
	if err != nil {
		return err
	}
	alloc.storagePhys = storageStart.Address()
	alloc.fixedUp = false

	// Pass 1: nothing is free.
	alloc.bitmap.Init(alloc.totalFrames, storageFn(alloc.storagePhys, wordCount), true)

	// Pass 2: free every frame the bootloader reports as available.
	multiboot.VisitMemRegions(func(region *multiboot.MemoryMapEntry) bool {
		start, end, ok := clampRegion(region)
		if !ok {
			return true
		}

		for frame := start; frame <= end; frame++ {
			alloc.bitmap.Unset(uint32(frame))
		}
		return true
	})

	// Pass 3: re-reserve the ranges that are known to be occupied.
	alloc.markUsedRange(alloc.kernelRange)
	alloc.markUsedRange(frameRange{
		start: storageStart,
		end:   storageStart + mm.Frame(alloc.storageFrames) - 1,
	})

	if infoStart, infoSize := multiboot.InfoRegion(); infoSize != 0 {
		alloc.markUsedRange(frameRange{
			start: mm.FrameFromAddress(infoStart),
			end:   mm.FrameFromAddress(infoStart + uintptr(infoSize) - 1),
		})
	}

	multiboot.VisitModules(func(module *multiboot.ModuleEntry) bool {
		if module.PhysEnd > module.PhysStart {
			alloc.markUsedRange(frameRange{
				start: mm.FrameFromAddress(uintptr(module.PhysStart)),
				end:   mm.FrameFromAddress(uintptr(module.PhysEnd) - 1),
			})
		}
		return true
	})

	mm.SetFrameAllocator(allocFrameHook)
	mm.SetFrameFreer(freeFrameHook)

	return nil
}

// FixupToVirt rebases the bitmap storage pointer from physical to virtual
// addressing. It must be called exactly once, right after the memory system
// enters its steady state; a second call is a sequencing bug.
func FixupToVirt() {
	frameAllocator.fixupToVirt()
}

func (alloc *allocator) fixupToVirt() {
	if alloc.fixedUp {
		panicFn(&kernel.Error{Module: "pmm", Message: "bitmap storage pointer already fixed up"})
		return
	}

	alloc.fixedUp = true
	alloc.bitmap.Rebind(storageFn(alloc.storagePhys, bitmap.WordsFor(alloc.totalFrames)))
}

// AllocFrame reserves the first free frame and returns it. If no free frame
// exists (or OOM simulation is active), mm.InvalidFrame is returned together
// with ErrOutOfMemory; running out of physical memory is a recoverable
// condition that callers must handle.
func AllocFrame() (mm.Frame, *kernel.Error) {
	return frameAllocator.allocFrame()
}

func (alloc *allocator) allocFrame() (mm.Frame, *kernel.Error) {
	alloc.mu.Acquire()
	defer alloc.mu.Release()

	if alloc.simulateOOM {
		return mm.InvalidFrame, ErrOutOfMemory
	}

	index := alloc.bitmap.SetNextBit(0)
	if index == bitmap.NotFound {
		return mm.InvalidFrame, ErrOutOfMemory
	}

	return mm.Frame(index), nil
}

// AllocFrameLowMem reserves the first free frame below the 1 MiB boundary.
// The search never climbs above the boundary; if low memory is exhausted,
// ErrLowMemExhausted is returned even when plenty of high frames are free.
func AllocFrameLowMem() (mm.Frame, *kernel.Error) {
	return frameAllocator.allocFrameLowMem()
}

func (alloc *allocator) allocFrameLowMem() (mm.Frame, *kernel.Error) {
	alloc.mu.Acquire()
	defer alloc.mu.Release()

	if alloc.simulateOOM {
		return mm.InvalidFrame, ErrOutOfMemory
	}

	// The scan is first-fit in ascending order, so the returned index is
	// the lowest free frame overall; if it lands above the boundary no
	// free low-memory frame exists and the reservation must be undone.
	index := alloc.bitmap.SetNextBit(0)
	if index == bitmap.NotFound {
		return mm.InvalidFrame, ErrOutOfMemory
	}
	if index >= lowMemFrameCount {
		alloc.bitmap.Unset(index)
		return mm.InvalidFrame, ErrLowMemExhausted
	}

	return mm.Frame(index), nil
}

// FreeFrame returns a frame to the allocator. Freeing a frame that is not
// currently allocated is a fatal contract violation (the bitmap traps the
// double free).
func FreeFrame(frame mm.Frame) *kernel.Error {
	return frameAllocator.freeFrame(frame)
}

func (alloc *allocator) freeFrame(frame mm.Frame) *kernel.Error {
	alloc.mu.Acquire()
	defer alloc.mu.Release()

	alloc.bitmap.Unset(uint32(frame))
	return nil
}

// FreeFrameAddress releases the frame that starts at the supplied physical
// address. A non page-aligned address is a fatal contract violation.
func FreeFrameAddress(physAddr uintptr) *kernel.Error {
	if physAddr&uintptr(mm.PageSize-1) != 0 {
		panicFn(errUnalignedAddress)
		return errUnalignedAddress
	}

	return FreeFrame(mm.FrameFromAddress(physAddr))
}

// TotalFrames returns the number of physical frames tracked by the
// allocator, i.e. the highest usable physical address in page units. The
// bootstrap code uses it to size the kernel's linear mapping window.
func TotalFrames() uint32 {
	return frameAllocator.totalFrames
}

// FramesAllocated returns the number of frames currently marked as used,
// including the boot-time reservations. Tests use it for leak detection.
func FramesAllocated() uint32 {
	return frameAllocator.framesAllocated()
}

func (alloc *allocator) framesAllocated() uint32 {
	alloc.mu.Acquire()
	defer alloc.mu.Release()

	return alloc.bitmap.Size() - alloc.bitmap.Free()
}

// SetOOMSimulation toggles out-of-memory simulation. While enabled, every
// allocation fails with ErrOutOfMemory without touching the bitmap; frees
// keep working so fault-injection tests can unwind partial allocations.
func SetOOMSimulation(enabled bool) {
	frameAllocator.mu.Acquire()
	frameAllocator.simulateOOM = enabled
	frameAllocator.mu.Release()
}

// markUsedRange marks every frame in the range as used. Unlike bitmap.Set,
// frames that never became available (because they were outside any usable
// region) are silently skipped; the known-occupied ranges routinely straddle
// both kinds.
func (alloc *allocator) markUsedRange(r frameRange) {
	for frame := r.start; frame <= r.end; frame++ {
		if uint32(frame) >= alloc.totalFrames {
			return
		}
		if !alloc.bitmap.Bit(uint32(frame)) {
			alloc.bitmap.Set(uint32(frame))
		}
	}
}

// findContiguousFrames locates a physically contiguous run of frameCount
// free frames by walking the boot memory map directly, skipping the ranges
// already known to be occupied (kernel image, boot info record, modules). It
// is used before the bitmap exists and never mutates any allocator state.
func (alloc *allocator) findContiguousFrames(frameCount uint32) (mm.Frame, *kernel.Error) {
	var (
		reserved = alloc.reservedRanges()
		found    = mm.InvalidFrame
	)

	multiboot.VisitMemRegions(func(region *multiboot.MemoryMapEntry) bool {
		start, end, ok := clampRegion(region)
		if !ok {
			return true
		}

		runStart := start
		for frame := start; frame <= end; frame++ {
			if reservedContain(reserved, frame) {
				runStart = frame + 1
				continue
			}

			if uint32(frame-runStart)+1 == frameCount {
				found = runStart
				return false
			}
		}
		return true
	})

	if !found.Valid() {
		return mm.InvalidFrame, errNoContiguousRegion
	}

	return found, nil
}

// reservedRanges collects the frame ranges that are already claimed before
// the bitmap exists.
func (alloc *allocator) reservedRanges() []frameRange {
	var ranges []frameRange

	if alloc.kernelRange.end >= alloc.kernelRange.start && alloc.kernelRange.end != ^mm.Frame(0) {
		ranges = append(ranges, alloc.kernelRange)
	}

	if infoStart, infoSize := multiboot.InfoRegion(); infoSize != 0 {
		ranges = append(ranges, frameRange{
			start: mm.FrameFromAddress(infoStart),
			end:   mm.FrameFromAddress(infoStart + uintptr(infoSize) - 1),
		})
	}

	multiboot.VisitModules(func(module *multiboot.ModuleEntry) bool {
		if module.PhysEnd > module.PhysStart {
			ranges = append(ranges, frameRange{
				start: mm.FrameFromAddress(uintptr(module.PhysStart)),
				end:   mm.FrameFromAddress(uintptr(module.PhysEnd) - 1),
			})
		}
		return true
	})

	return ranges
}

func reservedContain(ranges []frameRange, frame mm.Frame) bool {
	for _, r := range ranges {
		if r.contains(frame) {
			return true
		}
	}
	return false
}

// clampRegion converts an available memory map region into an inclusive
// frame range, rounding the start up and the end down to page boundaries and
// clamping it at the 32-bit addressable limit. ok is false if the region is
// reserved, too small to contain a whole frame or entirely out of reach.
func clampRegion(region *multiboot.MemoryMapEntry) (start, end mm.Frame, ok bool) {
	if region.Type != multiboot.MemAvailable {
		return 0, 0, false
	}

	regionStart := region.PhysAddress
	regionEnd := region.PhysAddress + region.Length
	if regionStart >= maxPhysAddress {
		return 0, 0, false
	}
	if regionEnd > maxPhysAddress {
		regionEnd = maxPhysAddress
	}

	pageSizeMinus1 := uint64(mm.PageSize - 1)
	firstFrame := ((regionStart + pageSizeMinus1) & ^pageSizeMinus1) >> mm.PageShift
	lastFrame := (regionEnd & ^pageSizeMinus1) >> mm.PageShift

	if lastFrame <= firstFrame {
		return 0, 0, false
	}

	return mm.Frame(firstFrame), mm.Frame(lastFrame - 1), true
}

// highestUsableAddress returns the highest physical address covered by an
// available memory region, clamped to the 32-bit limit. It returns 0 if the
// memory map contains no usable region.
func highestUsableAddress() uint64 {
	var max uint64

	multiboot.VisitMemRegions(func(region *multiboot.MemoryMapEntry) bool {
		if region.Type != multiboot.MemAvailable || region.PhysAddress >= maxPhysAddress {
			return true
		}

		end := region.PhysAddress + region.Length
		if end > maxPhysAddress {
			end = maxPhysAddress
		}
		if end > max {
			max = end
		}
		return true
	})

	return max
}

// printMemoryMap dumps the memory map reported by the bootloader together
// with the kernel image footprint.
func (alloc *allocator) printMemoryMap(kernelStart, kernelEnd uintptr) {
	kfmt.Printf("[pmm] system memory map:\n")

	var totalFree uint64
	multiboot.VisitMemRegions(func(region *multiboot.MemoryMapEntry) bool {
		kfmt.Printf("\t[0x%10x - 0x%10x], size: %10d, type: %s\n",
			region.PhysAddress, region.PhysAddress+region.Length, region.Length, region.Type.String())

		if region.Type == multiboot.MemAvailable {
			totalFree += region.Length
		}
		return true
	})

	kfmt.Printf("[pmm] available memory: %dKb\n", totalFree/1024)
	kfmt.Printf("[pmm] kernel loaded at 0x%x - 0x%x\n", kernelStart, kernelEnd)
	kfmt.Printf("[pmm] size: %d bytes, reserved pages: %d\n",
		uint64(kernelEnd-kernelStart),
		uint64(alloc.kernelRange.end-alloc.kernelRange.start+1),
	)
}

// The following hooks are registered with the mm package instead of the
// allocator methods themselves. Passing the methods directly confuses the
// compiler's escape analysis into thinking the allocator escapes to heap.
func allocFrameHook() (mm.Frame, *kernel.Error) {
	return frameAllocator.allocFrame()
}

func freeFrameHook(frame mm.Frame) *kernel.Error {
	return frameAllocator.freeFrame(frame)
}
