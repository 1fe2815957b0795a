// Package multiboot parses the boot information payload that a multiboot2
// compliant bootloader hands to the kernel. The payload is the kernel's only
// configuration surface: it describes the physical memory map, the location
// of any boot-loaded modules (e.g. a ramdisk image) and its own footprint.
package multiboot

import "unsafe"

type tagType uint32

// nolint
const (
	tagMbSectionEnd tagType = iota
	tagBootCmdLine
	tagBootLoaderName
	tagModules
	tagBasicMemoryInfo
	tagBiosBootDevice
	tagMemoryMap
	tagVbeInfo
	tagFramebufferInfo
	tagElfSymbols
	tagApmTable
)

// info describes the multiboot info section header.
type info struct {
	// Total size of multiboot info section.
	totalSize uint32

	// Always set to zero; reserved for future use
	reserved uint32
}

// tagHeader describes the header that precedes each tag.
type tagHeader struct {
	// The type of the tag
	tagType tagType

	// The size of the tag including the header but *not* including any
	// padding. According to the spec, each tag starts at a 8-byte aligned
	// address.
	size uint32
}

// mmapHeader describes the header for a memory map specification.
type mmapHeader struct {
	// The size of each entry.
	entrySize uint32

	// The version of the entries that follow.
	entryVersion uint32
}

// MemoryEntryType defines the type of a MemoryMapEntry.
type MemoryEntryType uint32

const (
	// MemAvailable indicates that the memory region is available for use.
	MemAvailable MemoryEntryType = iota + 1

	// MemReserved indicates that the memory region is not available for use.
	MemReserved

	// MemAcpiReclaimable indicates a memory region that holds ACPI info that
	// can be reused by the OS.
	MemAcpiReclaimable

	// MemNvs indicates memory that must be preserved when hibernating.
	MemNvs

	// Any value >= memUnknown will be mapped to MemReserved.
	memUnknown
)

// String implements fmt.Stringer for MemoryEntryType.
func (t MemoryEntryType) String() string {
	switch t {
	case MemAvailable:
		return "available"
	case MemReserved:
		return "reserved"
	case MemAcpiReclaimable:
		return "ACPI (reclaimable)"
	case MemNvs:
		return "NVS"
	default:
		return "unknown"
	}
}

// MemRegionVisitor defines a visitor function that gets invoked by
// VisitMemRegions for each memory region provided by the boot loader. The
// visitor must return true to continue or false to abort the scan.
type MemRegionVisitor func(entry *MemoryMapEntry) bool

// MemoryMapEntry describes a memory region entry, namely its physical
// address, its length and its type. The bootloader reports regions in no
// particular order and they may extend past the 32-bit addressable limit;
// consumers must tolerate both.
type MemoryMapEntry struct {
	// The physical address for this memory region.
	PhysAddress uint64

	// The length of the memory region.
	Length uint64

	// The type of this entry.
	Type MemoryEntryType
}

// ModuleVisitor defines a visitor function that gets invoked by VisitModules
// for each module loaded by the boot loader. The visitor must return true to
// continue or false to abort the scan.
type ModuleVisitor func(entry *ModuleEntry) bool

// ModuleEntry describes a module (such as a ramdisk image) that the boot
// loader placed in physical memory on the kernel's behalf.
type ModuleEntry struct {
	// The physical address range [PhysStart, PhysEnd) occupied by the
	// module contents.
	PhysStart uint32
	PhysEnd   uint32

	// The command line string begins after the address pair. This dummy
	// field is used for obtaining a pointer to the string data.
	cmdLine [0]byte
}

var (
	infoData uintptr
)

// SetInfoPtr updates the internal multiboot information pointer to the given
// value. This function must be invoked before invoking any other function
// exported by this package.
func SetInfoPtr(ptr uintptr) {
	infoData = ptr
}

// InfoRegion returns the address and the total size of the multiboot info
// payload so that its footprint can be reserved before any frame allocation
// takes place.
func InfoRegion() (uintptr, uint32) {
	if infoData == 0 {
		return 0, 0
	}

	return infoData, (*info)(unsafe.Pointer(infoData)).totalSize
}

// VisitMemRegions will invoke the supplied visitor for each memory region that
// is defined by the multiboot info data that we received from the bootloader.
func VisitMemRegions(visitor MemRegionVisitor) {
	curPtr, size := findTagByType(tagMemoryMap)
	if size == 0 {
		return
	}

	// curPtr points to the memory map header (2 dwords long)
	ptrMapHeader := (*mmapHeader)(unsafe.Pointer(curPtr))
	endPtr := curPtr + uintptr(size)
	curPtr += 8

	var entry *MemoryMapEntry
	for curPtr != endPtr {
		entry = (*MemoryMapEntry)(unsafe.Pointer(curPtr))

		// Mark unknown entry types as reserved
		if entry.Type == 0 || entry.Type > memUnknown {
			entry.Type = MemReserved
		}

		if !visitor(entry) {
			return
		}

		curPtr += uintptr(ptrMapHeader.entrySize)
	}
}

// VisitModules will invoke the supplied visitor for each module that the
// bootloader loaded on the kernel's behalf. Unlike the memory map, module
// descriptors are spread across one tag per module.
func VisitModules(visitor ModuleVisitor) {
	visitTagsByType(tagModules, func(tagPtr uintptr, _ uint32) bool {
		return visitor((*ModuleEntry)(unsafe.Pointer(tagPtr)))
	})
}

// findTagByType scans the multiboot info data looking for the start of the
// first tag of the specified type. It returns a pointer to the tag contents
// start offset and the content length excluding the tag header.
//
// If the tag is not present in the multiboot info, findTagByType will return
// back (0,0).
func findTagByType(tagType tagType) (uintptr, uint32) {
	var (
		ptr  uintptr
		size uint32
	)

	visitTagsByType(tagType, func(tagPtr uintptr, tagSize uint32) bool {
		ptr, size = tagPtr, tagSize
		return false
	})

	return ptr, size
}

// visitTagsByType invokes the supplied function for each tag of the given
// type, passing it a pointer to the tag contents and the content length
// excluding the tag header. The function must return true to continue the
// scan.
func visitTagsByType(tagType tagType, visit func(tagPtr uintptr, size uint32) bool) {
	var ptrTagHeader *tagHeader

	curPtr := infoData + 8
	for ptrTagHeader = (*tagHeader)(unsafe.Pointer(curPtr)); ptrTagHeader.tagType != tagMbSectionEnd; ptrTagHeader = (*tagHeader)(unsafe.Pointer(curPtr)) {
		if ptrTagHeader.tagType == tagType {
			if !visit(curPtr+8, ptrTagHeader.size-8) {
				return
			}
		}

		// Tags are aligned at 8-byte aligned addresses
		curPtr += uintptr(int32(ptrTagHeader.size+7) & ^7)
	}
}
