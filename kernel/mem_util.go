package kernel

import (
	"reflect"
	"unsafe"
)

// overlayBytes returns a byte slice backed by the size bytes starting at
// addr. The caller is responsible for ensuring that the region is mapped.
func overlayBytes(addr, size uintptr) []byte {
	return *(*[]byte)(unsafe.Pointer(&reflect.SliceHeader{
		Len:  int(size),
		Cap:  int(size),
		Data: addr,
	}))
}

// Memset sets size bytes at the given address to the supplied value. Instead
// of a plain for loop, this function uses log2(size) copy calls; page table
// frames are the common target and their addresses are always aligned.
func Memset(addr uintptr, value byte, size uintptr) {
	if size == 0 {
		return
	}

	target := overlayBytes(addr, size)

	// Set the first element and make log2(size) optimized copies.
	target[0] = value
	for index := uintptr(1); index < size; index *= 2 {
		copy(target[index:], target[:index])
	}
}

// Memcopy copies size bytes from src to dst. The regions must not overlap.
func Memcopy(src, dst uintptr, size uintptr) {
	if size == 0 {
		return
	}

	copy(overlayBytes(dst, size), overlayBytes(src, size))
}
