package parity

import "unsafe"

// addrOf returns the address of a slice's backing array, used to align
// block buffers to 64 bytes for the encode kernel.
func addrOf(b []byte) int {
	return int(uintptr(unsafe.Pointer(unsafe.SliceData(b))))
}
