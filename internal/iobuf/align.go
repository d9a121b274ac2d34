package iobuf

import "unsafe"

// uintptrOf returns the address of a slice's backing array for alignment
// arithmetic. The slice itself is retained by the caller so this does not
// outlive its backing memory.
func uintptrOf(b []byte) uintptr {
	if len(b) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&b[0]))
}
