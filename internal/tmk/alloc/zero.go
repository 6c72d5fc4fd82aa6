package alloc

import "unsafe"

// zeroBytes clears n bytes starting at addr. It is only ever called on
// memory this package itself just carved out of a page run or pool
// allocation, never on arbitrary guest memory.
func zeroBytes(addr uintptr, n int) {
	b := unsafe.Slice((*byte)(unsafe.Pointer(addr)), n)
	for i := range b {
		b[i] = 0
	}
}
