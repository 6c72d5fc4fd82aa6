package hvcall

import "unsafe"

func addrOf(b *byte) uintptr {
	return uintptr(unsafe.Pointer(b))
}

func addrOfSlice(b []byte) uint64 {
	if len(b) == 0 {
		return 0
	}
	return uint64(addrOf(&b[0]))
}
