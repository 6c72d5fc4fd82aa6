//go:build !amd64

package interrupt

// ARM64 interrupt vectoring goes through VBAR_ELx and a fixed-offset
// exception vector table rather than a patchable per-vector gate array;
// it is not exercised by any test yet (spec §9 Open Question (c)).

func decodeDescriptorAt(addr uint64) *IDTDescriptor {
	return &IDTDescriptor{Addr: addr}
}

func writeDescriptor(d *IDTDescriptor) {}

func trampolineAddr() uint64 { return 0 }
