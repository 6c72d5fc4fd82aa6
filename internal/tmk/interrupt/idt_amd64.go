//go:build amd64

package interrupt

import "unsafe"

// decodeDescriptorAt reinterprets the 16 bytes at a live guest-linear
// address as an IDT gate descriptor. This framework only ever runs with
// guest-physical == host-virtual addressing for its own IDT (it owns the
// page tables it boots under), so a direct unsafe.Pointer cast is valid
// here the same way hvcall/page.go casts a Go byte array to a hypercall
// input page.
func decodeDescriptorAt(addr uint64) *IDTDescriptor {
	raw := (*[idtEntrySize]byte)(unsafe.Pointer(uintptr(addr)))
	d := &IDTDescriptor{
		Addr:       addr,
		OffsetLow:  uint16(raw[0]) | uint16(raw[1])<<8,
		Selector:   uint16(raw[2]) | uint16(raw[3])<<8,
		IST:        raw[4],
		TypeAttr:   raw[5],
		OffsetMid:  uint16(raw[6]) | uint16(raw[7])<<8,
		OffsetHigh: uint32(raw[8]) | uint32(raw[9])<<8 | uint32(raw[10])<<16 | uint32(raw[11])<<24,
	}
	return d
}

// trampolineAddr returns the code address of the shared assembly
// trampoline every patched IDT gate is redirected to.
func trampolineAddr() uint64 {
	return uint64(interruptTrampolineAddr())
}

// writeDescriptor patches the live 16-byte IDT entry at d.Addr to match
// d's fields. ReadIDT returns decoded copies; SetHandler must write this
// back or the patched handler would only ever exist in the Go-side
// bookkeeping struct.
func writeDescriptor(d *IDTDescriptor) {
	raw := (*[idtEntrySize]byte)(unsafe.Pointer(uintptr(d.Addr)))
	raw[0] = byte(d.OffsetLow)
	raw[1] = byte(d.OffsetLow >> 8)
	raw[2] = byte(d.Selector)
	raw[3] = byte(d.Selector >> 8)
	raw[4] = d.IST
	raw[5] = d.TypeAttr
	raw[6] = byte(d.OffsetMid)
	raw[7] = byte(d.OffsetMid >> 8)
	raw[8] = byte(d.OffsetHigh)
	raw[9] = byte(d.OffsetHigh >> 8)
	raw[10] = byte(d.OffsetHigh >> 16)
	raw[11] = byte(d.OffsetHigh >> 24)
}
