//go:build amd64

package interrupt

// interruptTrampolineAddr returns the entry address of interruptTrampoline,
// which is implemented in trampoline_amd64.s: it saves the fifteen
// general-purpose registers, calls dispatch(vector), restores them, and
// issues IRETQ. XMM registers are not saved or restored, so a handler that
// uses them clobbers the interrupted code's values. The trampoline is
// genuinely architecture-specific machine code —
// the spec explicitly forbids expressing an interrupt handler's
// register-saving preamble in a portable manner.
func interruptTrampolineAddr() uintptr

// enableInterruptsAsm issues STI.
func enableInterruptsAsm()

// readMSRAsm issues RDMSR for msr and returns the 64-bit value in EDX:EAX.
func readMSRAsm(msr uint32) uint64

// writeMSRAsm issues WRMSR, writing value to msr.
func writeMSRAsm(msr uint32, value uint64)
