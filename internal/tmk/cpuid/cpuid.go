// Package cpuid reads the logical-processor count directly out of CPUID
// leaf 1, the way a guest determines VP count without a hypercall
// (original_source's `get_vp_count` issues a raw `cpuid` instruction; there
// is no HvCall opcode for this).
package cpuid

// Counter reports the number of logical processors visible to CPUID.
// Amd64 implements it. The Orchestrator does not use it: orchestrator.New
// takes the VP count as a plain number.
type Counter interface {
	LogicalProcessorCount() uint32
}

// Amd64 is the real, architecture-specific implementation: CPUID leaf 1,
// EBX bits [23:16].
type Amd64 struct{}

func (Amd64) LogicalProcessorCount() uint32 {
	_, ebx, _, _ := cpuidLeaf1()
	return (ebx >> 16) & 0xFF
}
