//go:build !amd64

package cpuid

func cpuidLeaf1() (eax, ebx, ecx, edx uint32) {
	// ARM64 has no CPUID instruction; VP count there comes from the
	// GICR frame count or a device-tree property instead. Bring-up on
	// ARM64 is not exercised by any test yet (spec §9 Open Question (c)),
	// so Amd64.LogicalProcessorCount's ARM64 build simply reports zero
	// rather than guessing at a topology source.
	return 0, 0, 0, 0
}
