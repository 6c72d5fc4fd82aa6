//go:build amd64

package cpuid

// cpuidLeaf1 is implemented in cpuid_amd64.s; it issues CPUID with EAX=1
// and returns EAX, EBX, ECX, EDX.
func cpuidLeaf1() (eax, ebx, ecx, edx uint32)
