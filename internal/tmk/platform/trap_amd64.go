//go:build amd64

package platform

// trap executes UD2, the architecture's "this should be unreachable"
// instruction, if ResetSystem somehow returns instead of resetting the
// machine.
func trap() { trapAsm() }

func trapAsm()
