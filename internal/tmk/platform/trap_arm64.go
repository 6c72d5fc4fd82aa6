//go:build arm64

package platform

// trap executes BRK #0, ARM64's analog of UD2.
func trap() { trapAsm() }

func trapAsm()
