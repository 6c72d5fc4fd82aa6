//go:build !amd64

package interrupt

func interruptTrampolineAddr() uintptr { return 0 }

func enableInterruptsAsm() {}

func readMSRAsm(msr uint32) uint64 { return 0 }

func writeMSRAsm(msr uint32, value uint64) {}
