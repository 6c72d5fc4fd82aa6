//go:build !amd64

package serial

// ARM64 has no port-I/O instruction space; a real ARM64 build would talk
// to a memory-mapped PL011 UART instead. Not exercised by any test yet
// (spec §9 Open Question (c)).
func inb(port uint16) byte        { return 0xFF }
func outb(port uint16, value byte) {}
