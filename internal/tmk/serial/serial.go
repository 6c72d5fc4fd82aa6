// Package serial implements the COM-port transport logsink.Sink writes
// its JSON records to. It is out of scope as a collaborator in the sense
// spec.md §1 describes (serial/JSON log transport is named explicitly as
// external), but a complete repository still needs a concrete
// implementation behind the io.Writer boundary logsink.New expects, the
// way a real UEFI image would wire one up at boot.
package serial

import "sync"

// Port I/O addresses for the standard PC COM1 UART.
const (
	com1Base        = 0x3F8
	lineStatusOff   = 5
	lineStatusEmpty = 1 << 5
)

// Writer implements io.Writer over a single 16550-compatible UART,
// polling the line status register before each byte (no interrupt-driven
// transmit — this framework has no OS scheduler to yield to while
// waiting).
type Writer struct {
	mu   sync.Mutex
	base uint16
}

// NewCOM1 returns a Writer bound to the standard COM1 base port.
func NewCOM1() *Writer { return &Writer{base: com1Base} }

func (w *Writer) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, b := range p {
		for inb(w.base+lineStatusOff)&lineStatusEmpty == 0 {
		}
		outb(w.base, b)
	}
	return len(p), nil
}
