package interrupt

import (
	"fmt"

	"github.com/tinyrange/opentmk/internal/tmk/hvdef"
)

// SynIC MSR indices, from the Hyper-V TLFS.
const (
	msrSimp  = 0x40000083
	msrSint0 = 0x40000090
)

// ReadMSR issues RDMSR directly; it is a thin wrapper so callers outside
// this package (orchestrator.TestCtx.ReadMSR) don't need their own
// architecture-gated forward declarations.
func ReadMSR(n uint32) uint64 { return readMSRAsm(n) }

// WriteMSR issues WRMSR directly.
func WriteMSR(n uint32, v uint64) { writeMSRAsm(n, v) }

// PageAllocator is the slice of alloc.Allocator SetupSecureIntercept
// needs.
type PageAllocator interface {
	Alloc(size int, align uintptr) (uintptr, error)
}

// SetupSecureIntercept allocates a 4 KiB SIMP page, writes
// (gpn<<12)|1 to HV_X64_MSR_SIMP, then configures HV_X64_MSR_SINT0 with
// {vector, masked:false, autoEoi:true}. Folded into one function per
// spec's decision that SIMP + SINT0 configuration is part of a single
// "setup secure intercept" step rather than two independently callable
// ones.
func SetupSecureIntercept(a PageAllocator, vector uint8) error {
	addr, err := a.Alloc(int(hvdef.PageSize), hvdef.PageSize)
	if err != nil {
		return fmt.Errorf("opentmk: allocate simp page: %w", err)
	}
	gpn := uint64(addr) >> 12
	WriteMSR(msrSimp, (gpn<<12)|1)

	const (
		sint0Masked  = uint64(0)
		sint0AutoEoi = uint64(1) << 17
	)
	sint0 := uint64(vector) | sint0Masked | sint0AutoEoi
	WriteMSR(msrSint0, sint0)
	return nil
}
