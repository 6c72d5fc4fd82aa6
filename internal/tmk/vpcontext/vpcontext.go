// Package vpcontext builds the InitialVpContext snapshots the
// Orchestrator feeds to EnableVpVtl/StartVirtualProcessor when bringing a
// VP/VTL pair up for the first time. It is grounded on
// original_source/opentmk/src/uefi/hypvctx.rs's
// `run_fn_with_current_context`/`get_default_context`, and on the
// teacher's internal/hv/helpers.ProgramLoader.Run for the "snapshot then
// retarget RIP/RSP" idiom (SetLongModeWithSelectors + SetRegisters{Rip:...}).
package vpcontext

import (
	"fmt"
	"reflect"

	"github.com/tinyrange/opentmk/internal/tmk/hvdef"
)

// ContextReader is the slice of hvcall.Handle this package depends on.
// Depending on an interface rather than *hvcall.Handle keeps this package
// testable without a real or simulated hypercall dispatcher wired up.
type ContextReader interface {
	GetCurrentVtlVpContext() (hvdef.InitialVpContext, error)
}

// Allocator is the slice of alloc.Allocator this package depends on.
type Allocator interface {
	AllocAligned(size int, align uintptr) (uintptr, error)
}

const (
	stackSize  = 1 << 20
	stackAlign = 16
)

// Build snapshots the current VTL's live register state, then retargets
// RIP to entry and RSP to the top of a freshly allocated stack. It only
// snapshots the *current* VTL's live state — it is not a general-purpose
// context constructor. The snapshot comes from whichever VP/VTL calls
// Build, which need not be the VP/VTL that later runs the context.
//
// The stack is deliberately leaked: no Free call is ever issued for it.
// That is a contract, not a bug — InitialVpContext memory must outlive
// the VP/VTL using it, and this framework never tears down a VP/VTL once
// brought up.
func Build(hv ContextReader, alloc Allocator, entry func()) (hvdef.InitialVpContext, error) {
	ctx, err := hv.GetCurrentVtlVpContext()
	if err != nil {
		return hvdef.InitialVpContext{}, fmt.Errorf("opentmk: snapshot current vtl context: %w", err)
	}

	stackBase, err := alloc.AllocAligned(stackSize, stackAlign)
	if err != nil {
		return hvdef.InitialVpContext{}, fmt.Errorf("opentmk: allocate worker stack: %w", err)
	}
	stackTop := stackBase + stackSize

	ctx.Rip = uint64(reflect.ValueOf(entry).Pointer())
	ctx.Rsp = uint64(stackTop)

	return ctx, nil
}
