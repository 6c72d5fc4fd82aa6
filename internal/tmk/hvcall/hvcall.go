// Package hvcall provides typed wrappers over the Microsoft hypervisor's
// hypercall opcodes: get/set VP registers, enable partition/VP VTL, start a
// VP, apply VTL memory protections, accept pages, VTL call/return, and
// APIC-ID-to-VP-index resolution.
//
// The actual wire encoding of a hypercall — the two 4 KiB input/output
// pages and the Control/HypercallOutput words — is out of scope for this
// framework (spec §1); it is consumed through the narrow Dispatcher
// interface. On real hardware that interface is implemented by issuing the
// architecture's hypercall instruction through the page the hypervisor
// maps at HV_X64_MSR_HYPERCALL; this repository carries no such
// implementation. Tests and cmd/opentmk use internal/tmk/sim instead.
package hvcall

import (
	"fmt"
	"sync"

	"github.com/tinyrange/opentmk/internal/tmk/hvdef"
)

// Dispatcher issues one hypercall given its control word and the
// guest-physical addresses of the input and output pages, and returns the
// hypervisor's output word. Implementations must not retain the page
// contents beyond the call — Handle reuses the same two pages for every
// invocation (spec §3, §5).
type Dispatcher interface {
	Dispatch(control hvdef.Control, inputGPA, outputGPA uint64) hvdef.HypercallOutput
}

// VtlTransition is the separate, narrower interface for the two hypercalls
// that move the calling VP between trust levels. They are modeled apart
// from Dispatcher because, unlike every other hypercall, they are not
// parameterized by a handle's cached state — the hypervisor resumes the
// other VTL and execution does not return here until that VTL transitions
// back (spec §4.3, §5).
type VtlTransition interface {
	VtlCall()
	VtlReturn(inputGPA uint64)
}

// Handle holds hypercall initialization state, the caller's current VTL
// and a pair of scratch pages, mirroring original_source's
// `HVCALL: SingleThreaded<RefCell<HvCall>>`. cmd/opentmk builds one Handle
// per simulated VP. A Handle is safe to share across the
// single-threaded-per-VP hypercall discipline described in spec §5 because
// every method takes the handle's own mutex before touching its scratch
// pages.
type Handle struct {
	mu   sync.Mutex
	disp Dispatcher
	vtl  VtlTransition

	initialized bool
	currentVtl  hvdef.Vtl

	input  page
	output page
}

// New constructs a Handle over the given Dispatcher/VtlTransition. Callers
// obtain one of each from sim (tests and cmd/opentmk).
func New(disp Dispatcher, vtl VtlTransition) *Handle {
	return &Handle{disp: disp, vtl: vtl}
}

// Initialize registers a guest-OS identity with the hypervisor and caches
// the current VTL. Safe to call twice — a second call is a no-op, matching
// original_source's `initialize()`/`uninitialize()` re-entrance contract.
func (h *Handle) Initialize() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.initLocked()
}

func (h *Handle) initLocked() error {
	if h.initialized {
		return nil
	}
	h.initialized = true

	status, err := h.getRegisterLocked(hvdef.RegisterVsmVpStatus)
	if err != nil {
		// A VP that has not yet had VTL1 enabled may not expose this
		// register meaningfully; default to Vtl0 rather than fail
		// initialization, matching original_source's map_or fallback.
		h.currentVtl = hvdef.Vtl0
		return nil
	}
	h.currentVtl = activeVtlFromStatus(status.AsU64())
	return nil
}

func activeVtlFromStatus(status uint64) hvdef.Vtl {
	// Bits [3:0] of VsmVpStatus carry the active VTL, per TLFS.
	return hvdef.Vtl(status & 0xF)
}

// Uninitialize clears the guest-OS identity. Call before transferring
// control away from this framework (e.g. into a kernel under test).
func (h *Handle) Uninitialize() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.initialized = false
}

// Vtl returns the VTL this handle believes it is currently running at. It
// is a cached value, refreshed by Handle.RefreshVtl — callers that issue
// VtlCall/VtlReturn directly (the Orchestrator) must call RefreshVtl
// afterward, per spec §4.3's closing paragraph.
func (h *Handle) Vtl() hvdef.Vtl {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.currentVtl
}

// RefreshVtl re-reads VsmVpStatus and updates the cached VTL. Called by the
// Orchestrator immediately after every VtlCall/VtlReturn.
func (h *Handle) RefreshVtl() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	status, err := h.getRegisterLocked(hvdef.RegisterVsmVpStatus)
	if err != nil {
		return err
	}
	h.currentVtl = activeVtlFromStatus(status.AsU64())
	return nil
}

// VtlCall issues HvCallVtlCall, transitioning the calling VP to the next
// higher VTL. It returns once the hypervisor re-enters this VTL.
func (h *Handle) VtlCall() {
	h.vtl.VtlCall()
}

// VtlReturn issues HvCallVtlReturn, transitioning the calling VP back to
// the next lower VTL. The input page is zeroed first because the
// hypervisor reads entry data from it (spec §4.3).
func (h *Handle) VtlReturn() {
	h.mu.Lock()
	h.input.zero()
	addr := addrOfSlice(h.input.bytes())
	h.mu.Unlock()
	h.vtl.VtlReturn(addr)
}

func (h *Handle) dispatch(code hvdef.Opcode, repCount *uint16) hvdef.HypercallOutput {
	if !h.initialized {
		// initLocked issues its own hypercall through the same input page,
		// so keep the caller's already-encoded input across it.
		saved := append([]byte(nil), h.input.bytes()...)
		_ = h.initLocked()
		copy(h.input.bytes(), saved)
	}
	var rc uint16
	if repCount != nil {
		rc = *repCount
	}
	control := hvdef.Control{Code: code, RepCount: rc}
	return h.disp.Dispatch(control, addrOfSlice(h.input.bytes()), addrOfSlice(h.output.bytes()))
}

func foldIdempotent(err error) error {
	if herr, ok := err.(hvdef.HvError); ok && herr == hvdef.HvErrorVtlAlreadyEnabled {
		return nil
	}
	return err
}

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("hvcall: %s: %w", op, err)
}
