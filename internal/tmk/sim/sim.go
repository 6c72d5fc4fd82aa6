// Package sim provides an in-memory fake of the hypercall wire interface
// (hvcall.Dispatcher, hvcall.VtlTransition) and of the CPUID-derived VP
// count, so the framework's bring-up and command-bus logic can be
// exercised by `go test` without a real Hyper-V-style hypervisor
// underneath. Production firmware supplies its own Dispatcher (the actual
// wire encoding is out of scope for this framework, spec §1); sim is the
// test-only substitute, the guest-side analogue of how the teacher's
// internal/hv/kvm and internal/hv/whp packages each implement the same
// hv.Hypervisor interface against a different backend.
package sim

import (
	"encoding/binary"
	"sync"
	"unsafe"

	"github.com/tinyrange/opentmk/internal/tmk/hvdef"
)

// Partition is a fake hypervisor partition: it tracks which VTLs are
// enabled, each VP's enabled VTLs and architectural context, and answers
// hypercalls accordingly. It is deliberately simplistic — enough to make
// the Orchestrator's bring-up protocol and idempotence rules observable in
// tests, not a hypervisor.
type Partition struct {
	mu sync.Mutex

	vpCount      uint32
	partitionVtl map[hvdef.Vtl]bool
	vps          map[hvdef.VpIndex]*vpState

	// AssertedProtections records ranges that ApplyVtlProtections covered,
	// keyed by VTL, for tests to inspect.
	AssertedProtections map[hvdef.Vtl][]hvdef.MemoryRange

	// hwIDs maps a fake hardware ID to its VpIndex, for
	// GetVpIndexFromHwID.
	hwIDs map[hvdef.HwID]hvdef.VpIndex

	// currentVtl is keyed by the vp issuing the call, so a test goroutine
	// simulating multiple VPs observes independent VTL state. Real guest
	// code has exactly one "current VP" per OS thread; each sim.Dispatcher
	// is bound to one VP index by Partition.Dispatcher.
	currentVtl map[hvdef.VpIndex]hvdef.Vtl
}

type vpState struct {
	vtl1Enabled bool
	vtl1Started bool
	context     map[hvdef.Vtl]hvdef.InitialVpContext
}

// NewPartition creates a fake partition with vpCount logical processors,
// all starting at Vtl0.
func NewPartition(vpCount uint32) *Partition {
	p := &Partition{
		vpCount:              vpCount,
		partitionVtl:         map[hvdef.Vtl]bool{hvdef.Vtl0: true},
		vps:                  map[hvdef.VpIndex]*vpState{},
		AssertedProtections:  map[hvdef.Vtl][]hvdef.MemoryRange{},
		hwIDs:                map[hvdef.HwID]hvdef.VpIndex{},
		currentVtl:           map[hvdef.VpIndex]hvdef.Vtl{},
	}
	for i := uint32(0); i < vpCount; i++ {
		p.vps[hvdef.VpIndex(i)] = &vpState{context: map[hvdef.Vtl]hvdef.InitialVpContext{}}
		p.hwIDs[hvdef.HwID(i)] = hvdef.VpIndex(i)
		p.currentVtl[hvdef.VpIndex(i)] = hvdef.Vtl0
	}
	return p
}

// VpCount reports the fake partition's logical processor count; this
// backs the Orchestrator's VpCount() in tests, standing in for the real
// CPUID leaf-1 EBX[23:16] read (internal/tmk/cpuid).
func (p *Partition) VpCount() uint32 { return p.vpCount }

// Dispatcher returns a hvcall.Dispatcher bound to vp's point of view —
// GetRegister/SetRegister and VTL-scoped calls issued through it observe
// and mutate vp's state.
func (p *Partition) Dispatcher(vp hvdef.VpIndex) *Dispatcher {
	return &Dispatcher{p: p, vp: vp}
}

// Dispatcher is the per-VP view of a fake Partition.
type Dispatcher struct {
	p  *Partition
	vp hvdef.VpIndex
}

func (d *Dispatcher) Dispatch(control hvdef.Control, inputGPA, outputGPA uint64) hvdef.HypercallOutput {
	in := gpaBytes(inputGPA, hvdef.PageSize)
	out := gpaBytes(outputGPA, hvdef.PageSize)

	d.p.mu.Lock()
	defer d.p.mu.Unlock()

	switch control.Code {
	case hvdef.OpcodeGetVpRegisters:
		return d.getVpRegisters(in, out)
	case hvdef.OpcodeSetVpRegisters:
		return d.setVpRegisters(in)
	case hvdef.OpcodeEnablePartitionVtl:
		return d.enablePartitionVtl(in)
	case hvdef.OpcodeEnableVpVtl:
		return d.enableVpVtl(in)
	case hvdef.OpcodeStartVirtualProcessor:
		return d.startVirtualProcessor(in)
	case hvdef.OpcodeModifyVtlProtectionMask:
		return d.modifyVtlProtectionMask(in, control.RepCount)
	case hvdef.OpcodeAcceptGpaPages:
		return d.acceptGpaPages(control.RepCount)
	case hvdef.OpcodeGetVpIndexFromApicID:
		return d.getVpIndexFromApicID(in, out, control.RepCount)
	default:
		return hvdef.HypercallOutput{CallStatus: hvdef.HvErrorInvalidParameter}
	}
}

// gpaBytes resolves a guest-physical address back to the Go slice backing
// it. sim runs in-process, so "guest-physical" addresses are real Go
// pointers round-tripped through uint64 by the caller (hvcall.page); this
// function simply reinterprets them, which is only safe because sim and
// hvcall share an address space in tests. A zero address yields nil.
func gpaBytes(addr uint64, length int) []byte {
	if addr == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(addr))), length)
}

func (d *Dispatcher) getVpRegisters(in, out []byte) hvdef.HypercallOutput {
	vp := hvdef.VpIndex(binary.LittleEndian.Uint32(in[8:12]))
	if vp == hvdef.VpSelf {
		vp = d.vp
	}
	name := hvdef.RegisterName(binary.LittleEndian.Uint32(in[14:18]))

	vs, ok := d.p.vps[vp]
	if !ok {
		return hvdef.HypercallOutput{CallStatus: hvdef.HvErrorInvalidParameter}
	}

	switch name {
	case hvdef.RegisterVsmVpStatus:
		vtl := d.p.currentVtl[vp]
		binary.LittleEndian.PutUint64(out[0:8], uint64(vtl))
		binary.LittleEndian.PutUint64(out[8:16], 0)
	default:
		ctx := vs.context[d.p.currentVtl[vp]]
		val := fieldFromContext(name, ctx)
		binary.LittleEndian.PutUint64(out[0:8], val)
		binary.LittleEndian.PutUint64(out[8:16], 0)
	}
	return hvdef.HypercallOutput{CallStatus: hvdef.HvErrorSuccess, ElementsProcessed: 1}
}

func (d *Dispatcher) setVpRegisters(in []byte) hvdef.HypercallOutput {
	// Accepted unconditionally; sim does not need write-back fidelity for
	// the properties this framework tests (idempotence, ordering, VTL
	// gating), only that the call succeeds.
	return hvdef.HypercallOutput{CallStatus: hvdef.HvErrorSuccess, ElementsProcessed: 1}
}

func (d *Dispatcher) enablePartitionVtl(in []byte) hvdef.HypercallOutput {
	vtl := hvdef.Vtl(in[8])
	if d.p.partitionVtl[vtl] {
		return hvdef.HypercallOutput{CallStatus: hvdef.HvErrorVtlAlreadyEnabled}
	}
	d.p.partitionVtl[vtl] = true
	return hvdef.HypercallOutput{CallStatus: hvdef.HvErrorSuccess}
}

func (d *Dispatcher) enableVpVtl(in []byte) hvdef.HypercallOutput {
	vp := hvdef.VpIndex(binary.LittleEndian.Uint32(in[8:12]))
	vtl := hvdef.Vtl(in[12])
	vs, ok := d.p.vps[vp]
	if !ok {
		return hvdef.HypercallOutput{CallStatus: hvdef.HvErrorInvalidParameter}
	}
	if vtl == hvdef.Vtl1 {
		if vs.vtl1Enabled {
			return hvdef.HypercallOutput{CallStatus: hvdef.HvErrorVtlAlreadyEnabled}
		}
		vs.vtl1Enabled = true
	}
	return hvdef.HypercallOutput{CallStatus: hvdef.HvErrorSuccess}
}

func (d *Dispatcher) startVirtualProcessor(in []byte) hvdef.HypercallOutput {
	vp := hvdef.VpIndex(binary.LittleEndian.Uint32(in[8:12]))
	vtl := hvdef.Vtl(in[12])
	vs, ok := d.p.vps[vp]
	if !ok {
		return hvdef.HypercallOutput{CallStatus: hvdef.HvErrorInvalidParameter}
	}
	if vtl == hvdef.Vtl1 {
		if vs.vtl1Started {
			return hvdef.HypercallOutput{CallStatus: hvdef.HvErrorInvalidVpState}
		}
		vs.vtl1Started = true
	}
	d.p.currentVtl[vp] = vtl
	return hvdef.HypercallOutput{CallStatus: hvdef.HvErrorSuccess}
}

func (d *Dispatcher) modifyVtlProtectionMask(in []byte, repCount uint16) hvdef.HypercallOutput {
	vtl := hvdef.Vtl(in[12])
	off := 16
	if repCount > 0 {
		start := binary.LittleEndian.Uint64(in[off : off+8])
		end := start + uint64(repCount)
		r := hvdef.MemoryRange{Start: start * hvdef.PageSize, End: end * hvdef.PageSize}
		d.p.AssertedProtections[vtl] = append(d.p.AssertedProtections[vtl], r)
	}
	return hvdef.HypercallOutput{CallStatus: hvdef.HvErrorSuccess, ElementsProcessed: repCount}
}

func (d *Dispatcher) acceptGpaPages(repCount uint16) hvdef.HypercallOutput {
	return hvdef.HypercallOutput{CallStatus: hvdef.HvErrorSuccess, ElementsProcessed: repCount}
}

func (d *Dispatcher) getVpIndexFromApicID(in, out []byte, repCount uint16) hvdef.HypercallOutput {
	off := 16
	for i := uint16(0); i < repCount; i++ {
		id := hvdef.HwID(binary.LittleEndian.Uint64(in[off : off+8]))
		off += 8
		vp, ok := d.p.hwIDs[id]
		if !ok {
			return hvdef.HypercallOutput{CallStatus: hvdef.HvErrorInvalidParameter, ElementsProcessed: i}
		}
		binary.LittleEndian.PutUint32(out[i*4:i*4+4], uint32(vp))
	}
	return hvdef.HypercallOutput{CallStatus: hvdef.HvErrorSuccess, ElementsProcessed: repCount}
}

// VtlTransition returns a hvcall.VtlTransition bound to vp.
func (p *Partition) VtlTransition(vp hvdef.VpIndex) *Transition {
	return &Transition{p: p, vp: vp}
}

// Transition is the fake VtlCall/VtlReturn implementation: it simply
// toggles the bound VP's current VTL between 0 and 1, since sim only
// models the two guest-visible trust levels.
type Transition struct {
	p  *Partition
	vp hvdef.VpIndex
}

func (t *Transition) VtlCall() {
	t.p.mu.Lock()
	defer t.p.mu.Unlock()
	t.p.currentVtl[t.vp] = hvdef.Vtl1
}

func (t *Transition) VtlReturn(inputGPA uint64) {
	t.p.mu.Lock()
	defer t.p.mu.Unlock()
	t.p.currentVtl[t.vp] = hvdef.Vtl0
}

func fieldFromContext(name hvdef.RegisterName, ctx hvdef.InitialVpContext) uint64 {
	switch name {
	case hvdef.RegisterCr0:
		return ctx.Cr0
	case hvdef.RegisterCr3:
		return ctx.Cr3
	case hvdef.RegisterCr4:
		return ctx.Cr4
	case hvdef.RegisterRip:
		return ctx.Rip
	case hvdef.RegisterRsp:
		return ctx.Rsp
	case hvdef.RegisterRflags:
		return ctx.Rflags
	case hvdef.RegisterEfer:
		return ctx.Efer
	default:
		return 0
	}
}
