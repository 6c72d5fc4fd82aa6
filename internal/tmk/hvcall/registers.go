package hvcall

import (
	"encoding/binary"

	"github.com/tinyrange/opentmk/internal/tmk/hvdef"
)

// getSetVpRegistersHeader is the fixed-size header GetVpRegisters and
// SetVpRegisters prepend to the register list in the input page.
type getSetVpRegistersHeader struct {
	PartitionID hvdef.PartitionID
	VpIndex     hvdef.VpIndex
	TargetVtl   hvdef.VtlSpec
}

const getSetVpRegistersHeaderSize = 8 + 4 + 2

func (h getSetVpRegistersHeader) encode(dst []byte) int {
	binary.LittleEndian.PutUint64(dst[0:8], uint64(h.PartitionID))
	binary.LittleEndian.PutUint32(dst[8:12], uint32(h.VpIndex))
	dst[12] = h.TargetVtl.TargetVtl
	if h.TargetVtl.UseTargetVtl {
		dst[13] = 1
	}
	return getSetVpRegistersHeaderSize
}

// GetRegister reads a single register from the calling VP at the current
// VTL.
func (h *Handle) GetRegister(name hvdef.RegisterName) (hvdef.RegisterValue, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.getRegisterLocked(name)
}

func (h *Handle) getRegisterLocked(name hvdef.RegisterName) (hvdef.RegisterValue, error) {
	buf := h.input.bytes()
	hdr := getSetVpRegistersHeader{
		PartitionID: hvdef.PartitionSelf,
		VpIndex:     hvdef.VpSelf,
		TargetVtl:   hvdef.CurrentVtl,
	}
	n := hdr.encode(buf)
	binary.LittleEndian.PutUint32(buf[n:n+4], uint32(name))

	rc := uint16(1)
	out := h.dispatch(hvdef.OpcodeGetVpRegisters, &rc)
	if err := out.Result(); err != nil {
		return hvdef.RegisterValue{}, wrap("get_register", err)
	}

	ob := h.output.bytes()
	return hvdef.RegisterValue{
		Low:  binary.LittleEndian.Uint64(ob[0:8]),
		High: binary.LittleEndian.Uint64(ob[8:16]),
	}, nil
}

// SetRegister writes a single register on the calling VP at the current
// VTL.
func (h *Handle) SetRegister(name hvdef.RegisterName, value hvdef.RegisterValue) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	buf := h.input.bytes()
	hdr := getSetVpRegistersHeader{
		PartitionID: hvdef.PartitionSelf,
		VpIndex:     hvdef.VpSelf,
		TargetVtl:   hvdef.CurrentVtl,
	}
	n := hdr.encode(buf)
	binary.LittleEndian.PutUint32(buf[n:n+4], uint32(name))
	n += 8 // name is padded to 8 bytes ahead of the 16-byte value, per TLFS HvRegisterAssoc.
	binary.LittleEndian.PutUint64(buf[n:n+8], value.Low)
	binary.LittleEndian.PutUint64(buf[n+8:n+16], value.High)

	rc := uint16(1)
	out := h.dispatch(hvdef.OpcodeSetVpRegisters, &rc)
	return wrap("set_register", out.Result())
}

// SetVpRegisters writes CR0, CR3, CR4, RIP, RSP, RFLAGS and EFER from ctx
// onto vp, optionally targeting a specific VTL rather than the calling
// one, issuing one single-register SetVpRegisters hypercall per register.
// The segment and descriptor-table registers of ctx are not written.
func (h *Handle) SetVpRegisters(vp hvdef.VpIndex, target hvdef.VtlSpec, ctx hvdef.InitialVpContext) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	buf := h.input.bytes()
	hdr := getSetVpRegistersHeader{
		PartitionID: hvdef.PartitionSelf,
		VpIndex:     vp,
		TargetVtl:   target,
	}
	hdr.encode(buf)

	// Each register from contextRegisterOps goes out as its own hypercall,
	// using the same header plus one name/value pair. Nothing in this
	// framework calls SetVpRegisters: a freshly enabled VTL gets its context
	// from EnableVpVtl/StartVirtualProcessor's own vp_context payload.
	for _, op := range contextRegisterOps(ctx) {
		n := getSetVpRegistersHeaderSize
		buf := h.input.bytes()
		hdr.encode(buf)
		binary.LittleEndian.PutUint32(buf[n:n+4], uint32(op.name))
		n += 8
		binary.LittleEndian.PutUint64(buf[n:n+8], op.value.Low)
		binary.LittleEndian.PutUint64(buf[n+8:n+16], op.value.High)

		rc := uint16(1)
		out := h.dispatch(hvdef.OpcodeSetVpRegisters, &rc)
		if err := out.Result(); err != nil {
			return wrap("set_vp_registers", err)
		}
	}
	return nil
}

type regOp struct {
	name  hvdef.RegisterName
	value hvdef.RegisterValue
}

func contextRegisterOps(ctx hvdef.InitialVpContext) []regOp {
	return []regOp{
		{hvdef.RegisterCr0, hvdef.Reg64(ctx.Cr0)},
		{hvdef.RegisterCr3, hvdef.Reg64(ctx.Cr3)},
		{hvdef.RegisterCr4, hvdef.Reg64(ctx.Cr4)},
		{hvdef.RegisterRip, hvdef.Reg64(ctx.Rip)},
		{hvdef.RegisterRsp, hvdef.Reg64(ctx.Rsp)},
		{hvdef.RegisterRflags, hvdef.Reg64(ctx.Rflags)},
		{hvdef.RegisterEfer, hvdef.Reg64(ctx.Efer)},
	}
}

// GetCurrentVtlVpContext snapshots every register named in spec §3 into an
// InitialVpContext. It only reflects the *current* VTL's live state.
func (h *Handle) GetCurrentVtlVpContext() (hvdef.InitialVpContext, error) {
	var ctx hvdef.InitialVpContext

	read := func(name hvdef.RegisterName) (hvdef.RegisterValue, error) {
		h.mu.Lock()
		v, err := h.getRegisterLocked(name)
		h.mu.Unlock()
		return v, err
	}

	fields := []struct {
		name RegisterNameTarget
		dst  *uint64
	}{
		{hvdef.RegisterCr0, &ctx.Cr0},
		{hvdef.RegisterCr3, &ctx.Cr3},
		{hvdef.RegisterCr4, &ctx.Cr4},
		{hvdef.RegisterRip, &ctx.Rip},
		{hvdef.RegisterRsp, &ctx.Rsp},
		{hvdef.RegisterRflags, &ctx.Rflags},
		{hvdef.RegisterEfer, &ctx.Efer},
	}
	for _, f := range fields {
		v, err := read(hvdef.RegisterName(f.name))
		if err != nil {
			return hvdef.InitialVpContext{}, wrap("get_current_vtl_vp_context", err)
		}
		*f.dst = v.AsU64()
	}

	segs := []struct {
		name RegisterNameTarget
		dst  *hvdef.Segment
	}{
		{hvdef.RegisterCs, &ctx.Cs},
		{hvdef.RegisterSs, &ctx.Ss},
		{hvdef.RegisterDs, &ctx.Ds},
		{hvdef.RegisterEs, &ctx.Es},
		{hvdef.RegisterFs, &ctx.Fs},
		{hvdef.RegisterGs, &ctx.Gs},
		{hvdef.RegisterTr, &ctx.Tr},
	}
	for _, f := range segs {
		v, err := read(hvdef.RegisterName(f.name))
		if err != nil {
			return hvdef.InitialVpContext{}, wrap("get_current_vtl_vp_context", err)
		}
		*f.dst = segmentFromValue(v)
	}

	tables := []struct {
		name RegisterNameTarget
		dst  *hvdef.TableRegister
	}{
		{hvdef.RegisterGdtr, &ctx.Gdtr},
		{hvdef.RegisterIdtr, &ctx.Idtr},
	}
	for _, f := range tables {
		v, err := read(hvdef.RegisterName(f.name))
		if err != nil {
			return hvdef.InitialVpContext{}, wrap("get_current_vtl_vp_context", err)
		}
		*f.dst = tableFromValue(v)
	}

	return ctx, nil
}

// RegisterNameTarget is a type alias used only to keep the field tables
// above readable; it is always a hvdef.RegisterName.
type RegisterNameTarget = hvdef.RegisterName

func segmentFromValue(v hvdef.RegisterValue) hvdef.Segment {
	return hvdef.Segment{
		Selector:   uint16(v.Low),
		Base:       v.High,
		Limit:      uint32(v.Low >> 16),
		Attributes: uint16(v.Low >> 48),
	}
}

func tableFromValue(v hvdef.RegisterValue) hvdef.TableRegister {
	return hvdef.TableRegister{
		Base:  v.High,
		Limit: uint16(v.Low),
	}
}
