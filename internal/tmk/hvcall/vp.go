package hvcall

import (
	"encoding/binary"

	"github.com/tinyrange/opentmk/internal/tmk/hvdef"
)

// EnablePartitionVtl enables target on the given partition. Idempotent:
// HvErrorVtlAlreadyEnabled is folded into success, matching
// original_source's `Ok(()) | Err(VtlAlreadyEnabled) => Ok(())`.
func (h *Handle) EnablePartitionVtl(partition hvdef.PartitionID, target hvdef.Vtl) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	buf := h.input.bytes()
	binary.LittleEndian.PutUint64(buf[0:8], uint64(partition))
	buf[8] = byte(target)

	out := h.dispatch(hvdef.OpcodeEnablePartitionVtl, nil)
	return wrap("enable_partition_vtl", foldIdempotent(out.Result()))
}

// EnableVpVtl enables target on vp, optionally seeding its initial
// architectural context. Idempotent like EnablePartitionVtl.
func (h *Handle) EnableVpVtl(vp hvdef.VpIndex, target hvdef.Vtl, ctx *hvdef.InitialVpContext) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	buf := h.input.bytes()
	binary.LittleEndian.PutUint64(buf[0:8], uint64(hvdef.PartitionSelf))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(vp))
	buf[12] = byte(target)
	encodeContext(buf[16:], ctx)

	out := h.dispatch(hvdef.OpcodeEnableVpVtl, nil)
	return wrap("enable_vp_vtl", foldIdempotent(out.Result()))
}

// StartVirtualProcessor starts vp running at target with the given
// initial context. Not idempotent — a duplicate start is fatal, and
// callers (the Orchestrator) are expected to panic on a non-nil error
// here, matching original_source's unconditional
// `panic!("Failed to start virtual processor: {:?}", err)`.
func (h *Handle) StartVirtualProcessor(vp hvdef.VpIndex, target hvdef.Vtl, ctx *hvdef.InitialVpContext) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	buf := h.input.bytes()
	binary.LittleEndian.PutUint64(buf[0:8], uint64(hvdef.PartitionSelf))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(vp))
	buf[12] = byte(target)
	encodeContext(buf[16:], ctx)

	out := h.dispatch(hvdef.OpcodeStartVirtualProcessor, nil)
	return wrap("start_virtual_processor", out.Result())
}

func encodeContext(dst []byte, ctx *hvdef.InitialVpContext) {
	if ctx == nil {
		return
	}
	binary.LittleEndian.PutUint64(dst[0:8], ctx.Cr0)
	binary.LittleEndian.PutUint64(dst[8:16], ctx.Cr3)
	binary.LittleEndian.PutUint64(dst[16:24], ctx.Cr4)
	binary.LittleEndian.PutUint64(dst[24:32], ctx.Rip)
	binary.LittleEndian.PutUint64(dst[32:40], ctx.Rsp)
	binary.LittleEndian.PutUint64(dst[40:48], ctx.Rflags)
	binary.LittleEndian.PutUint64(dst[48:56], ctx.Efer)
}

const modifyVtlProtectionMaskHeaderSize = 8 + 4 + 1 + 3

// ApplyVtlProtections installs VTL protection flags (the "none" mapping,
// i.e. deny access) over r, batching into chunks sized to fit one
// hypercall input page. Every batch's header targets the calling VP's
// current VTL; vtl is not encoded into the hypercall. Failure of any batch
// aborts the remaining batches
// (spec §4.3) — callers observe a partially-protected range on error.
func (h *Handle) ApplyVtlProtections(r hvdef.MemoryRange, vtl hvdef.Vtl) error {
	const maxEntries = (hvdef.PageSize - modifyVtlProtectionMaskHeaderSize) / 8

	for _, chunk := range r.Chunks(maxEntries) {
		if err := h.applyVtlProtectionChunk(chunk); err != nil {
			return wrap("apply_vtl_protections", err)
		}
	}
	return nil
}

func (h *Handle) applyVtlProtectionChunk(chunk hvdef.Chunk) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	buf := h.input.bytes()
	binary.LittleEndian.PutUint64(buf[0:8], uint64(hvdef.PartitionSelf))
	binary.LittleEndian.PutUint32(buf[8:12], 0) // map_flags = NONE
	buf[12] = hvdef.CurrentVtl.TargetVtl

	off := modifyVtlProtectionMaskHeaderSize
	for i := uint64(0); i < chunk.Count; i++ {
		binary.LittleEndian.PutUint64(buf[off:off+8], chunk.StartPage+i)
		off += 8
	}

	rc := uint16(chunk.Count)
	out := h.dispatch(hvdef.OpcodeModifyVtlProtectionMask, &rc)
	return out.Result()
}

const acceptGpaPagesHeaderSize = 8 + 4 + 16

// AcceptVtl2Pages is carried for API completeness with original_source's
// `accept_vtl2_pages`, batching the same way ApplyVtlProtections does. The
// framework itself never runs at VTL2 (spec's non-goal), so the bring-up
// protocol never calls this method.
func (h *Handle) AcceptVtl2Pages(r hvdef.MemoryRange, memType hvdef.AcceptMemoryType) error {
	const maxEntries = (hvdef.PageSize - acceptGpaPagesHeaderSize) / 8

	for _, chunk := range r.Chunks(maxEntries) {
		if err := h.acceptChunk(chunk, memType); err != nil {
			return wrap("accept_vtl2_pages", err)
		}
	}
	return nil
}

func (h *Handle) acceptChunk(chunk hvdef.Chunk, memType hvdef.AcceptMemoryType) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	buf := h.input.bytes()
	binary.LittleEndian.PutUint64(buf[0:8], uint64(hvdef.PartitionSelf))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(memType))
	binary.LittleEndian.PutUint64(buf[12:20], chunk.StartPage)

	rc := uint16(chunk.Count)
	out := h.dispatch(hvdef.OpcodeAcceptGpaPages, &rc)
	return out.Result()
}

// GetVpIndexFromHwID resolves each hardware ID (APIC ID on x86_64, MPIDR
// on ARM64) to a VpIndex, chunking the request at MaxHwIDsPerCall IDs per
// call and always querying VTL0 (spec §4.3 — the hypercall only succeeds
// for VTL2 once VTL2 is enabled, which it might not be yet; hardware IDs
// are the same across VTLs in practice).
func (h *Handle) GetVpIndexFromHwID(ids []hvdef.HwID) ([]hvdef.VpIndex, error) {
	var out []hvdef.VpIndex

	for start := 0; start < len(ids); start += hvdef.MaxHwIDsPerCall {
		end := start + hvdef.MaxHwIDsPerCall
		if end > len(ids) {
			end = len(ids)
		}
		resolved, err := h.getVpIndexChunk(ids[start:end])
		if err != nil {
			return nil, wrap("get_vp_index_from_hw_id", err)
		}
		out = append(out, resolved...)
	}
	return out, nil
}

func (h *Handle) getVpIndexChunk(ids []hvdef.HwID) ([]hvdef.VpIndex, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	buf := h.input.bytes()
	binary.LittleEndian.PutUint64(buf[0:8], uint64(hvdef.PartitionSelf))
	buf[8] = 0 // target_vtl always 0

	off := 16
	for _, id := range ids {
		binary.LittleEndian.PutUint64(buf[off:off+8], uint64(id))
		off += 8
	}

	rc := uint16(len(ids))
	out := h.dispatch(hvdef.OpcodeGetVpIndexFromApicID, &rc)
	if err := out.Result(); err != nil {
		return nil, err
	}

	n := int(out.ElementsProcessed)
	if n != len(ids) {
		return nil, errShortResult
	}

	ob := h.output.bytes()
	result := make([]hvdef.VpIndex, n)
	for i := 0; i < n; i++ {
		result[i] = hvdef.VpIndex(binary.LittleEndian.Uint32(ob[i*4 : i*4+4]))
	}
	return result, nil
}

type hvcallError string

func (e hvcallError) Error() string { return string(e) }

const errShortResult = hvcallError("hypervisor processed fewer elements than requested")
