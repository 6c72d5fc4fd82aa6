package hvdef

// InitialVpContext is the full architectural register snapshot needed to
// start or re-enter a VP at a VTL. It is only ever constructed by snapshotting
// a live VTL's current state (vpcontext.Build) — see spec §4.5's contract:
// this is not a general-purpose context builder.
type InitialVpContext struct {
	Cr0, Cr3, Cr4 uint64
	Rip, Rsp      uint64
	Rflags        uint64

	Cs, Ss, Ds, Es, Fs, Gs, Tr Segment

	Gdtr, Idtr TableRegister

	Efer uint64

	// ARM64 analog. No code in this framework populates it.
	Arm64 InitialVpContextArm64
}

// InitialVpContextArm64 is the ARM64 analog of the x86_64 register set
// above. Bring-up on ARM64 is not exercised by any test in this framework
// yet (spec §9 Open Question (c)); the fields exist so hvdef satisfies the
// "register-name type" abstraction from spec §1 for both architectures.
type InitialVpContextArm64 struct {
	PC, SP  uint64
	PSTATE  uint64
	SCTLRELx uint64
	TTBR0ELx uint64
	TTBR1ELx uint64
	VBARELx  uint64
}

// MemoryRange is a 4 KiB-aligned guest physical address range [Start, End).
type MemoryRange struct {
	Start, End uint64
}

// NewMemoryRange validates alignment and ordering.
func NewMemoryRange(start, end uint64) (MemoryRange, error) {
	r := MemoryRange{Start: start, End: end}
	if start%PageSize != 0 || end%PageSize != 0 {
		return MemoryRange{}, errAlign
	}
	if end < start {
		return MemoryRange{}, errOrder
	}
	return r, nil
}

var (
	errAlign = rangeError("memory range is not 4 KiB aligned")
	errOrder = rangeError("memory range end precedes start")
)

type rangeError string

func (e rangeError) Error() string { return string(e) }

// StartPage and EndPage return the range's bounds as 4 KiB guest page
// numbers, the unit hypercalls like ModifyVtlProtectionMask operate on.
func (r MemoryRange) StartPage() uint64 { return r.Start / PageSize }
func (r MemoryRange) EndPage() uint64   { return r.End / PageSize }

// PageCount returns the number of 4 KiB pages spanned by the range.
func (r MemoryRange) PageCount() uint64 { return r.EndPage() - r.StartPage() }

// Chunk is one batch of consecutive guest page numbers sized to fit a
// single hypercall input page.
type Chunk struct {
	StartPage uint64
	Count     uint64
}

// Chunks splits the range into batches of at most maxEntries page numbers
// each, matching the batching behavior ApplyVtlProtections and
// AcceptVtl2Pages must perform to stay within one hypercall input page
// (spec §4.3).
func (r MemoryRange) Chunks(maxEntries uint64) []Chunk {
	if maxEntries == 0 {
		return nil
	}
	var chunks []Chunk
	page := r.StartPage()
	end := r.EndPage()
	for page < end {
		remaining := end - page
		count := remaining
		if count > maxEntries {
			count = maxEntries
		}
		chunks = append(chunks, Chunk{StartPage: page, Count: count})
		page += count
	}
	return chunks
}
