package hvcall

import "github.com/tinyrange/opentmk/internal/tmk/hvdef"

// page is a 4 KiB-aligned, page-sized scratch buffer used as a hypercall
// input or output page. Two static instances exist process-wide (input,
// output); each is exclusively owned by the current hypercall invocation,
// which is why Handle serializes access with a mutex (spec §5).
//
// The backing array is oversized by one page and the usable slice is
// aligned at runtime because Go does not expose a portable way to force
// static alignment of a package-level array beyond its natural alignment.
type page struct {
	raw   [2*hvdef.PageSize - 1]byte
	ready bool
	buf   []byte
}

func (p *page) bytes() []byte {
	if !p.ready {
		off := uintptr(0)
		addr := addrOf(&p.raw[0])
		if rem := addr % hvdef.PageSize; rem != 0 {
			off = hvdef.PageSize - rem
		}
		p.buf = p.raw[off : off+hvdef.PageSize]
		p.ready = true
	}
	return p.buf
}

// zero clears the page. VtlReturn must zero the input page before issuing
// the hypercall since the hypervisor reads entry data from it (spec §4.3).
func (p *page) zero() {
	b := p.bytes()
	for i := range b {
		b[i] = 0
	}
}
