package vpcontext

import (
	"testing"

	"github.com/tinyrange/opentmk/internal/tmk/hvdef"
)

type fakeReader struct {
	ctx hvdef.InitialVpContext
	err error
}

func (f fakeReader) GetCurrentVtlVpContext() (hvdef.InitialVpContext, error) {
	return f.ctx, f.err
}

type fakeAllocator struct {
	base uintptr
}

func (f *fakeAllocator) AllocAligned(size int, align uintptr) (uintptr, error) {
	aligned := (f.base + align - 1) &^ (align - 1)
	f.base = aligned + uintptr(size)
	return aligned, nil
}

func TestBuildRetargetsRipAndRsp(t *testing.T) {
	reader := fakeReader{ctx: hvdef.InitialVpContext{Cr0: 0x80000011, Efer: 0x500}}
	a := &fakeAllocator{base: 0x1000}

	entry := func() {}
	ctx, err := Build(reader, a, entry)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	if ctx.Cr0 != 0x80000011 || ctx.Efer != 0x500 {
		t.Fatalf("Build should preserve snapshotted fields, got %+v", ctx)
	}
	if ctx.Rip == 0 {
		t.Fatalf("Rip was not retargeted")
	}
	if ctx.Rsp == 0 || ctx.Rsp%stackAlign != 0 {
		t.Fatalf("Rsp = %#x, want nonzero and %d-byte aligned", ctx.Rsp, stackAlign)
	}
}

func TestBuildPropagatesSnapshotError(t *testing.T) {
	reader := fakeReader{err: errBoom}
	a := &fakeAllocator{base: 0x1000}

	if _, err := Build(reader, a, func() {}); err == nil {
		t.Fatalf("expected Build to propagate the snapshot error")
	}
}

type boomError string

func (e boomError) Error() string { return string(e) }

const errBoom = boomError("snapshot failed")
