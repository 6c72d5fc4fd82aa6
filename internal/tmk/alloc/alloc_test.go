package alloc

import (
	"testing"
	"unsafe"

	"github.com/tinyrange/opentmk/internal/tmk/hvdef"
)

// fakeBootServices backs its pages and pool allocations with real Go
// memory, so tests exercise the same arithmetic the UEFI-backed
// implementation would without needing actual boot services.
type fakeBootServices struct {
	pageArena []byte
	poolCalls int
}

func newFakeBootServices(pages int) *fakeBootServices {
	return &fakeBootServices{pageArena: make([]byte, pages*int(hvdef.PageSize)+int(hvdef.PageSize))}
}

func (f *fakeBootServices) AllocatePages(kind hvdef.AllocateType, memType hvdef.MemoryType, n int) (uintptr, error) {
	base := uintptr(unsafe.Pointer(&f.pageArena[0]))
	aligned := (base + uintptr(hvdef.PageSize) - 1) &^ (uintptr(hvdef.PageSize) - 1)
	return aligned, nil
}

func (f *fakeBootServices) AllocatePool(memType hvdef.MemoryType, size int) (uintptr, error) {
	f.poolCalls++
	buf := make([]byte, size)
	return uintptr(unsafe.Pointer(&buf[0])), nil
}

func (f *fakeBootServices) FreePool(addr uintptr) error { return nil }

func TestAllocatorRoutesToPoolBeforeInit(t *testing.T) {
	bs := newFakeBootServices(4)
	a := New(bs)

	if _, err := a.Alloc(64, 8); err != nil {
		t.Fatalf("Alloc before Init: %v", err)
	}
	if bs.poolCalls != 1 {
		t.Fatalf("poolCalls = %d, want 1", bs.poolCalls)
	}
}

func TestInitSwitchesToHeapMode(t *testing.T) {
	bs := newFakeBootServices(4)
	a := New(bs)

	if !a.Init(1) {
		t.Fatalf("Init failed")
	}
	if bs.poolCalls != 0 {
		t.Fatalf("expected no pool calls before heap alloc")
	}

	addr, err := a.Alloc(128, 16)
	if err != nil {
		t.Fatalf("Alloc after Init: %v", err)
	}
	if addr%16 != 0 {
		t.Fatalf("addr %#x not 16-byte aligned", addr)
	}
	if bs.poolCalls != 0 {
		t.Fatalf("heap-mode alloc should not touch the pool allocator")
	}
}

func TestInitIsIdempotent(t *testing.T) {
	bs := newFakeBootServices(4)
	a := New(bs)

	if !a.Init(1) {
		t.Fatalf("first Init failed")
	}
	if !a.Init(1) {
		t.Fatalf("second Init should also report success")
	}
}

func TestAllocFreeReuse(t *testing.T) {
	bs := newFakeBootServices(1)
	a := New(bs)
	if !a.Init(1) {
		t.Fatalf("Init failed")
	}

	addr1, err := a.Alloc(256, 8)
	if err != nil {
		t.Fatalf("first alloc: %v", err)
	}
	if err := a.Free(addr1, 256); err != nil {
		t.Fatalf("free: %v", err)
	}

	addr2, err := a.Alloc(256, 8)
	if err != nil {
		t.Fatalf("second alloc: %v", err)
	}
	if addr2 != addr1 {
		t.Fatalf("expected freed block to be reused: addr1=%#x addr2=%#x", addr1, addr2)
	}
}

func TestAllocExhaustion(t *testing.T) {
	bs := newFakeBootServices(1)
	a := New(bs)
	if !a.Init(1) {
		t.Fatalf("Init failed")
	}

	if _, err := a.Alloc(2<<20, 8); err == nil {
		t.Fatalf("expected exhaustion error for an oversized request")
	}
}
