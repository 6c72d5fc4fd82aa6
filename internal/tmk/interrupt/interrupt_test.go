package interrupt

import (
	"testing"
	"unsafe"

	"github.com/tinyrange/opentmk/internal/tmk/hvdef"
)

// backedIDT allocates a real Go-backed byte arena and decodes
// IDTDescriptors that point into it, so SetHandler's write-back path
// touches addressable memory instead of an arbitrary integer.
func backedIDT(t *testing.T, n int) ([]*IDTDescriptor, []byte) {
	t.Helper()
	arena := make([]byte, n*idtEntrySize)
	descs := make([]*IDTDescriptor, n)
	base := uintptr(unsafe.Pointer(&arena[0]))
	for i := 0; i < n; i++ {
		descs[i] = &IDTDescriptor{Addr: uint64(base) + uint64(i*idtEntrySize)}
	}
	return descs, arena
}

func TestSetHandlerRejectsOutOfRangeVector(t *testing.T) {
	idt, _ := backedIDT(t, 4)
	c := NewCore(idt)
	if err := c.SetHandler(10, func() {}); err == nil {
		t.Fatalf("expected an error for a vector beyond the live idt length")
	}
}

func TestSetHandlerInstallsIntoTable(t *testing.T) {
	idt, _ := backedIDT(t, 256)
	c := NewCore(idt)

	called := false
	if err := c.SetHandler(33, func() { called = true }); err != nil {
		t.Fatalf("SetHandler: %v", err)
	}

	c.handler[33]()
	if !called {
		t.Fatalf("installed handler was not invoked")
	}

	if idt[33].TypeAttr != typeAttrPresentIntGate {
		t.Fatalf("TypeAttr = %#x, want %#x", idt[33].TypeAttr, typeAttrPresentIntGate)
	}
}

func TestDispatchIgnoresUnknownVector(t *testing.T) {
	idt, _ := backedIDT(t, 4)
	c := NewCore(idt)
	c.Activate()
	defer func() { activeCore = nil }()

	// Should not panic for a vector with no registered handler.
	dispatch(250)
}

type fakeRegisterReader struct {
	values map[hvdef.RegisterName]hvdef.RegisterValue
}

func (f fakeRegisterReader) GetRegister(name hvdef.RegisterName) (hvdef.RegisterValue, error) {
	return f.values[name], nil
}

func TestReadIDTComputesEntryCountFromLimit(t *testing.T) {
	arena := make([]byte, 256*idtEntrySize)
	base := uint64(uintptr(unsafe.Pointer(&arena[0])))

	reader := fakeRegisterReader{values: map[hvdef.RegisterName]hvdef.RegisterValue{
		hvdef.RegisterIdtr: {Low: base, High: 256*idtEntrySize - 1},
	}}

	descs, err := ReadIDT(reader)
	if err != nil {
		t.Fatalf("ReadIDT: %v", err)
	}
	if len(descs) != 256 {
		t.Fatalf("got %d descriptors, want 256", len(descs))
	}
}

type fakePageAllocator struct {
	base uintptr
}

func (f *fakePageAllocator) Alloc(size int, align uintptr) (uintptr, error) {
	f.base += uintptr(hvdef.PageSize)
	return f.base, nil
}

func TestSetupSecureInterceptAllocatesAndWritesMSRs(t *testing.T) {
	a := &fakePageAllocator{}
	if err := SetupSecureIntercept(a, 42); err != nil {
		t.Fatalf("SetupSecureIntercept: %v", err)
	}
}
