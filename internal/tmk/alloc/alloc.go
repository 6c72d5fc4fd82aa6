// Package alloc implements the framework's two-phase guest-physical
// allocator: UEFI boot-services pool allocation before bring-up, and a
// first-fit linked-list heap over a dedicated page run afterward. It is
// grounded on original_source/opentmk/src/uefi/alloc.rs for the two-phase
// semantics and on the teacher's resource-lifecycle style
// (internal/hv VM/VCPU teardown sequencing, sync.Mutex-guarded shared
// state in internal/hv/kvm) for the Go shape.
package alloc

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/tinyrange/opentmk/internal/tmk/hvdef"
)

// ErrResourceExhausted is returned when neither the UEFI pool nor the
// linked-list heap can satisfy a request.
var ErrResourceExhausted = errors.New("opentmk: allocator out of pages")

// BootServices is the narrow slice of UEFI boot services this package
// needs. The real implementation lives in internal/tmk/platform; tests
// substitute a fake backed by a plain Go byte slice.
type BootServices interface {
	AllocatePages(kind hvdef.AllocateType, memType hvdef.MemoryType, n int) (uintptr, error)
	AllocatePool(memType hvdef.MemoryType, size int) (uintptr, error)
	FreePool(addr uintptr) error
}

// Allocator is the framework's single allocation facade. Before Init
// succeeds it routes every request to the UEFI pool; afterward it routes
// to a dedicated linked-list heap. The mode flag is an atomic.Bool so
// concurrent callers on other VPs never observe a half-flipped state.
type Allocator struct {
	bs BootServices

	initialized atomic.Bool

	mu   sync.Mutex
	heap *heap
}

// New wraps bs. Until Init is called successfully, every Alloc/Free call
// is served by the UEFI pool allocator.
func New(bs BootServices) *Allocator {
	return &Allocator{bs: bs}
}

// Init claims a dedicated span of mib mebibytes from boot services and
// switches the allocator into linked-list heap mode. It follows
// original_source's `pages = ceil(mib*MiB/PageSize) + 1` sizing (the
// extra page absorbs the heap's own free-list bookkeeping). On failure
// Init returns false and the allocator remains in UEFI pool mode; the
// caller is expected to abort via platform.Shutdown(Aborted) per spec.
func (a *Allocator) Init(mib int) bool {
	if a.initialized.Load() {
		return true
	}
	const mibBytes = 1 << 20
	pages := (mib*mibBytes+int(hvdef.PageSize)-1)/int(hvdef.PageSize) + 1

	addr, err := a.bs.AllocatePages(hvdef.AllocateAnyPages, hvdef.MemoryTypeBootServicesData, pages)
	if err != nil {
		return false
	}

	a.mu.Lock()
	a.heap = newHeap(addr, uintptr(pages)*uintptr(hvdef.PageSize))
	a.mu.Unlock()

	a.initialized.Store(true)
	return true
}

// Alloc returns the address of a size-byte, align-byte-aligned block, or
// an error if neither mode can satisfy the request. align must be a power
// of two; callers that don't care about alignment pass 1.
func (a *Allocator) Alloc(size int, align uintptr) (uintptr, error) {
	if !a.initialized.Load() {
		addr, err := a.bs.AllocatePool(hvdef.MemoryTypeBootServicesData, size)
		if err != nil {
			return 0, fmt.Errorf("opentmk: uefi pool alloc: %w", err)
		}
		return addr, nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	addr, ok := a.heap.alloc(uintptr(size), align)
	if !ok {
		return 0, ErrResourceExhausted
	}
	return addr, nil
}

// AllocAligned is a convenience wrapper matching the call shape used by
// vpcontext.Build for stack allocation.
func (a *Allocator) AllocAligned(size int, align uintptr) (uintptr, error) {
	return a.Alloc(size, align)
}

// AllocZeroed behaves like Alloc but guarantees the returned block is
// zero-filled, matching UEFI AllocateZeroPool semantics for pool mode.
func (a *Allocator) AllocZeroed(size int, align uintptr) (uintptr, error) {
	addr, err := a.Alloc(size, align)
	if err != nil {
		return 0, err
	}
	zeroBytes(addr, size)
	return addr, nil
}

// Free releases a block previously returned by Alloc. size must match the
// original allocation; the linked-list heap uses it to reconstruct the
// freed block's extent since it does not keep a separate size table.
func (a *Allocator) Free(addr uintptr, size int) error {
	if !a.initialized.Load() {
		return a.bs.FreePool(addr)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.heap.free(addr, uintptr(size))
	return nil
}
