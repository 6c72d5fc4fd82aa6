package orchestrator

import (
	"bytes"
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/tinyrange/opentmk/internal/tmk/hvcall"
	"github.com/tinyrange/opentmk/internal/tmk/hvdef"
	"github.com/tinyrange/opentmk/internal/tmk/logsink"
	"github.com/tinyrange/opentmk/internal/tmk/sim"
)

// fakeHyperCaller is an in-memory stand-in for hvcall.Handle, tracking
// just enough state (current VTL, enabled VTLs, register writes) to
// exercise the Orchestrator's bring-up protocol without a real or
// simulated hypercall dispatcher.
type fakeHyperCaller struct {
	mu           sync.Mutex
	vtl          hvdef.Vtl
	enabledVtls  map[hvdef.Vtl]bool
	protections  []hvdef.MemoryRange
	startedVps   map[hvdef.VpIndex]bool
	registers    map[hvdef.RegisterName]hvdef.RegisterValue
}

func newFakeHyperCaller() *fakeHyperCaller {
	return &fakeHyperCaller{
		enabledVtls: make(map[hvdef.Vtl]bool),
		startedVps:  make(map[hvdef.VpIndex]bool),
		registers:   make(map[hvdef.RegisterName]hvdef.RegisterValue),
	}
}

func (f *fakeHyperCaller) Vtl() hvdef.Vtl {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.vtl
}

func (f *fakeHyperCaller) RefreshVtl() error { return nil }

func (f *fakeHyperCaller) VtlCall() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.vtl = hvdef.Vtl1
}

func (f *fakeHyperCaller) VtlReturn() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.vtl = hvdef.Vtl0
}

func (f *fakeHyperCaller) EnablePartitionVtl(partition hvdef.PartitionID, target hvdef.Vtl) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enabledVtls[target] = true
	return nil
}

func (f *fakeHyperCaller) EnableVpVtl(vp hvdef.VpIndex, target hvdef.Vtl, ctx *hvdef.InitialVpContext) error {
	return nil
}

func (f *fakeHyperCaller) StartVirtualProcessor(vp hvdef.VpIndex, target hvdef.Vtl, ctx *hvdef.InitialVpContext) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startedVps[vp] = true
	return nil
}

func (f *fakeHyperCaller) ApplyVtlProtections(r hvdef.MemoryRange, vtl hvdef.Vtl) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.protections = append(f.protections, r)
	return nil
}

func (f *fakeHyperCaller) GetRegister(name hvdef.RegisterName) (hvdef.RegisterValue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.registers[name], nil
}

func (f *fakeHyperCaller) SetRegister(name hvdef.RegisterName, v hvdef.RegisterValue) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registers[name] = v
	return nil
}

func (f *fakeHyperCaller) GetCurrentVtlVpContext() (hvdef.InitialVpContext, error) {
	return hvdef.InitialVpContext{}, nil
}

type fakeAllocator struct {
	mu   sync.Mutex
	base uintptr
}

func (a *fakeAllocator) AllocAligned(size int, align uintptr) (uintptr, error) {
	return a.Alloc(size, align)
}

func (a *fakeAllocator) Alloc(size int, align uintptr) (uintptr, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	aligned := (a.base + align - 1) &^ (align - 1)
	a.base = aligned + uintptr(size)
	return aligned, nil
}

// newTestCtx builds a single-VP harness. A nil HyperCallerFactory is
// fine here: every test built on it only ever runs as VP 0, so forVP/
// state's fallback to the one fakeHyperCaller applies.
func newTestCtx() (*TestCtx, *fakeHyperCaller) {
	hv := newFakeHyperCaller()
	a := &fakeAllocator{base: 0x10000}
	log := logsink.New(&bytes.Buffer{}, logsink.LevelDebug)
	return New(hv, nil, a, log, nil, 2), hv
}

func TestSetupPartitionVtlEnablesVtl(t *testing.T) {
	t0, hv := newTestCtx()
	t0.SetupPartitionVtl(hvdef.Vtl1)

	hv.mu.Lock()
	defer hv.mu.Unlock()
	if !hv.enabledVtls[hvdef.Vtl1] {
		t.Fatalf("expected vtl1 to be enabled")
	}
}

func TestApplyVtlProtectionForMemoryRecordsRange(t *testing.T) {
	t0, hv := newTestCtx()
	r := hvdef.MemoryRange{Start: 0x1000, End: 0x2000}
	t0.ApplyVtlProtectionForMemory(r, hvdef.Vtl1)

	hv.mu.Lock()
	defer hv.mu.Unlock()
	if len(hv.protections) != 1 || hv.protections[0] != r {
		t.Fatalf("expected range to be recorded, got %+v", hv.protections)
	}
}

// TestSwitchVtlRoundTrip drives SwitchToHighVtl/SwitchToLowVtl through
// the real coroutine handoff: a command queued at vtl1 is what actually
// switches back, run by the worker loop SwitchToHighVtl spawns — not a
// bare state flip the caller asserts on directly.
func TestSwitchVtlRoundTrip(t *testing.T) {
	t0, _ := newTestCtx()
	if t0.CurrentVtl() != hvdef.Vtl0 {
		t.Fatalf("expected to start at vtl0")
	}

	var ranAtVtl1 atomic.Bool
	t0.QueueCommandVP(0, hvdef.Vtl1, func(tc *TestCtx) {
		if tc.CurrentVtl() != hvdef.Vtl1 {
			t.Errorf("command body ran at vtl %v, want vtl1", tc.CurrentVtl())
		}
		ranAtVtl1.Store(true)
		tc.SwitchToLowVtl()
	})

	t0.SwitchToHighVtl()

	if !ranAtVtl1.Load() {
		t.Fatalf("queued vtl1 command was never run by the worker loop")
	}
	if t0.CurrentVtl() != hvdef.Vtl0 {
		t.Fatalf("expected vtl0 after the vtl1 worker loop switched back, got %v", t0.CurrentVtl())
	}
}

func TestStartOnVPRejectsVtl2(t *testing.T) {
	t0, _ := newTestCtx()
	defer func() {
		if recover() == nil {
			t.Fatalf("expected StartOnVP to panic for vtl2")
		}
	}()
	t0.StartOnVP(0, hvdef.Vtl2, func(*TestCtx) {})
}

// TestStartOnVPDispatchesThroughRealWorkerLoop exercises the bring-up
// protocol end to end: the body StartOnVP queues must actually be popped
// and run by vtl1's worker loop (spawned by the coroutine handoff inside
// SwitchToHighVtl), not invoked directly by the test.
func TestStartOnVPDispatchesThroughRealWorkerLoop(t *testing.T) {
	t0, _ := newTestCtx()

	var ran atomic.Bool
	t0.StartOnVP(0, hvdef.Vtl1, func(tc *TestCtx) {
		if tc.CurrentVtl() != hvdef.Vtl1 {
			t.Errorf("StartOnVP body ran at vtl %v, want vtl1", tc.CurrentVtl())
		}
		ran.Store(true)
		tc.SwitchToLowVtl()
	})

	if !ran.Load() {
		t.Fatalf("StartOnVP's body was never run by vtl1's worker loop")
	}
	if t0.CurrentVtl() != hvdef.Vtl0 {
		t.Fatalf("expected to be back at vtl0 after the body switched back, got %v", t0.CurrentVtl())
	}
}

// TestForVPBindsDistinctHyperCallerPerVP guards against forVP silently
// reusing VP 0's HyperCaller for every other VP: a hypercall issued while
// bound to VP 1 must observe VP 1's own sim state, never VP 0's.
func TestForVPBindsDistinctHyperCallerPerVP(t *testing.T) {
	p := sim.NewPartition(2)
	hv0 := hvcall.New(p.Dispatcher(0), p.VtlTransition(0))
	must(hv0.Initialize())
	factory := func(vp hvdef.VpIndex) HyperCaller {
		h := hvcall.New(p.Dispatcher(vp), p.VtlTransition(vp))
		must(h.Initialize())
		return h
	}
	a := &fakeAllocator{base: 0x10000}
	log := logsink.New(&bytes.Buffer{}, logsink.LevelDebug)
	t0 := New(hv0, factory, a, log, nil, 2)
	t1 := t0.forVP(1)

	t1.hv.VtlCall()
	must(t1.hv.RefreshVtl())

	if t0.CurrentVtl() != hvdef.Vtl0 {
		t.Fatalf("vp1's VtlCall leaked into vp0's state: vp0 vtl = %v", t0.CurrentVtl())
	}
	if t1.CurrentVtl() != hvdef.Vtl1 {
		t.Fatalf("expected vp1 to observe its own vtl1 transition, got %v", t1.CurrentVtl())
	}
}

func TestQueueCommandVPDeliversBody(t *testing.T) {
	t0, _ := newTestCtx()
	var ran atomic.Bool
	t0.QueueCommandVP(0, hvdef.Vtl0, func(*TestCtx) { ran.Store(true) })

	q := t0.bus.Queue(0)
	cmd, ok := q.Recv(context.Background())
	if !ok {
		t.Fatalf("expected a queued command")
	}
	body, ok := cmd.Body.(func(*TestCtx))
	if !ok {
		t.Fatalf("command body has unexpected type %T", cmd.Body)
	}
	body(t0)
	if !ran.Load() {
		t.Fatalf("queued body was not invoked")
	}
}
