// Package orchestrator implements TestCtx, the public test-authoring API
// this framework gives every test body. It is grounded on
// original_source/opentmk/src/uefi/hypvctx.rs's HvTestCtx impl of
// TestCtxTrait line for line for the bring-up state machine, and on the
// teacher's internal/hv.VirtualMachine/VirtualCPU interface split (host
// owns the VM, each VCPU owns its own run loop + channel) for the Go
// interface shape.
package orchestrator

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/tinyrange/opentmk/internal/tmk/cmdbus"
	"github.com/tinyrange/opentmk/internal/tmk/hvdef"
	"github.com/tinyrange/opentmk/internal/tmk/interrupt"
	"github.com/tinyrange/opentmk/internal/tmk/logsink"
	"github.com/tinyrange/opentmk/internal/tmk/vpcontext"
)

// HyperCaller is the slice of hvcall.Handle the Orchestrator drives.
// Depending on an interface rather than *hvcall.Handle keeps TestCtx
// testable against internal/tmk/sim.
type HyperCaller interface {
	Vtl() hvdef.Vtl
	RefreshVtl() error
	VtlCall()
	VtlReturn()
	EnablePartitionVtl(partition hvdef.PartitionID, target hvdef.Vtl) error
	EnableVpVtl(vp hvdef.VpIndex, target hvdef.Vtl, ctx *hvdef.InitialVpContext) error
	StartVirtualProcessor(vp hvdef.VpIndex, target hvdef.Vtl, ctx *hvdef.InitialVpContext) error
	ApplyVtlProtections(r hvdef.MemoryRange, vtl hvdef.Vtl) error
	GetRegister(name hvdef.RegisterName) (hvdef.RegisterValue, error)
	SetRegister(name hvdef.RegisterName, v hvdef.RegisterValue) error
	GetCurrentVtlVpContext() (hvdef.InitialVpContext, error)
}

// Allocator is the slice of alloc.Allocator the Orchestrator needs for
// vpcontext.Build and SetupSecureIntercept.
type Allocator interface {
	vpcontext.Allocator
	interrupt.PageAllocator
}

// HyperCallerFactory builds the HyperCaller a simulated VP other than the
// boot VP issues its hypercalls through. Each VP has its own dispatcher
// state (sim.Partition.Dispatcher(vp)/VtlTransition(vp)), so sharing one
// HyperCaller across VPs would make every hypercall issued "as" a VP
// other than the one it was built for silently read and write the wrong
// VP's state.
type HyperCallerFactory func(vp hvdef.VpIndex) HyperCaller

// vpState tracks per-VP bring-up progress and owns that VP's default
// context, hypercall handle, and fiber bookkeeping.
type vpState struct {
	broughtUpVtl1 atomic.Bool
	defaultCtx    map[hvdef.Vtl]*hvdef.InitialVpContext
	entry         map[hvdef.Vtl]func()
	hv            HyperCaller
	mu            sync.Mutex

	// fiberMu guards started and resume, the bookkeeping behind the VTL
	// coroutine handoff in handOff/spawnFiber. Only one of a VP's two
	// VTL fibers ever runs at a time; resume[vtl] is the rendezvous the
	// other fiber signals to hand control (and the VP's processor) back.
	fiberMu sync.Mutex
	started map[hvdef.Vtl]bool
	resume  map[hvdef.Vtl]chan struct{}
}

func newVpState() *vpState {
	return &vpState{
		defaultCtx: make(map[hvdef.Vtl]*hvdef.InitialVpContext),
		entry:      make(map[hvdef.Vtl]func()),
		started:    make(map[hvdef.Vtl]bool),
		resume: map[hvdef.Vtl]chan struct{}{
			hvdef.Vtl0: make(chan struct{}),
			hvdef.Vtl1: make(chan struct{}),
		},
	}
}

// TestCtx is the public surface every test body runs against. One TestCtx
// exists per logical VP; all TestCtx values for a given run share the Bus,
// Allocator, LogSink, interrupt Core and per-VP state table, while each is
// bound to its own VP's HyperCaller.
type TestCtx struct {
	hv        HyperCaller
	hvFactory HyperCallerFactory
	alloc     Allocator
	log       *logsink.Sink
	bus       *cmdbus.Bus
	interrupt *interrupt.Core
	vpCount   uint32
	myVpIdx   hvdef.VpIndex

	statesMu *sync.Mutex
	states   map[hvdef.VpIndex]*vpState
}

// New constructs the shared state for a vpCount-VP run and returns the
// TestCtx bound to VP 0, the boot VP. hv is VP 0's own HyperCaller;
// hvFactory builds every other VP's, lazily, the first time forVP/state
// touches it. hvFactory may be nil for single-VP callers (tests that
// never exercise a second VP) — every VP then falls back to hv.
// Additional per-VP TestCtx values (one per worker loop) are obtained
// via forVP.
func New(hv HyperCaller, hvFactory HyperCallerFactory, alloc Allocator, log *logsink.Sink, core *interrupt.Core, vpCount uint32) *TestCtx {
	t := &TestCtx{
		hv:        hv,
		hvFactory: hvFactory,
		alloc:     alloc,
		log:       log,
		bus:       cmdbus.New(log.Logger(), cmdbus.DefaultCapacity),
		interrupt: core,
		vpCount:   vpCount,
		statesMu:  new(sync.Mutex),
		states:    make(map[hvdef.VpIndex]*vpState),
	}
	t.bus.RegisterQueue(0)
	s0 := newVpState()
	s0.hv = hv
	t.states[0] = s0
	return t
}

// forVP returns the TestCtx a worker loop on v should use: same shared
// state, v bound as myVpIdx and v's own HyperCaller bound as hv.
func (t *TestCtx) forVP(v hvdef.VpIndex) *TestCtx {
	cp := *t
	cp.myVpIdx = v
	cp.hv = t.state(v).hv
	return &cp
}

func (t *TestCtx) state(v hvdef.VpIndex) *vpState {
	t.statesMu.Lock()
	defer t.statesMu.Unlock()
	s, ok := t.states[v]
	if !ok {
		s = newVpState()
		if t.hvFactory != nil {
			s.hv = t.hvFactory(v)
		} else {
			s.hv = t.hv
		}
		t.states[v] = s
		t.bus.RegisterQueue(v)
	}
	return s
}

func must(err error) {
	if err != nil {
		panic(err)
	}
}

// mustAssert logs a failed assertion via logsink.Assert and then panics —
// this both records the assertion and panics, matching the expect_assert
// contract: a hypercall failure is itself the thing under test, so its
// failure must leave an assertion record behind, not just an error.
func (t *TestCtx) mustAssert(expr string, err error) {
	if err == nil {
		t.log.Assert(expr, true)
		return
	}
	t.log.Assert(expr, false)
	panic(fmt.Errorf("opentmk: %s: %w", expr, err))
}

// Assert is the one obvious way for a test body to emit an assertion
// record, instead of reaching into logsink directly (teacher idiom: one
// *Chipset-shaped entry point instead of scattering raw I/O calls, per
// internal/chipset.Chipset.HandlePIO).
func (t *TestCtx) Assert(expr string, ok bool) { t.log.Assert(expr, ok) }

// VpCount reports the number of VPs visible to this run.
func (t *TestCtx) VpCount() uint32 { return t.vpCount }

// CurrentVP reports the VP this TestCtx is bound to.
func (t *TestCtx) CurrentVP() hvdef.VpIndex { return t.myVpIdx }

// CurrentVtl reports the VTL this TestCtx's VP is currently executing at.
func (t *TestCtx) CurrentVtl() hvdef.Vtl { return t.hv.Vtl() }

// ReadMSR issues RDMSR.
func (t *TestCtx) ReadMSR(n uint32) uint64 { return interrupt.ReadMSR(n) }

// WriteMSR issues WRMSR.
func (t *TestCtx) WriteMSR(n uint32, v uint64) { interrupt.WriteMSR(n, v) }

// GetRegister reads a named register via the current VTL's register set.
func (t *TestCtx) GetRegister(n hvdef.RegisterName) uint64 {
	v, err := t.hv.GetRegister(n)
	t.mustAssert(fmt.Sprintf("GetRegister(%v)", n), err)
	return v.AsU64()
}

// SwitchToHighVtl yields execution to VTL1, returning when the hypervisor
// re-enters this VTL on this VP. Unlike StartVirtualProcessor, this is a
// same-VP transition: VTL0 and VTL1 never run at once on one VP, so the
// call blocks, actually running VTL1's worker loop, until a matching
// SwitchToLowVtl hands control back.
func (t *TestCtx) SwitchToHighVtl() {
	t.hv.VtlCall()
	must(t.hv.RefreshVtl())
	t.handOff(hvdef.Vtl0, hvdef.Vtl1)
}

// SwitchToLowVtl yields execution to VTL0, returning when the hypervisor
// re-enters this VTL on this VP. See SwitchToHighVtl.
func (t *TestCtx) SwitchToLowVtl() {
	t.hv.VtlReturn()
	must(t.hv.RefreshVtl())
	t.handOff(hvdef.Vtl1, hvdef.Vtl0)
}

// SetupPartitionVtl enables vtl for the whole partition. Idempotent:
// HvErrorVtlAlreadyEnabled is folded to nil by the hvcall layer.
func (t *TestCtx) SetupPartitionVtl(vtl hvdef.Vtl) {
	t.mustAssert("SetupPartitionVtl", t.hv.EnablePartitionVtl(hvdef.PartitionSelf, vtl))
}

// SetupVtlProtection enables VTL1 for the whole partition through
// EnablePartitionVtl, the same hypercall SetupPartitionVtl(Vtl1) issues.
// It does not issue a separate VTL-protection hypercall or install any
// protection policy. Individual ranges use ApplyVtlProtectionForMemory.
func (t *TestCtx) SetupVtlProtection() {
	t.mustAssert("SetupVtlProtection", t.hv.EnablePartitionVtl(hvdef.PartitionSelf, hvdef.Vtl1))
}

// ApplyVtlProtectionForMemory applies VTL protection to r.
func (t *TestCtx) ApplyVtlProtectionForMemory(r hvdef.MemoryRange, vtl hvdef.Vtl) {
	t.mustAssert("ApplyVtlProtectionForMemory", t.hv.ApplyVtlProtections(r, vtl))
}

// SetupInterruptHandler activates the Core supplied to New as the
// process's trampoline-dispatch target. It does not read the IDT itself,
// and it does nothing when New was given a nil Core.
func (t *TestCtx) SetupInterruptHandler() {
	if t.interrupt != nil {
		t.interrupt.Activate()
	}
}

// SetInterruptIdx installs handler for vector on the shared interrupt
// Core.
func (t *TestCtx) SetInterruptIdx(vector uint8, handler func()) {
	must(t.interrupt.SetHandler(vector, handler))
}

// SetupSecureIntercept configures the SynIC SIMP/SINT0 pair so interrupts
// arrive at vector through the normal IDT path.
func (t *TestCtx) SetupSecureIntercept(vector uint8) {
	must(interrupt.SetupSecureIntercept(t.alloc, vector))
}

// EnableVpVtlWithDefaultContext enables vtl on v using whatever default
// context SetDefaultCtxToVp most recently stored for (v, vtl); if none was
// stored yet, a fresh snapshot is built from the current VTL.
func (t *TestCtx) EnableVpVtlWithDefaultContext(v hvdef.VpIndex, vtl hvdef.Vtl) {
	ctx := t.defaultContext(v, vtl)
	t.mustAssert("EnableVpVtlWithDefaultContext", t.hv.EnableVpVtl(v, vtl, ctx))
}

// StartRunningVpWithDefaultContext starts v at vtl using its stored
// default context. Unlike EnableVpVtl, a StartVirtualProcessor failure is
// always fatal — there is no idempotent retry path for starting a VP.
// Unlike SwitchToHighVtl/SwitchToLowVtl, starting a VP is not a same-VP
// transition — v runs as a genuinely separate logical processor, so its
// worker loop is started on its own goroutine without blocking the
// caller.
func (t *TestCtx) StartRunningVpWithDefaultContext(v hvdef.VpIndex, vtl hvdef.Vtl) {
	ctx := t.defaultContext(v, vtl)
	must(t.hv.StartVirtualProcessor(v, vtl, ctx))
	t.state(v).spawnFiber(vtl, t.entryFor(v, vtl))
}

// SetDefaultCtxToVp snapshots the current VTL's live register state via
// vpcontext.Build and stores it as v's default context for vtl.
func (t *TestCtx) SetDefaultCtxToVp(v hvdef.VpIndex, vtl hvdef.Vtl) {
	ctx, err := vpcontext.Build(t.hv, t.alloc, func() { workerLoop(t.forVP(v)) })
	must(err)
	s := t.state(v)
	s.mu.Lock()
	s.defaultCtx[vtl] = &ctx
	s.mu.Unlock()
}

func (t *TestCtx) defaultContext(v hvdef.VpIndex, vtl hvdef.Vtl) *hvdef.InitialVpContext {
	s := t.state(v)
	s.mu.Lock()
	defer s.mu.Unlock()
	if ctx, ok := s.defaultCtx[vtl]; ok {
		return ctx
	}
	ctx, err := vpcontext.Build(t.hv, t.alloc, func() { workerLoop(t.forVP(v)) })
	must(err)
	s.defaultCtx[vtl] = &ctx
	return &ctx
}

// QueueCommandVP enqueues body for execution on v at vtl without
// performing any bring-up; v must already be running a worker loop at
// vtl, or the command waits in its queue until it is.
func (t *TestCtx) QueueCommandVP(v hvdef.VpIndex, vtl hvdef.Vtl, body func(*TestCtx)) {
	t.state(v)
	t.bus.MustQueue(v).Send(cmdbus.Command{
		Body:      func(tc *TestCtx) { body(tc) },
		TargetVtl: vtl,
	})
}

// StartOnVP is the bring-up entry point: lazily brings v's VTL1 worker
// loop up if it has never run, then queues body at vtl — exact restatement
// of the original bring-up protocol, Go-cased.
func (t *TestCtx) StartOnVP(v hvdef.VpIndex, vtl hvdef.Vtl, body func(*TestCtx)) {
	if vtl == hvdef.Vtl2 {
		panic("opentmk: cannot target vtl2")
	}

	s := t.state(v)
	if !s.broughtUpVtl1.Load() {
		if v == t.myVpIdx {
			ctx, err := vpcontext.Build(t.hv, t.alloc, func() { workerLoop(t.forVP(0)) })
			must(err)
			must(t.hv.EnableVpVtl(0, hvdef.Vtl1, &ctx))
			t.bus.MustQueue(0).Send(cmdbus.Command{
				Body:      func(tc *TestCtx) { tc.SwitchToLowVtl() },
				TargetVtl: hvdef.Vtl1,
			})
			t.SwitchToHighVtl()
		} else {
			my := t.myVpIdx
			t.bus.MustQueue(my).Send(cmdbus.Command{
				TargetVtl: hvdef.Vtl1,
				Body: func(tc *TestCtx) {
					tc.EnableVpVtlWithDefaultContext(v, hvdef.Vtl1)
					tc.StartRunningVpWithDefaultContext(v, hvdef.Vtl1)
					tc.bus.MustQueue(v).Send(cmdbus.Command{
						TargetVtl: hvdef.Vtl1,
						Body:      func(tc *TestCtx) { tc.SetDefaultCtxToVp(v, hvdef.Vtl0) },
					})
					tc.SwitchToLowVtl()
				},
			})
			t.SwitchToHighVtl()
		}
		s.broughtUpVtl1.Store(true)
	}

	t.bus.MustQueue(v).Send(cmdbus.Command{Body: func(tc *TestCtx) { body(tc) }, TargetVtl: vtl})
	if v == t.myVpIdx && t.hv.Vtl() != vtl {
		if vtl == hvdef.Vtl0 {
			t.SwitchToLowVtl()
		} else {
			t.SwitchToHighVtl()
		}
	}
}

// entryFor returns the worker-loop entry point for (v, vtl), building and
// caching one the first time it's needed if SetDefaultCtxToVp/
// defaultContext never ran for that pair. Every entry is behaviorally
// identical (workerLoop draining v's queue) regardless of which path
// built it; the distinction only matters for the InitialVpContext
// snapshot those helpers also produce, not for what actually runs.
func (t *TestCtx) entryFor(v hvdef.VpIndex, vtl hvdef.Vtl) func() {
	s := t.state(v)
	s.mu.Lock()
	defer s.mu.Unlock()
	if fn, ok := s.entry[vtl]; ok {
		return fn
	}
	fn := func() { workerLoop(t.forVP(v)) }
	s.entry[vtl] = fn
	return fn
}

// handOff implements the coroutine-style VTL transition SwitchToHighVtl/
// SwitchToLowVtl depend on: on one VP, VTL0 and VTL1 never execute at
// once, so leaving one means parking until the code now running at the
// other VTL switches back. entering's fiber is spawned the first time
// it's handed control; every time after that, the two sides just trade
// turns over their rendezvous channels.
func (t *TestCtx) handOff(leaving, entering hvdef.Vtl) {
	v := t.myVpIdx
	s := t.state(v)

	s.fiberMu.Lock()
	s.started[leaving] = true
	alreadyStarted := s.started[entering]
	s.fiberMu.Unlock()

	if alreadyStarted {
		s.resume[entering] <- struct{}{}
	} else {
		s.spawnFiber(entering, t.entryFor(v, entering))
	}
	<-s.resume[leaving]
}

// spawnFiber marks vtl's fiber as running and starts it on its own
// goroutine. Used both by handOff (spawning the sibling VTL's fiber on a
// VP the caller is already on) and by StartRunningVpWithDefaultContext
// (booting an entirely separate VP's VTL1 fiber); in the latter case the
// caller never waits on this VP's rendezvous channels, since the two VPs
// run concurrently rather than trading turns.
func (s *vpState) spawnFiber(vtl hvdef.Vtl, entry func()) {
	s.fiberMu.Lock()
	s.started[vtl] = true
	s.fiberMu.Unlock()
	go entry()
}

// switchTo moves this VP to vtl via the appropriate transition.
func (t *TestCtx) switchTo(vtl hvdef.Vtl) {
	if vtl == hvdef.Vtl0 {
		t.SwitchToLowVtl()
	} else {
		t.SwitchToHighVtl()
	}
}

// workerLoop is the peek-without-pop variant chosen per the framework's
// command-dispatch design: a command destined for the VTL this VP is not
// currently running at triggers a VTL switch rather than being popped and
// requeued.
func workerLoop(t *TestCtx) {
	for {
		q := t.bus.MustQueue(t.myVpIdx)
		item, ok := q.Peek()
		if !ok {
			runtime.Gosched() // spin; no OS blocking primitive is meaningful pre-scheduler
			continue
		}
		if item.TargetVtl == t.hv.Vtl() {
			cmd, _ := q.Recv(context.Background())
			runCommand(t, cmd)
		} else {
			t.switchTo(item.TargetVtl)
		}
	}
}

// runCommand recovers a panicking command so it terminates only the
// owning VP's worker loop, logs the panic, then re-panics to retain the
// "panic handler" contract one level up in internal/tmk/platform.
func runCommand(t *TestCtx, cmd cmdbus.Command) {
	defer func() {
		if r := recover(); r != nil {
			t.log.Error("command panicked: %v", r)
			panic(r)
		}
	}()
	body, ok := cmd.Body.(func(*TestCtx))
	if !ok {
		panic(fmt.Sprintf("opentmk: command body has unexpected type %T", cmd.Body))
	}
	body(t)
}
