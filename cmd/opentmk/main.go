// Command opentmk is the framework's entry point. On real firmware this
// is the UEFI EFI_IMAGE_ENTRY_POINT; no UEFI toolchain or firmware stub is
// wired up by this repository, so this binary instead runs in a hosted
// "test mode" backed by internal/tmk/sim, for local iteration on a
// developer's machine the same way the teacher's cmd/cc gives local
// iteration over a full VM without needing real hardware.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/tinyrange/opentmk/internal/tmk/alloc"
	"github.com/tinyrange/opentmk/internal/tmk/cpuid"
	"github.com/tinyrange/opentmk/internal/tmk/hvcall"
	"github.com/tinyrange/opentmk/internal/tmk/hvdef"
	"github.com/tinyrange/opentmk/internal/tmk/interrupt"
	"github.com/tinyrange/opentmk/internal/tmk/logsink"
	"github.com/tinyrange/opentmk/internal/tmk/orchestrator"
	"github.com/tinyrange/opentmk/internal/tmk/platform"
	"github.com/tinyrange/opentmk/internal/tmk/scenarios"
	"github.com/tinyrange/opentmk/internal/tmk/sim"
)

// exitError carries a process exit code the way initx.ExitError does for
// the teacher's container runtime; a separate, minimal type here avoids
// pulling the container-specific initx package into a bare-metal test
// framework binary.
type exitError struct{ code int }

func (e *exitError) Error() string { return fmt.Sprintf("exit code %d", e.code) }

func main() {
	if err := run(); err != nil {
		var ee *exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		fmt.Fprintf(os.Stderr, "opentmk: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	vpCountFlag := flag.Uint("vp-count", 0, "override the detected logical processor count")
	heapMiBFlag := flag.Int("heap-mib", 4, "heap size, in MiB, reserved after boot services exit")
	scenarioFlag := flag.String("scenario", "misc", "scenario to run (see internal/tmk/scenarios)")
	flag.Parse()

	log := logsink.New(os.Stdout, logsink.LevelDebug)

	vpCount := uint32(*vpCountFlag)
	if vpCount == 0 {
		vpCount = cpuid.Amd64{}.LogicalProcessorCount()
		if vpCount == 0 {
			vpCount = 1
		}
	}

	partition := sim.NewPartition(vpCount)

	// Every simulated VP gets its own hvcall.Handle, bound to that VP's
	// own Dispatcher/VtlTransition pair — sim.Partition already keeps
	// per-VP state, so sharing VP 0's Handle across VPs would make every
	// hypercall issued "as" another VP silently read and write VP 0's
	// state instead.
	hvFor := func(vp hvdef.VpIndex) orchestrator.HyperCaller {
		h := hvcall.New(partition.Dispatcher(vp), partition.VtlTransition(vp))
		if err := h.Initialize(); err != nil {
			log.Error("initialize hypercall handle for vp %d: %v", vp, err)
		}
		return h
	}
	hv := hvFor(0)

	bs := newHostedBootServices()
	a := alloc.New(bs)
	if err := platform.Init(bs, a, log.Logger(), platform.Config{HeapMiB: *heapMiBFlag}); err != nil {
		platform.Shutdown(bs, log.Logger(), hvdef.StatusAborted)
		return &exitError{code: 1}
	}

	// Hosted test mode has no live firmware IDT to walk, so Core is built
	// over a synthetic, fully populated one instead of a nil live table —
	// scenario bodies that call SetInterruptIdx get a real handler slot
	// rather than an unconditional "vector out of range" error.
	core := interrupt.NewHostedCore()
	t := orchestrator.New(hv, hvFor, a, log, core, partition.VpCount())

	scenario, ok := scenarios.Lookup(*scenarioFlag)
	if !ok {
		return fmt.Errorf("unknown scenario %q", *scenarioFlag)
	}

	func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error("scenario %q panicked: %v", *scenarioFlag, r)
			}
		}()
		scenario(t)
	}()

	platform.Shutdown(bs, log.Logger(), hvdef.StatusSuccess)
	return nil
}
