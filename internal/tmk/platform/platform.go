// Package platform wires UEFI boot glue: reserving the allocator's heap,
// marking the OS loader indications variable, calling ExitBootServices,
// and handling shutdown. It is grounded on
// original_source/opentmk/src/uefi/init.rs, and on the teacher's
// cmd/cc/main.go top-level run() error + internal/initx package for "one
// function sequences all boot-time side effects, returns an error the
// caller turns into an exit code" shape.
package platform

import (
	"fmt"
	"log/slog"

	"github.com/tinyrange/opentmk/internal/tmk/hvdef"
)

// BootServices is the narrow UEFI surface this package and alloc depend
// on. The real implementation talks to firmware; tests and hosted
// iteration use a fake.
type BootServices interface {
	AllocatePages(kind hvdef.AllocateType, memType hvdef.MemoryType, n int) (uintptr, error)
	AllocatePool(memType hvdef.MemoryType, size int) (uintptr, error)
	FreePool(addr uintptr) error
	ExitBootServices() error
	GetVariable(name string, vendor hvdef.GUID) ([]byte, error)
	SetVariable(name string, vendor hvdef.GUID, data []byte) error
	ResetSystem(kind hvdef.ResetType, status hvdef.Status)
}

// Allocator is the slice of alloc.Allocator PlatformInit drives directly.
type Allocator interface {
	Init(mib int) bool
}

// Config configures Init.
type Config struct {
	// HeapMiB is the size of the dedicated post-boot-services heap, passed
	// straight to Allocator.Init.
	HeapMiB int
}

const osLoaderIndicationsVarName = "OsLoaderIndications"

// osLoaderIndicationsGUID is the vendor GUID this framework's UEFI
// variable lives under: 610b9e98-c6f6-47f8-8b47-2d2da0d52a91.
var osLoaderIndicationsGUID = hvdef.OsLoaderIndicationsGUID

// Init reserves the allocator's dedicated heap, sets the OsLoaderIndications
// low bit under the framework's vendor GUID, and calls ExitBootServices.
// It sequences every boot-time side effect and returns a single error the
// caller (cmd/opentmk) turns into a Shutdown call.
func Init(bs BootServices, a Allocator, log *slog.Logger, cfg Config) error {
	if !a.Init(cfg.HeapMiB) {
		return fmt.Errorf("opentmk: allocator init failed for %d MiB heap", cfg.HeapMiB)
	}

	indications, err := bs.GetVariable(osLoaderIndicationsVarName, osLoaderIndicationsGUID)
	if err != nil {
		indications = []byte{0}
	}
	if len(indications) == 0 {
		indications = []byte{0}
	}
	indications[0] |= byte(hvdef.OsLoaderIndicationsVtlProtectionBit)
	if err := bs.SetVariable(osLoaderIndicationsVarName, osLoaderIndicationsGUID, indications); err != nil {
		return fmt.Errorf("opentmk: set OsLoaderIndications: %w", err)
	}

	if err := bs.ExitBootServices(); err != nil {
		return fmt.Errorf("opentmk: exit boot services: %w", err)
	}

	log.Info("platform init complete", "heap_mib", cfg.HeapMiB)
	return nil
}

// Shutdown logs the failure at Error, attempts ResetSystem(Shutdown,
// status), and falls back to an architecture trap if that call somehow
// returns (ResetSystem does not return on real firmware).
func Shutdown(bs BootServices, log *slog.Logger, status hvdef.Status) {
	log.Error("shutting down", "status", status)
	bs.ResetSystem(hvdef.ResetShutdown, status)
	trap()
}
