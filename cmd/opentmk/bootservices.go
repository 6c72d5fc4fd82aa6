package main

import (
	"fmt"
	"os"
	"unsafe"

	"github.com/tinyrange/opentmk/internal/tmk/hvdef"
)

// hostedBootServices backs AllocatePages/AllocatePool with real Go heap
// memory and ResetSystem with os.Exit, so the hosted test-mode binary can
// drive platform.Init and alloc.Allocator without real UEFI firmware.
type hostedBootServices struct {
	variables map[string][]byte
}

func newHostedBootServices() *hostedBootServices {
	return &hostedBootServices{variables: make(map[string][]byte)}
}

func (h *hostedBootServices) AllocatePages(kind hvdef.AllocateType, memType hvdef.MemoryType, n int) (uintptr, error) {
	buf := make([]byte, n*int(hvdef.PageSize)+int(hvdef.PageSize))
	base := uintptr(unsafe.Pointer(&buf[0]))
	aligned := (base + uintptr(hvdef.PageSize) - 1) &^ (uintptr(hvdef.PageSize) - 1)
	return aligned, nil
}

func (h *hostedBootServices) AllocatePool(memType hvdef.MemoryType, size int) (uintptr, error) {
	buf := make([]byte, size)
	if size == 0 {
		return 0, nil
	}
	return uintptr(unsafe.Pointer(&buf[0])), nil
}

func (h *hostedBootServices) FreePool(addr uintptr) error { return nil }

func (h *hostedBootServices) ExitBootServices() error { return nil }

func (h *hostedBootServices) GetVariable(name string, vendor hvdef.GUID) ([]byte, error) {
	v, ok := h.variables[name]
	if !ok {
		return nil, fmt.Errorf("opentmk: variable %q not set", name)
	}
	return v, nil
}

func (h *hostedBootServices) SetVariable(name string, vendor hvdef.GUID, data []byte) error {
	h.variables[name] = append([]byte(nil), data...)
	return nil
}

func (h *hostedBootServices) ResetSystem(kind hvdef.ResetType, status hvdef.Status) {
	os.Exit(int(status))
}
