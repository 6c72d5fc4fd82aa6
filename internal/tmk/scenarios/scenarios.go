// Package scenarios holds the end-to-end test bodies this framework
// ships, each grounded on one of the scenarios in
// original_source/opentmk/src/uefi/tests/. They are ordinary functions
// over *orchestrator.TestCtx — "individual test bodies" are named in
// spec.md §1 as an external collaborator, so this package is the
// concrete, swappable implementation of that boundary rather than part
// of the framework's own public API.
package scenarios

import "github.com/tinyrange/opentmk/internal/tmk/orchestrator"

// Scenario is one runnable test body, invoked with the TestCtx bound to
// the boot VP.
type Scenario func(*orchestrator.TestCtx)

var registry = map[string]Scenario{
	"misc": Misc,
}

// Lookup resolves a scenario by the name cmd/opentmk's -scenario flag was
// given.
func Lookup(name string) (Scenario, bool) {
	s, ok := registry[name]
	return s, ok
}
