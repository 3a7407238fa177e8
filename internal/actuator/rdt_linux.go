//go:build linux

package actuator

import (
	"fmt"
	"sync"

	"github.com/intel/goresctrl/pkg/rdt"

	"prio-governor/internal/logging"
)

// goresctrl's rdt package is not safe for concurrent use; every call into it
// goes through rdtMu.
var rdtMu sync.Mutex

// lockedClass serializes AddPids on a resctrl class.
type lockedClass struct {
	cls rdt.CtrlGroup
}

func (c lockedClass) AddPids(pids ...string) error {
	rdtMu.Lock()
	defer rdtMu.Unlock()
	return c.cls.AddPids(pids...)
}

// initRDT initializes resctrl and returns a lookup of existing RDT classes.
// Classes are not created here; they are expected to be configured already.
func initRDT() (func(string) (pidAdder, bool), error) {
	rdtMu.Lock()
	err := rdt.Initialize("")
	rdtMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize RDT: %w", err)
	}
	logging.GetLogger().Info("RDT initialized for per-class assignment")
	return func(name string) (pidAdder, bool) {
		rdtMu.Lock()
		cls, ok := rdt.GetClass(name)
		rdtMu.Unlock()
		if !ok {
			return nil, false
		}
		return lockedClass{cls: cls}, true
	}, nil
}
