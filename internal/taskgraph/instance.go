package taskgraph

import (
	"sync"
	"sync/atomic"
)

// DefaultInstanceName names the shared runner unless SetInstanceName
// changes it before first use.
const DefaultInstanceName = "TestTaskGraphRunner"

var (
	instanceMu   sync.Mutex
	instance     atomic.Pointer[Runner]
	instanceName = DefaultInstanceName
)

// Instance returns the process-wide runner, constructing and starting it on
// first use. It lives until ShutdownInstance.
func Instance() *Runner {
	if r := instance.Load(); r != nil {
		return r
	}

	instanceMu.Lock()
	defer instanceMu.Unlock()

	if r := instance.Load(); r != nil {
		return r
	}
	r := NewRunner(instanceName)
	r.Start()
	instance.Store(r)
	return r
}

// SetInstanceName sets the name of the runner Instance creates next. It has
// no effect on a runner that already exists.
func SetInstanceName(name string) {
	if name == "" {
		name = DefaultInstanceName
	}
	instanceMu.Lock()
	instanceName = name
	instanceMu.Unlock()
}

// ShutdownInstance tears the shared runner down and joins its worker. A
// later Instance call builds a fresh runner.
func ShutdownInstance() {
	instanceMu.Lock()
	r := instance.Swap(nil)
	instanceMu.Unlock()

	if r != nil {
		r.Shutdown()
	}
}
