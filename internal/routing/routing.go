// Package routing allocates routing identifiers for window and widget
// endpoints created on behalf of renderer processes.
package routing

import (
	"errors"
	"fmt"
	"math"
	"sync/atomic"

	"widgethost/internal/logging"
)

const (
	// None marks the absence of a route. Windows opened without script
	// access to their opener carry this id.
	None int32 = -2

	// Control is reserved for control messages and is never allocated.
	Control int32 = math.MaxInt32
)

// ErrExhausted is returned once every id below Control has been handed out.
var ErrExhausted = errors.New("routing ids exhausted")

// Allocator hands out monotonically increasing, non-zero routing ids.
// A single Allocator is shared by every widget helper in a process.
// The zero value is ready to use.
type Allocator struct {
	last atomic.Int32
}

// TryNext returns a fresh routing id. It reports false, and allocates
// nothing, once the counter has reached Control-1; ids never wrap into the
// reserved or negative range.
func (a *Allocator) TryNext() (int32, bool) {
	for {
		cur := a.last.Load()
		if cur < 0 || cur >= Control-1 {
			return None, false
		}
		if a.last.CompareAndSwap(cur, cur+1) {
			return cur + 1, true
		}
	}
}

// Next returns a fresh routing id, or None once the allocator is exhausted.
func (a *Allocator) Next() int32 {
	id, ok := a.TryNext()
	if !ok {
		logging.RoutingWarn("routing id allocator exhausted at %d", a.last.Load())
	}
	return id
}

// Peek reports the most recently allocated id, or 0 if none.
func (a *Allocator) Peek() int32 {
	return a.last.Load()
}

var shared Allocator

// Shared returns the process-wide allocator.
func Shared() *Allocator {
	return &shared
}

// GlobalRequestID identifies a network request across processes: the child
// (renderer) process id plus the request id that process assigned.
type GlobalRequestID struct {
	ChildID   int
	RequestID string
}

func (g GlobalRequestID) String() string {
	return fmt.Sprintf("%d:%s", g.ChildID, g.RequestID)
}
