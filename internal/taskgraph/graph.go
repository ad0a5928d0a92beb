// Package taskgraph runs dependency graphs of tasks on a single background
// worker.
//
// A compositor hands the runner a Graph of raster and decode tasks for a
// namespace. The worker runs tasks whose dependencies have all finished,
// lowest priority value first, and parks finished tasks until the owner
// collects them. Scheduling a new graph for a namespace replaces whatever
// had not started yet.
package taskgraph

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

var (
	// ErrInvalidGraph is returned for graphs with unknown edge endpoints,
	// duplicate nodes, inconsistent dependency counts or cycles.
	ErrInvalidGraph = errors.New("invalid task graph")
	// ErrRunnerShutdown is returned once the runner has been shut down.
	ErrRunnerShutdown = errors.New("task graph runner shut down")
	// ErrInvalidNamespace is returned for the zero token or tokens the
	// runner did not generate.
	ErrInvalidNamespace = errors.New("invalid namespace token")
)

// State is the lifecycle stage of a task.
type State int32

const (
	StateNew State = iota
	StateScheduled
	StateRunning
	StateFinished
	StateCanceled
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateScheduled:
		return "scheduled"
	case StateRunning:
		return "running"
	case StateFinished:
		return "finished"
	case StateCanceled:
		return "canceled"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// TaskState tracks a task's lifecycle. Embed it in task types; its State
// method then satisfies the Task interface.
type TaskState struct {
	v atomic.Int32
}

// State returns the embedded state itself.
func (s *TaskState) State() *TaskState {
	return s
}

// Load returns the current stage.
func (s *TaskState) Load() State {
	return State(s.v.Load())
}

// IsFinished reports whether the task ran to completion.
func (s *TaskState) IsFinished() bool {
	return s.Load() == StateFinished
}

// IsCanceled reports whether the task was dropped before it started.
func (s *TaskState) IsCanceled() bool {
	return s.Load() == StateCanceled
}

func (s *TaskState) set(st State) {
	s.v.Store(int32(st))
}

// Reset returns a collected task to StateNew so it can be scheduled again.
func (s *TaskState) Reset() {
	s.set(StateNew)
}

// Task is a unit of work run on the runner's worker.
type Task interface {
	RunOnWorkerThread()
	State() *TaskState
}

type funcTask struct {
	TaskState
	fn func()
}

func (t *funcTask) RunOnWorkerThread() { t.fn() }

// Func adapts fn to a Task.
func Func(fn func()) Task {
	return &funcTask{fn: fn}
}

// Node is a task in a graph. Dependencies is the number of edges ending at
// the node; AddEdge keeps it current.
type Node struct {
	Task         Task
	Category     uint16
	Priority     uint16
	Dependencies uint32
}

// Edge says Dependent may not start before Task finished.
type Edge struct {
	Task      Task
	Dependent Task
}

// Graph is a set of nodes and the edges between them.
type Graph struct {
	Nodes []Node
	Edges []Edge
}

// AddNode appends a node with no dependencies.
func (g *Graph) AddNode(task Task, category, priority uint16) {
	g.Nodes = append(g.Nodes, Node{Task: task, Category: category, Priority: priority})
}

// AddEdge records that dependent waits for task and bumps the dependent's
// dependency count. Both nodes must already be in the graph.
func (g *Graph) AddEdge(task, dependent Task) {
	for i := range g.Nodes {
		if g.Nodes[i].Task == dependent {
			g.Nodes[i].Dependencies++
			break
		}
	}
	g.Edges = append(g.Edges, Edge{Task: task, Dependent: dependent})
}

// Reset empties the graph, keeping its storage.
func (g *Graph) Reset() {
	g.Nodes = g.Nodes[:0]
	g.Edges = g.Edges[:0]
}

// Validate checks that the graph is well formed and acyclic.
func (g *Graph) Validate() error {
	index := make(map[Task]int, len(g.Nodes))
	for i, n := range g.Nodes {
		if n.Task == nil {
			return fmt.Errorf("%w: node %d has no task", ErrInvalidGraph, i)
		}
		if _, dup := index[n.Task]; dup {
			return fmt.Errorf("%w: task at node %d appears twice", ErrInvalidGraph, i)
		}
		index[n.Task] = i
	}

	incoming := make([]uint32, len(g.Nodes))
	out := make([][]int, len(g.Nodes))
	for i, e := range g.Edges {
		from, ok := index[e.Task]
		if !ok {
			return fmt.Errorf("%w: edge %d starts at a task outside the graph", ErrInvalidGraph, i)
		}
		to, ok := index[e.Dependent]
		if !ok {
			return fmt.Errorf("%w: edge %d ends at a task outside the graph", ErrInvalidGraph, i)
		}
		if from == to {
			return fmt.Errorf("%w: edge %d is a self loop", ErrInvalidGraph, i)
		}
		incoming[to]++
		out[from] = append(out[from], to)
	}
	for i, n := range g.Nodes {
		if n.Dependencies != incoming[i] {
			return fmt.Errorf("%w: node %d declares %d dependencies but has %d incoming edges",
				ErrInvalidGraph, i, n.Dependencies, incoming[i])
		}
	}

	// Kahn's algorithm: every node must be reachable from a root.
	remaining := append([]uint32(nil), incoming...)
	queue := make([]int, 0, len(g.Nodes))
	for i, c := range remaining {
		if c == 0 {
			queue = append(queue, i)
		}
	}
	visited := 0
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		visited++
		for _, d := range out[n] {
			remaining[d]--
			if remaining[d] == 0 {
				queue = append(queue, d)
			}
		}
	}
	if visited != len(g.Nodes) {
		return fmt.Errorf("%w: graph has a cycle", ErrInvalidGraph)
	}
	return nil
}

// NamespaceToken names an independent set of tasks on a runner.
type NamespaceToken int64

// IsValid reports whether the token was generated by a runner.
func (t NamespaceToken) IsValid() bool {
	return t != 0
}

// tokenSource is shared by every runner so tokens never collide across
// runners either.
var tokenSource struct {
	sync.Mutex
	next NamespaceToken
}

func nextToken() NamespaceToken {
	tokenSource.Lock()
	defer tokenSource.Unlock()
	tokenSource.next++
	return tokenSource.next
}
