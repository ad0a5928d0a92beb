package taskgraph

import (
	"context"
	"fmt"
	"sync"

	"widgethost/internal/logging"
)

// pendingNode is a scheduled task that has not started.
type pendingNode struct {
	node      Node
	remaining uint32
	seq       uint64
}

type namespace struct {
	token      NamespaceToken
	pending    map[Task]*pendingNode
	ready      []*pendingNode // sorted by (priority, seq)
	dependents map[Task][]Task
	running    map[Task]struct{}
	completed  []Task
}

func newNamespace(token NamespaceToken) *namespace {
	return &namespace{
		token:      token,
		pending:    make(map[Task]*pendingNode),
		dependents: make(map[Task][]Task),
		running:    make(map[Task]struct{}),
	}
}

func (ns *namespace) idle() bool {
	return len(ns.pending) == 0 && len(ns.running) == 0
}

// forgetCompleted drops an uncollected canceled task that is being queued
// again, so it is reported once, when it finishes.
func (ns *namespace) forgetCompleted(task Task) {
	for i, t := range ns.completed {
		if t == task {
			ns.completed = append(ns.completed[:i], ns.completed[i+1:]...)
			return
		}
	}
}

// insertReady keeps ns.ready ordered by priority, then scheduling order.
func (ns *namespace) insertReady(p *pendingNode) {
	i := len(ns.ready)
	ns.ready = append(ns.ready, p)
	for i > 0 && less(p, ns.ready[i-1]) {
		ns.ready[i] = ns.ready[i-1]
		i--
	}
	ns.ready[i] = p
}

func less(a, b *pendingNode) bool {
	if a.node.Priority != b.node.Priority {
		return a.node.Priority < b.node.Priority
	}
	return a.seq < b.seq
}

// Stats counts what a runner has done since it started.
type Stats struct {
	Scheduled  int
	Completed  int
	Canceled   int
	Panicked   int
	ByCategory map[uint16]int
}

// Runner executes task graphs on one background goroutine.
type Runner struct {
	name string

	mu         sync.Mutex
	namespaces map[NamespaceToken]*namespace
	seq        uint64
	started    bool
	shutdown   bool
	stats      Stats

	// changed is closed and replaced whenever task state moves, waking
	// WaitForTasksToFinishRunning callers.
	changed chan struct{}
	wake    chan struct{}
	done    chan struct{}
}

// NewRunner creates a runner. Its worker starts with Start.
func NewRunner(name string) *Runner {
	return &Runner{
		name:       name,
		namespaces: make(map[NamespaceToken]*namespace),
		stats:      Stats{ByCategory: make(map[uint16]int)},
		changed:    make(chan struct{}),
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
}

// Name returns the runner's name.
func (r *Runner) Name() string {
	return r.name
}

// Start launches the worker goroutine. Calling it again is a no-op.
func (r *Runner) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started || r.shutdown {
		return
	}
	r.started = true
	go r.run()
	logging.TaskGraph("%s: worker started", r.name)
}

// GenerateNamespaceToken returns a fresh namespace for ScheduleTasks.
func (r *Runner) GenerateNamespaceToken() NamespaceToken {
	token := nextToken()
	r.mu.Lock()
	r.namespaces[token] = newNamespace(token)
	r.mu.Unlock()
	return token
}

// ScheduleTasks replaces the namespace's unstarted work with graph.
//
// Tasks of the graph that are already running or finished are not run
// again, and finished dependencies no longer block their dependents.
// Previously scheduled tasks missing from graph that have not started are
// canceled and show up in CollectCompletedTasks.
func (r *Runner) ScheduleTasks(token NamespaceToken, graph *Graph) error {
	if graph == nil {
		graph = &Graph{}
	}
	if err := graph.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.shutdown {
		return ErrRunnerShutdown
	}
	ns, ok := r.namespaces[token]
	if !ok {
		return fmt.Errorf("%w: %d", ErrInvalidNamespace, token)
	}

	inGraph := make(map[Task]struct{}, len(graph.Nodes))
	for _, n := range graph.Nodes {
		inGraph[n.Task] = struct{}{}
	}

	// Cancel unstarted tasks the new graph no longer wants.
	for task := range ns.pending {
		if _, keep := inGraph[task]; keep {
			continue
		}
		task.State().set(StateCanceled)
		ns.completed = append(ns.completed, task)
		r.stats.Canceled++
	}

	// Only a finished task satisfies an edge. A canceled task that shows up
	// again is queued like a new one.
	done := func(t Task) bool {
		return t.State().Load() == StateFinished
	}

	pending := make(map[Task]*pendingNode, len(graph.Nodes))
	for _, n := range graph.Nodes {
		if _, running := ns.running[n.Task]; running || done(n.Task) {
			continue
		}
		p, existed := ns.pending[n.Task]
		if !existed {
			if n.Task.State().IsCanceled() {
				ns.forgetCompleted(n.Task)
			}
			r.seq++
			p = &pendingNode{seq: r.seq}
			r.stats.Scheduled++
		}
		p.node = n
		p.remaining = 0
		pending[n.Task] = p
		n.Task.State().set(StateScheduled)
	}

	dependents := make(map[Task][]Task, len(graph.Edges))
	for _, e := range graph.Edges {
		dependents[e.Task] = append(dependents[e.Task], e.Dependent)
		if done(e.Task) {
			continue
		}
		if p, ok := pending[e.Dependent]; ok {
			p.remaining++
		}
	}

	ns.pending = pending
	ns.dependents = dependents
	ns.ready = ns.ready[:0]
	for _, n := range graph.Nodes {
		if p, ok := pending[n.Task]; ok && p.remaining == 0 {
			ns.insertReady(p)
		}
	}

	logging.TaskGraphDebug("%s: namespace %d scheduled %d nodes (%d ready)",
		r.name, token, len(pending), len(ns.ready))
	r.notifyLocked()
	select {
	case r.wake <- struct{}{}:
	default:
	}
	return nil
}

// WaitForTasksToFinishRunning blocks until the namespace has nothing pending
// or running, or ctx ends.
func (r *Runner) WaitForTasksToFinishRunning(ctx context.Context, token NamespaceToken) error {
	for {
		r.mu.Lock()
		ns, ok := r.namespaces[token]
		if !ok {
			r.mu.Unlock()
			return fmt.Errorf("%w: %d", ErrInvalidNamespace, token)
		}
		if ns.idle() {
			r.mu.Unlock()
			return nil
		}
		if r.shutdown && len(ns.running) == 0 {
			r.mu.Unlock()
			return ErrRunnerShutdown
		}
		changed := r.changed
		r.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// CollectCompletedTasks returns the namespace's finished and canceled tasks
// and forgets them.
func (r *Runner) CollectCompletedTasks(token NamespaceToken) []Task {
	r.mu.Lock()
	defer r.mu.Unlock()

	ns, ok := r.namespaces[token]
	if !ok {
		return nil
	}
	completed := ns.completed
	ns.completed = nil
	return completed
}

// Stats returns a snapshot of the runner's counters.
func (r *Runner) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.stats
	s.ByCategory = make(map[uint16]int, len(r.stats.ByCategory))
	for k, v := range r.stats.ByCategory {
		s.ByCategory[k] = v
	}
	return s
}

// Shutdown stops the worker after its current task and waits for it to
// exit. Unstarted tasks are dropped. Safe to call more than once.
func (r *Runner) Shutdown() {
	r.mu.Lock()
	if r.shutdown {
		r.mu.Unlock()
		<-r.done
		return
	}
	r.shutdown = true
	started := r.started
	r.notifyLocked()
	r.mu.Unlock()

	if !started {
		close(r.done)
		return
	}
	select {
	case r.wake <- struct{}{}:
	default:
	}
	<-r.done
	logging.TaskGraph("%s: worker stopped", r.name)
}

func (r *Runner) notifyLocked() {
	close(r.changed)
	r.changed = make(chan struct{})
}

// next pops the highest priority ready task across all namespaces.
func (r *Runner) nextLocked() (*namespace, *pendingNode) {
	var bestNS *namespace
	var best *pendingNode
	for _, ns := range r.namespaces {
		if len(ns.ready) == 0 {
			continue
		}
		if best == nil || less(ns.ready[0], best) {
			bestNS, best = ns, ns.ready[0]
		}
	}
	if best == nil {
		return nil, nil
	}
	bestNS.ready = bestNS.ready[1:]
	delete(bestNS.pending, best.node.Task)
	bestNS.running[best.node.Task] = struct{}{}
	best.node.Task.State().set(StateRunning)
	return bestNS, best
}

func (r *Runner) run() {
	defer close(r.done)
	for {
		r.mu.Lock()
		if r.shutdown {
			r.mu.Unlock()
			return
		}
		ns, p := r.nextLocked()
		r.mu.Unlock()

		if p == nil {
			<-r.wake
			continue
		}

		panicked := r.execute(p.node.Task)

		r.mu.Lock()
		task := p.node.Task
		delete(ns.running, task)
		task.State().set(StateFinished)
		ns.completed = append(ns.completed, task)
		r.stats.Completed++
		r.stats.ByCategory[p.node.Category]++
		if panicked {
			r.stats.Panicked++
		}
		for _, dep := range ns.dependents[task] {
			dp, ok := ns.pending[dep]
			if !ok || dp.remaining == 0 {
				continue
			}
			dp.remaining--
			if dp.remaining == 0 {
				ns.insertReady(dp)
			}
		}
		r.notifyLocked()
		r.mu.Unlock()
	}
}

func (r *Runner) execute(task Task) (panicked bool) {
	defer func() {
		if rec := recover(); rec != nil {
			panicked = true
			logging.TaskGraphError("%s: task panicked: %v", r.name, rec)
		}
	}()
	task.RunOnWorkerThread()
	return false
}
