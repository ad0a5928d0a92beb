package taskgraph

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// orderLog records the order tasks ran in.
type orderLog struct {
	mu    sync.Mutex
	names []string
}

func (l *orderLog) task(name string) Task {
	return Func(func() {
		l.mu.Lock()
		l.names = append(l.names, name)
		l.mu.Unlock()
	})
}

func (l *orderLog) got() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.names...)
}

func newRunner(t *testing.T) *Runner {
	t.Helper()
	r := NewRunner(t.Name())
	r.Start()
	t.Cleanup(r.Shutdown)
	return r
}

func waitIdle(t *testing.T, r *Runner, token NamespaceToken) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, r.WaitForTasksToFinishRunning(ctx, token))
}

// gate is a task that blocks until released, so tests can hold the worker.
type gate struct {
	TaskState
	started chan struct{}
	release chan struct{}
}

func newGate() *gate {
	return &gate{started: make(chan struct{}), release: make(chan struct{})}
}

func (g *gate) RunOnWorkerThread() {
	close(g.started)
	<-g.release
}

func TestRunsDependenciesFirst(t *testing.T) {
	r := newRunner(t)
	log := &orderLog{}

	decode, raster, upload := log.task("decode"), log.task("raster"), log.task("upload")
	g := &Graph{}
	// Priorities favour the dependents, but edges still win.
	g.AddNode(upload, 0, 0)
	g.AddNode(raster, 0, 0)
	g.AddNode(decode, 0, 5)
	g.AddEdge(decode, raster)
	g.AddEdge(raster, upload)

	token := r.GenerateNamespaceToken()
	require.NoError(t, r.ScheduleTasks(token, g))
	waitIdle(t, r, token)

	if diff := cmp.Diff([]string{"decode", "raster", "upload"}, log.got()); diff != "" {
		t.Errorf("run order (-want +got):\n%s", diff)
	}
	assert.True(t, upload.State().IsFinished())
}

func TestReadyTasksRunByPriority(t *testing.T) {
	r := newRunner(t)
	log := &orderLog{}

	// Hold the worker so the whole graph is ready before anything runs.
	hold := newGate()
	holdToken := r.GenerateNamespaceToken()
	require.NoError(t, r.ScheduleTasks(holdToken, &Graph{Nodes: []Node{{Task: hold}}}))
	<-hold.started

	g := &Graph{}
	g.AddNode(log.task("low-a"), 0, 3)
	g.AddNode(log.task("high"), 0, 1)
	g.AddNode(log.task("low-b"), 0, 3)
	g.AddNode(log.task("mid"), 0, 2)
	token := r.GenerateNamespaceToken()
	require.NoError(t, r.ScheduleTasks(token, g))

	close(hold.release)
	waitIdle(t, r, token)

	if diff := cmp.Diff([]string{"high", "mid", "low-a", "low-b"}, log.got()); diff != "" {
		t.Errorf("run order (-want +got):\n%s", diff)
	}
}

func TestPriorityAcrossNamespaces(t *testing.T) {
	r := newRunner(t)
	log := &orderLog{}

	hold := newGate()
	holdToken := r.GenerateNamespaceToken()
	require.NoError(t, r.ScheduleTasks(holdToken, &Graph{Nodes: []Node{{Task: hold}}}))
	<-hold.started

	a, b := r.GenerateNamespaceToken(), r.GenerateNamespaceToken()
	require.NoError(t, r.ScheduleTasks(a, &Graph{Nodes: []Node{{Task: log.task("a-low"), Priority: 9}}}))
	require.NoError(t, r.ScheduleTasks(b, &Graph{Nodes: []Node{{Task: log.task("b-high"), Priority: 0}}}))

	close(hold.release)
	waitIdle(t, r, a)
	waitIdle(t, r, b)

	assert.Equal(t, []string{"b-high", "a-low"}, log.got())
}

func TestCollectCompletedTasks(t *testing.T) {
	r := newRunner(t)
	token := r.GenerateNamespaceToken()

	t1, t2 := Func(func() {}), Func(func() {})
	require.NoError(t, r.ScheduleTasks(token, &Graph{Nodes: []Node{{Task: t1}, {Task: t2}}}))
	waitIdle(t, r, token)

	completed := r.CollectCompletedTasks(token)
	assert.ElementsMatch(t, []Task{t1, t2}, completed)
	assert.Empty(t, r.CollectCompletedTasks(token), "collected tasks are forgotten")
	assert.Nil(t, r.CollectCompletedTasks(NamespaceToken(0)))
}

func TestRescheduleCancelsDroppedTasks(t *testing.T) {
	r := newRunner(t)

	hold := newGate()
	holdToken := r.GenerateNamespaceToken()
	require.NoError(t, r.ScheduleTasks(holdToken, &Graph{Nodes: []Node{{Task: hold}}}))
	<-hold.started

	log := &orderLog{}
	keep, drop, added := log.task("keep"), log.task("drop"), log.task("added")
	token := r.GenerateNamespaceToken()
	require.NoError(t, r.ScheduleTasks(token, &Graph{Nodes: []Node{{Task: keep}, {Task: drop}}}))
	require.NoError(t, r.ScheduleTasks(token, &Graph{Nodes: []Node{{Task: keep}, {Task: added}}}))

	assert.True(t, drop.State().IsCanceled())

	close(hold.release)
	waitIdle(t, r, token)

	assert.ElementsMatch(t, []string{"keep", "added"}, log.got())
	assert.ElementsMatch(t, []Task{drop, keep, added}, r.CollectCompletedTasks(token))
	assert.Equal(t, 1, r.Stats().Canceled)
}

func TestCanceledTaskScheduledAgainRunsBeforeDependents(t *testing.T) {
	r := newRunner(t)

	hold := newGate()
	holdToken := r.GenerateNamespaceToken()
	require.NoError(t, r.ScheduleTasks(holdToken, &Graph{Nodes: []Node{{Task: hold}}}))
	<-hold.started

	log := &orderLog{}
	decode, upload := log.task("decode"), log.task("upload")
	token := r.GenerateNamespaceToken()
	require.NoError(t, r.ScheduleTasks(token, &Graph{Nodes: []Node{{Task: decode}}}))
	require.NoError(t, r.ScheduleTasks(token, &Graph{}))
	require.True(t, decode.State().IsCanceled())

	g := &Graph{}
	g.AddNode(decode, 0, 0)
	g.AddNode(upload, 0, 0)
	g.AddEdge(decode, upload)
	require.NoError(t, r.ScheduleTasks(token, g))
	assert.Equal(t, StateScheduled, decode.State().Load())

	close(hold.release)
	waitIdle(t, r, token)

	if diff := cmp.Diff([]string{"decode", "upload"}, log.got()); diff != "" {
		t.Errorf("run order (-want +got):\n%s", diff)
	}
	assert.True(t, decode.State().IsFinished())
	assert.True(t, upload.State().IsFinished())
	// The cancellation is superseded; each task is reported once.
	assert.ElementsMatch(t, []Task{decode, upload}, r.CollectCompletedTasks(token))
}

func TestRescheduleDoesNotRerunRunningOrFinished(t *testing.T) {
	r := newRunner(t)
	token := r.GenerateNamespaceToken()

	running := newGate()
	finishedRuns := 0
	finished := Func(func() { finishedRuns++ })

	require.NoError(t, r.ScheduleTasks(token, &Graph{Nodes: []Node{{Task: finished}}}))
	waitIdle(t, r, token)

	require.NoError(t, r.ScheduleTasks(token, &Graph{Nodes: []Node{{Task: running}}}))
	<-running.started

	// The dependent of a running task waits for it; the finished task is skipped.
	log := &orderLog{}
	after := log.task("after")
	g := &Graph{}
	g.AddNode(running, 0, 0)
	g.AddNode(finished, 0, 0)
	g.AddNode(after, 0, 0)
	g.AddEdge(running, after)
	g.AddEdge(finished, after)
	require.NoError(t, r.ScheduleTasks(token, g))

	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, log.got(), "dependent must wait for the running task")

	close(running.release)
	waitIdle(t, r, token)

	assert.Equal(t, []string{"after"}, log.got())
	assert.Equal(t, 1, finishedRuns)
}

func TestResetAllowsRescheduling(t *testing.T) {
	r := newRunner(t)
	token := r.GenerateNamespaceToken()

	runs := 0
	task := Func(func() { runs++ })
	for i := 0; i < 3; i++ {
		require.NoError(t, r.ScheduleTasks(token, &Graph{Nodes: []Node{{Task: task}}}))
		waitIdle(t, r, token)
		require.Len(t, r.CollectCompletedTasks(token), 1)
		task.State().Reset()
	}
	assert.Equal(t, 3, runs)
}

func TestScheduleErrors(t *testing.T) {
	r := newRunner(t)

	assert.ErrorIs(t, r.ScheduleTasks(NamespaceToken(0), &Graph{}), ErrInvalidNamespace)
	assert.ErrorIs(t, r.ScheduleTasks(NamespaceToken(1<<40), &Graph{}), ErrInvalidNamespace)

	a := Func(func() {})
	bad := &Graph{}
	bad.AddNode(a, 0, 0)
	bad.AddNode(a, 0, 0)
	assert.ErrorIs(t, r.ScheduleTasks(r.GenerateNamespaceToken(), bad), ErrInvalidGraph)

	token := r.GenerateNamespaceToken()
	require.NoError(t, r.ScheduleTasks(token, nil), "nil graph clears the namespace")
	waitIdle(t, r, token)
}

func TestWaitHonoursContext(t *testing.T) {
	r := newRunner(t)
	hold := newGate()
	token := r.GenerateNamespaceToken()
	require.NoError(t, r.ScheduleTasks(token, &Graph{Nodes: []Node{{Task: hold}}}))
	<-hold.started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, r.WaitForTasksToFinishRunning(ctx, token), context.DeadlineExceeded)

	close(hold.release)
	waitIdle(t, r, token)

	assert.ErrorIs(t, r.WaitForTasksToFinishRunning(context.Background(), NamespaceToken(0)), ErrInvalidNamespace)
}

func TestPanickingTaskIsContained(t *testing.T) {
	r := newRunner(t)
	log := &orderLog{}
	boom := Func(func() { panic("raster failed") })
	next := log.task("next")

	g := &Graph{}
	g.AddNode(boom, 7, 0)
	g.AddNode(next, 7, 0)
	g.AddEdge(boom, next)

	token := r.GenerateNamespaceToken()
	require.NoError(t, r.ScheduleTasks(token, g))
	waitIdle(t, r, token)

	assert.Equal(t, []string{"next"}, log.got())
	stats := r.Stats()
	assert.Equal(t, 1, stats.Panicked)
	assert.Equal(t, 2, stats.Completed)
	assert.Equal(t, 2, stats.ByCategory[7])
}

func TestShutdown(t *testing.T) {
	r := NewRunner("shutdown")
	r.Start()

	hold := newGate()
	dropped := Func(func() { t.Error("task ran after shutdown") })
	g := &Graph{}
	g.AddNode(hold, 0, 0)
	g.AddNode(dropped, 0, 0)
	g.AddEdge(hold, dropped)

	token := r.GenerateNamespaceToken()
	require.NoError(t, r.ScheduleTasks(token, g))
	<-hold.started

	stopped := make(chan struct{})
	go func() {
		r.Shutdown()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("shutdown returned while a task was running")
	case <-time.After(20 * time.Millisecond):
	}
	close(hold.release)
	<-stopped

	assert.True(t, hold.State().IsFinished())
	assert.ErrorIs(t, r.ScheduleTasks(token, &Graph{}), ErrRunnerShutdown)
	assert.ErrorIs(t, r.WaitForTasksToFinishRunning(context.Background(), token), ErrRunnerShutdown)

	// Idempotent.
	r.Shutdown()
}

func TestShutdownNeverStarted(t *testing.T) {
	r := NewRunner("idle")
	r.Shutdown()
	r.Start()
	r.Shutdown()
}

func TestConcurrentScheduling(t *testing.T) {
	r := newRunner(t)

	var wg sync.WaitGroup
	var mu sync.Mutex
	total := 0
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			token := r.GenerateNamespaceToken()
			g := &Graph{}
			var prev Task
			for i := 0; i < 20; i++ {
				task := Func(func() {
					mu.Lock()
					total++
					mu.Unlock()
				})
				g.AddNode(task, 0, uint16(i%3))
				if prev != nil {
					g.AddEdge(prev, task)
				}
				prev = task
			}
			assert.NoError(t, r.ScheduleTasks(token, g))
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			assert.NoError(t, r.WaitForTasksToFinishRunning(ctx, token))
			assert.Len(t, r.CollectCompletedTasks(token), 20)
		}()
	}
	wg.Wait()

	assert.Equal(t, 160, total)
}
