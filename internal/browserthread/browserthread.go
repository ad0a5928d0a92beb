// Package browserthread provides the named threads of the browser process.
//
// Each thread is a sequenced task runner: one goroutine draining a FIFO
// queue. Tasks posted to the same thread never run concurrently and run in
// posting order, so state owned by a thread needs no further locking when it
// is only touched from that thread's tasks.
//
// Go has no notion of the "current thread", so the context handed to a task
// carries the id of the thread running it. CurrentlyOn checks that id.
package browserthread

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"widgethost/internal/logging"
)

// ID names a browser thread.
type ID int

const (
	// UI is the thread owning view hosts and window creation.
	UI ID = iota
	// IO is the thread owning the widget helper registry and resource
	// dispatching.
	IO

	idCount
)

func (id ID) String() string {
	switch id {
	case UI:
		return "UI"
	case IO:
		return "IO"
	default:
		return fmt.Sprintf("unknown(%d)", int(id))
	}
}

// Valid reports whether id names a known thread.
func (id ID) Valid() bool {
	return id >= 0 && id < idCount
}

// Task is a unit of work posted to a thread.
type Task func(ctx context.Context)

var (
	// ErrThreadStopped is returned when posting to a thread that has shut down.
	ErrThreadStopped = errors.New("browser thread stopped")
	// ErrUnknownThread is returned for ids outside UI and IO.
	ErrUnknownThread = errors.New("unknown browser thread")
)

type threadKey struct{}

// CurrentlyOn reports whether ctx belongs to a task running on thread id.
func CurrentlyOn(ctx context.Context, id ID) bool {
	got, ok := From(ctx)
	return ok && got == id
}

// From returns the thread a task context belongs to.
func From(ctx context.Context) (ID, bool) {
	if ctx == nil {
		return 0, false
	}
	id, ok := ctx.Value(threadKey{}).(ID)
	return id, ok
}

// WithThread returns a context that claims to run on thread id. Tests use it
// to call thread-affine code synchronously.
func WithThread(ctx context.Context, id ID) context.Context {
	return context.WithValue(ctx, threadKey{}, id)
}

// Thread is a single sequenced task runner.
type Thread struct {
	id ID

	mu       sync.Mutex
	tasks    []Task
	started  bool
	stopping bool

	wake chan struct{}
	done chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
}

func newThread(id ID, capacity int) *Thread {
	ctx, cancel := context.WithCancel(WithThread(context.Background(), id))
	return &Thread{
		id:     id,
		tasks:  make([]Task, 0, capacity),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
}

// ID returns the thread's id.
func (t *Thread) ID() ID {
	return t.id
}

// PostTask enqueues task. It returns false once shutdown has begun.
// Tasks posted before Start are held until the thread starts.
func (t *Thread) PostTask(task Task) bool {
	if task == nil {
		return false
	}
	t.mu.Lock()
	if t.stopping {
		t.mu.Unlock()
		logging.ThreadsWarn("%s: task posted after shutdown dropped", t.id)
		return false
	}
	t.tasks = append(t.tasks, task)
	t.mu.Unlock()

	select {
	case t.wake <- struct{}{}:
	default:
	}
	return true
}

// Pending returns the number of queued tasks not yet started.
func (t *Thread) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.tasks)
}

func (t *Thread) start() {
	t.mu.Lock()
	if t.started || t.stopping {
		t.mu.Unlock()
		return
	}
	t.started = true
	t.mu.Unlock()

	go t.run()
	logging.Threads("%s: started", t.id)
}

func (t *Thread) run() {
	defer close(t.done)
	for {
		t.mu.Lock()
		if len(t.tasks) == 0 {
			if t.stopping {
				t.mu.Unlock()
				return
			}
			t.mu.Unlock()
			<-t.wake
			continue
		}
		task := t.tasks[0]
		t.tasks[0] = nil
		t.tasks = t.tasks[1:]
		t.mu.Unlock()

		t.execute(task)
	}
}

func (t *Thread) execute(task Task) {
	defer func() {
		if r := recover(); r != nil {
			logging.Get(logging.CategoryThreads).Error("%s: task panicked: %v", t.id, r)
		}
	}()
	task(t.ctx)
}

// shutdown stops accepting tasks. Queued tasks still run; their context is
// already cancelled so long-running work can bail out early. A thread that
// never started runs its queue on the caller's goroutine.
func (t *Thread) shutdown() {
	t.mu.Lock()
	if t.stopping {
		t.mu.Unlock()
		return
	}
	t.stopping = true
	started := t.started
	t.mu.Unlock()

	t.cancel()
	if !started {
		t.drainInline()
		close(t.done)
		return
	}
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

func (t *Thread) drainInline() {
	for {
		t.mu.Lock()
		tasks := t.tasks
		t.tasks = nil
		t.mu.Unlock()
		if len(tasks) == 0 {
			return
		}
		logging.ThreadsDebug("%s: running %d queued tasks without a goroutine", t.id, len(tasks))
		for _, task := range tasks {
			t.execute(task)
		}
	}
}

// Options configures a thread set.
type Options struct {
	// QueueCapacity preallocates each thread's queue. Queues grow past it.
	QueueCapacity int
}

// Threads owns the UI and IO threads of the browser process.
type Threads struct {
	threads [idCount]*Thread
	once    sync.Once
}

// New creates the thread set. Threads do not run tasks until Start.
func New(opts Options) *Threads {
	if opts.QueueCapacity <= 0 {
		opts.QueueCapacity = 64
	}
	ts := &Threads{}
	for id := ID(0); id < idCount; id++ {
		ts.threads[id] = newThread(id, opts.QueueCapacity)
	}
	return ts
}

// Start launches every thread's goroutine. Calling it twice is harmless.
func (ts *Threads) Start() {
	for _, t := range ts.threads {
		t.start()
	}
}

// Thread returns the thread for id, or nil for an unknown id.
func (ts *Threads) Thread(id ID) *Thread {
	if !id.Valid() {
		return nil
	}
	return ts.threads[id]
}

// PostTask enqueues task on thread id. It returns false for unknown ids and
// after shutdown.
func (ts *Threads) PostTask(id ID, task Task) bool {
	t := ts.Thread(id)
	if t == nil {
		logging.ThreadsWarn("PostTask to %s dropped", id)
		return false
	}
	return t.PostTask(task)
}

// Flush blocks until every task posted to id before the call has run.
func (ts *Threads) Flush(ctx context.Context, id ID) error {
	t := ts.Thread(id)
	if t == nil {
		return fmt.Errorf("flush %s: %w", id, ErrUnknownThread)
	}
	fence := make(chan struct{})
	if !t.PostTask(func(context.Context) { close(fence) }) {
		return fmt.Errorf("flush %s: %w", id, ErrThreadStopped)
	}
	select {
	case <-fence:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// FlushAll flushes IO then UI. Continuations posted by IO tasks to UI are
// therefore covered.
func (ts *Threads) FlushAll(ctx context.Context) error {
	if err := ts.Flush(ctx, IO); err != nil {
		return err
	}
	return ts.Flush(ctx, UI)
}

// Shutdown stops accepting tasks, drains what is queued and joins every
// thread goroutine, or returns ctx's error if that takes too long.
func (ts *Threads) Shutdown(ctx context.Context) error {
	ts.once.Do(func() {
		for _, t := range ts.threads {
			t.shutdown()
		}
	})
	for _, t := range ts.threads {
		select {
		case <-t.done:
		case <-ctx.Done():
			return fmt.Errorf("shutdown %s: %w", t.id, ctx.Err())
		}
	}
	logging.Threads("all browser threads stopped")
	return nil
}
