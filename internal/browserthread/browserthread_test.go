package browserthread

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func startThreads(t *testing.T) *Threads {
	t.Helper()
	ts := New(Options{})
	ts.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, ts.Shutdown(ctx))
	})
	return ts
}

func TestID_String(t *testing.T) {
	assert.Equal(t, "UI", UI.String())
	assert.Equal(t, "IO", IO.String())
	assert.Equal(t, "unknown(9)", ID(9).String())
	assert.False(t, ID(-1).Valid())
}

func TestPostTask_RunsInOrder(t *testing.T) {
	ts := startThreads(t)

	var mu sync.Mutex
	var order []int
	for i := 0; i < 100; i++ {
		i := i
		require.True(t, ts.PostTask(IO, func(context.Context) {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		}))
	}
	require.NoError(t, ts.Flush(context.Background(), IO))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, order, 100)
	for i, v := range order {
		assert.Equal(t, i, v)
	}
}

func TestPostTask_NeverConcurrentOnOneThread(t *testing.T) {
	ts := startThreads(t)

	var running, maxRunning atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				ts.PostTask(UI, func(context.Context) {
					n := running.Add(1)
					for {
						m := maxRunning.Load()
						if n <= m || maxRunning.CompareAndSwap(m, n) {
							break
						}
					}
					running.Add(-1)
				})
			}
		}()
	}
	wg.Wait()
	require.NoError(t, ts.Flush(context.Background(), UI))
	assert.Equal(t, int32(1), maxRunning.Load())
}

func TestCurrentlyOn(t *testing.T) {
	ts := startThreads(t)

	results := make(chan [2]bool, 2)
	ts.PostTask(IO, func(ctx context.Context) {
		results <- [2]bool{CurrentlyOn(ctx, IO), CurrentlyOn(ctx, UI)}
	})
	ts.PostTask(UI, func(ctx context.Context) {
		results <- [2]bool{CurrentlyOn(ctx, UI), CurrentlyOn(ctx, IO)}
	})
	require.NoError(t, ts.FlushAll(context.Background()))

	for i := 0; i < 2; i++ {
		r := <-results
		assert.True(t, r[0], "task should be on its own thread")
		assert.False(t, r[1], "task should not be on the other thread")
	}

	assert.False(t, CurrentlyOn(context.Background(), IO))
	assert.True(t, CurrentlyOn(WithThread(context.Background(), IO), IO))
}

func TestPostTask_BeforeStartIsHeld(t *testing.T) {
	ts := New(Options{QueueCapacity: 4})

	ran := make(chan struct{})
	require.True(t, ts.PostTask(IO, func(context.Context) { close(ran) }))
	assert.Equal(t, 1, ts.Thread(IO).Pending())

	select {
	case <-ran:
		t.Fatal("task ran before Start")
	case <-time.After(20 * time.Millisecond):
	}

	ts.Start()
	<-ran
	require.NoError(t, ts.Shutdown(context.Background()))
}

func TestPostTask_AfterShutdown(t *testing.T) {
	ts := New(Options{})
	ts.Start()
	require.NoError(t, ts.Shutdown(context.Background()))

	assert.False(t, ts.PostTask(IO, func(context.Context) {}))
	assert.ErrorIs(t, ts.Flush(context.Background(), IO), ErrThreadStopped)
	// Shutdown is idempotent.
	require.NoError(t, ts.Shutdown(context.Background()))
}

func TestShutdown_DrainsQueuedTasks(t *testing.T) {
	ts := New(Options{})
	ts.Start()

	var count atomic.Int32
	block := make(chan struct{})
	ts.PostTask(IO, func(context.Context) { <-block })
	for i := 0; i < 10; i++ {
		ts.PostTask(IO, func(context.Context) { count.Add(1) })
	}

	done := make(chan error, 1)
	go func() { done <- ts.Shutdown(context.Background()) }()
	close(block)

	require.NoError(t, <-done)
	assert.Equal(t, int32(10), count.Load())
}

func TestShutdown_ContextDeadline(t *testing.T) {
	ts := New(Options{})
	ts.Start()

	release := make(chan struct{})
	ts.PostTask(UI, func(context.Context) { <-release })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, ts.Shutdown(ctx), context.DeadlineExceeded)

	close(release)
	require.NoError(t, ts.Shutdown(context.Background()))
}

func TestShutdown_NeverStartedRunsQueueInline(t *testing.T) {
	ts := New(Options{})

	var order []string
	ts.PostTask(UI, func(ctx context.Context) {
		order = append(order, "ui")
		assert.True(t, CurrentlyOn(ctx, UI))
		assert.Error(t, ctx.Err(), "queued tasks see a cancelled context")
		// UI drains first, so IO still accepts this.
		assert.True(t, ts.PostTask(IO, func(context.Context) { order = append(order, "io from ui") }))
	})
	ts.PostTask(IO, func(context.Context) { order = append(order, "io") })
	ts.PostTask(IO, func(context.Context) { panic("boom") })

	require.NoError(t, ts.Shutdown(context.Background()))
	assert.Equal(t, []string{"ui", "io", "io from ui"}, order)
	assert.Equal(t, 0, ts.Thread(IO).Pending())

	// Starting afterwards is a no-op.
	ts.Start()
	assert.False(t, ts.PostTask(IO, func(context.Context) {}))
}

func TestPanickingTaskDoesNotKillThread(t *testing.T) {
	ts := startThreads(t)

	ts.PostTask(IO, func(context.Context) { panic("boom") })
	ran := make(chan struct{})
	ts.PostTask(IO, func(context.Context) { close(ran) })
	require.NoError(t, ts.Flush(context.Background(), IO))
	<-ran
}

func TestUnknownThread(t *testing.T) {
	ts := startThreads(t)
	assert.Nil(t, ts.Thread(ID(5)))
	assert.False(t, ts.PostTask(ID(5), func(context.Context) {}))
	assert.ErrorIs(t, ts.Flush(context.Background(), ID(5)), ErrUnknownThread)
}
