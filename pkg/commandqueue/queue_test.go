package commandqueue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunLaneSerialization(t *testing.T) {
	t.Run("should run exactly one task at a time on the run lane", func(t *testing.T) {
		queue := New()
		defer queue.Close()

		var active, maxActive atomic.Int32
		var wg sync.WaitGroup
		task := func(ctx context.Context) (any, error) {
			cur := active.Add(1)
			for {
				prev := maxActive.Load()
				if cur <= prev || maxActive.CompareAndSwap(prev, cur) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			active.Add(-1)
			return nil, nil
		}

		for i := 0; i < 4; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := queue.Enqueue(RunLane, task, nil)
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		assert.Equal(t, int32(1), maxActive.Load())
	})

	t.Run("should dispatch pending task after active finishes", func(t *testing.T) {
		queue := New()
		defer queue.Close()

		release := make(chan struct{})
		firstDone := make(chan struct{})
		go queue.Enqueue(RunLane, func(ctx context.Context) (any, error) {
			<-release
			close(firstDone)
			return "first", nil
		}, nil)

		// Wait for the first task to occupy the slot.
		require.Eventually(t, func() bool {
			return queue.RunningCount(RunLane) == 1
		}, time.Second, 5*time.Millisecond)

		secondResult := make(chan string, 1)
		go func() {
			value, err := queue.Enqueue(RunLane, func(ctx context.Context) (any, error) {
				return "second", nil
			}, nil)
			require.NoError(t, err)
			secondResult <- value.(string)
		}()

		require.Eventually(t, func() bool {
			return queue.PendingCount(RunLane) == 1
		}, time.Second, 5*time.Millisecond)

		close(release)
		<-firstDone

		select {
		case got := <-secondResult:
			assert.Equal(t, "second", got)
		case <-time.After(2 * time.Second):
			t.Fatal("pending task was never dispatched")
		}
	})

	t.Run("should return task value and error to the caller", func(t *testing.T) {
		queue := New()
		defer queue.Close()

		value, err := queue.Enqueue(RunLane, func(ctx context.Context) (any, error) {
			return 42, nil
		}, nil)
		require.NoError(t, err)
		assert.Equal(t, 42, value)

		boom := errors.New("boom")
		_, err = queue.Enqueue(RunLane, func(ctx context.Context) (any, error) {
			return nil, boom
		}, nil)
		assert.ErrorIs(t, err, boom)
	})
}

func TestIdempotentSubmission(t *testing.T) {
	t.Run("should execute once per request id and cache the result", func(t *testing.T) {
		queue := New()
		defer queue.Close()

		var executions atomic.Int32
		opts := &TaskOptions{RequestID: "req-1"}
		task := func(ctx context.Context) (any, error) {
			executions.Add(1)
			return "done", nil
		}

		first, err := queue.Enqueue(RunLane, task, opts)
		require.NoError(t, err)
		second, err := queue.Enqueue(RunLane, task, opts)
		require.NoError(t, err)

		assert.Equal(t, "done", first)
		assert.Equal(t, "done", second)
		assert.Equal(t, int32(1), executions.Load())
	})

	t.Run("should replay cached errors too", func(t *testing.T) {
		queue := New()
		defer queue.Close()

		var executions atomic.Int32
		opts := &TaskOptions{RequestID: "req-2"}
		boom := errors.New("boom")
		task := func(ctx context.Context) (any, error) {
			executions.Add(1)
			return nil, boom
		}

		_, err := queue.Enqueue(RunLane, task, opts)
		require.ErrorIs(t, err, boom)
		_, err = queue.Enqueue(RunLane, task, opts)
		require.ErrorIs(t, err, boom)

		assert.Equal(t, int32(1), executions.Load())
	})

	t.Run("should not dedupe distinct request ids", func(t *testing.T) {
		queue := New()
		defer queue.Close()

		var executions atomic.Int32
		task := func(ctx context.Context) (any, error) {
			executions.Add(1)
			return nil, nil
		}

		_, err := queue.Enqueue(RunLane, task, &TaskOptions{RequestID: "a"})
		require.NoError(t, err)
		_, err = queue.Enqueue(RunLane, task, &TaskOptions{RequestID: "b"})
		require.NoError(t, err)

		assert.Equal(t, int32(2), executions.Load())
	})
}

func TestResetLane(t *testing.T) {
	t.Run("should reject pending tasks from the old generation", func(t *testing.T) {
		queue := New()
		defer queue.Close()

		release := make(chan struct{})
		go queue.Enqueue(RunLane, func(ctx context.Context) (any, error) {
			<-release
			return nil, nil
		}, nil)

		require.Eventually(t, func() bool {
			return queue.RunningCount(RunLane) == 1
		}, time.Second, 5*time.Millisecond)

		pendingErr := make(chan error, 1)
		go func() {
			_, err := queue.Enqueue(RunLane, func(ctx context.Context) (any, error) {
				return nil, nil
			}, nil)
			pendingErr <- err
		}()

		require.Eventually(t, func() bool {
			return queue.PendingCount(RunLane) == 1
		}, time.Second, 5*time.Millisecond)

		queue.ResetLane(RunLane)
		close(release)

		select {
		case err := <-pendingErr:
			assert.Error(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("pending task was never rejected")
		}
		assert.Equal(t, 0, queue.PendingCount(RunLane))
	})
}

func TestQueueEvents(t *testing.T) {
	t.Run("should emit pending and completed events", func(t *testing.T) {
		queue := New()
		defer queue.Close()

		var mu sync.Mutex
		var types []string
		record := func(event Event) {
			mu.Lock()
			types = append(types, event.Type)
			mu.Unlock()
		}
		queue.On("pending", record)
		queue.On("completed", record)

		_, err := queue.Enqueue(RunLane, func(ctx context.Context) (any, error) {
			return nil, nil
		}, nil)
		require.NoError(t, err)

		require.Eventually(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return len(types) == 2
		}, time.Second, 5*time.Millisecond)

		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, []string{"pending", "completed"}, types)
	})
}

func TestWaitForActive(t *testing.T) {
	t.Run("should report drained once all tasks finish", func(t *testing.T) {
		queue := New()
		defer queue.Close()

		go queue.Enqueue(RunLane, func(ctx context.Context) (any, error) {
			time.Sleep(50 * time.Millisecond)
			return nil, nil
		}, nil)

		require.Eventually(t, func() bool {
			return queue.RunningCount(RunLane) == 1
		}, time.Second, 5*time.Millisecond)

		assert.True(t, queue.WaitForActive(2*time.Second))
	})

	t.Run("should time out while a task is still running", func(t *testing.T) {
		queue := New()
		defer queue.Close()

		release := make(chan struct{})
		go queue.Enqueue(RunLane, func(ctx context.Context) (any, error) {
			<-release
			return nil, nil
		}, nil)

		require.Eventually(t, func() bool {
			return queue.RunningCount(RunLane) == 1
		}, time.Second, 5*time.Millisecond)

		assert.False(t, queue.WaitForActive(150*time.Millisecond))
		close(release)
	})
}

func TestStats(t *testing.T) {
	t.Run("should expose lane configuration", func(t *testing.T) {
		queue := New()
		defer queue.Close()

		stats := queue.Stats()

		require.Contains(t, stats, RunLane)
		assert.Equal(t, 1, stats[RunLane]["concurrency"])
		require.Contains(t, stats, MaintenanceLane)
	})
}
