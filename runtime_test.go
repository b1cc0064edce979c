package sni

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMutexExclusion(t *testing.T, rt Runtime) {
	t.Helper()

	mu := rt.NewMutex()
	counter := 0

	var wg sync.WaitGroup
	const workers = 8
	const perWorker = 100

	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				assert.NoError(t, mu.Lock(context.Background()))
				counter++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, workers*perWorker, counter)
}

func testSpawnRuns(t *testing.T, rt Runtime) {
	t.Helper()

	done := make(chan struct{})
	rt.Spawn(func() { close(done) })

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("spawned task never ran")
	}
}

func TestGoRuntime(t *testing.T) {
	rt := GoRuntime()
	testSpawnRuns(t, rt)
	testMutexExclusion(t, rt)
	rt.Yield()
}

func TestBlockingRuntime(t *testing.T) {
	rt := BlockingRuntime()
	testSpawnRuns(t, rt)
	testMutexExclusion(t, rt)
	rt.Yield()
}

func TestPoolRuntime(t *testing.T) {
	rt := PoolRuntime(4)
	testSpawnRuns(t, rt)
	testMutexExclusion(t, rt)
	rt.Yield()
}

func TestPoolRuntimeExecutesAllTasks(t *testing.T) {
	rt := PoolRuntime(2)

	var ran atomic.Int32
	var wg sync.WaitGroup

	const tasks = 32
	wg.Add(tasks)
	for i := 0; i < tasks; i++ {
		rt.Spawn(func() {
			ran.Add(1)
			wg.Done()
		})
	}
	wg.Wait()

	assert.Equal(t, int32(tasks), ran.Load())
}

func TestPoolRuntimeMinimumSize(t *testing.T) {
	// A nonsensical size still yields a working pool.
	rt := PoolRuntime(0)
	testSpawnRuns(t, rt)
}

func TestMutexLockCancellation(t *testing.T) {
	mu := GoRuntime().NewMutex()
	require.NoError(t, mu.Lock(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, mu.Lock(ctx), context.Canceled)

	// Still locked by the first acquisition.
	mu.Unlock()
	require.NoError(t, mu.Lock(context.Background()))
	mu.Unlock()
}

func TestMutexUnlockWithoutLock(t *testing.T) {
	mu := GoRuntime().NewMutex()

	assert.Panics(t, func() { mu.Unlock() })
}

func TestBlockingMutexIgnoresContext(t *testing.T) {
	mu := BlockingRuntime().NewMutex()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// The blocking backend does not observe cancellation.
	require.NoError(t, mu.Lock(ctx))
	mu.Unlock()
}
