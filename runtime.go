package sni

import (
	"context"
	"runtime"
	"sync"
)

// Runtime supplies the execution substrate of the tray service: task
// spawning, a yield point, and the mutual-exclusion primitive that
// serializes access to the tray descriptor.
//
// The rest of the package assumes nothing about a backend beyond "spawned
// tasks make progress" and "the mutex does not starve waiters under normal
// load". A backend is selected at construction with [WithRuntime].
type Runtime interface {
	// Spawn starts task in the background and returns immediately.
	Spawn(task func())

	// Yield gives other tasks a chance to run.
	Yield()

	// NewMutex returns a new mutual-exclusion primitive.
	NewMutex() Mutex
}

// Mutex is the mutual-exclusion primitive of a [Runtime].
//
// Lock blocks until the lock is acquired or ctx is done. Cancellation is
// observed only while waiting; after acquisition the critical section always
// runs to completion.
type Mutex interface {
	Lock(ctx context.Context) error
	Unlock()
}

// GoRuntime returns the default [Runtime]: plain goroutines and a
// channel-based mutex that honors context cancellation while waiting.
func GoRuntime() Runtime {
	return goRuntime{}
}

type goRuntime struct{}

func (goRuntime) Spawn(task func()) { go task() }

func (goRuntime) Yield() { runtime.Gosched() }

func (goRuntime) NewMutex() Mutex {
	return &chanMutex{ch: make(chan struct{}, 1)}
}

type chanMutex struct {
	ch chan struct{}
}

func (m *chanMutex) Lock(ctx context.Context) error {
	select {
	case m.ch <- struct{}{}:
		return nil
	default:
	}

	select {
	case m.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *chanMutex) Unlock() {
	select {
	case <-m.ch:
	default:
		panic("sni: unlock of an unlocked mutex")
	}
}

// BlockingRuntime returns a [Runtime] whose waits block the OS thread. Each
// task runs on a dedicated thread and lock acquisition ignores context
// cancellation.
func BlockingRuntime() Runtime {
	return blockingRuntime{}
}

type blockingRuntime struct{}

func (blockingRuntime) Spawn(task func()) {
	go func() {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		task()
	}()
}

func (blockingRuntime) Yield() { runtime.Gosched() }

func (blockingRuntime) NewMutex() Mutex {
	return &blockingMutex{}
}

type blockingMutex struct {
	mu sync.Mutex
}

func (m *blockingMutex) Lock(_ context.Context) error {
	m.mu.Lock()
	return nil
}

func (m *blockingMutex) Unlock() {
	m.mu.Unlock()
}

// PoolRuntime returns a [Runtime] that executes spawned tasks on a fixed
// pool of size workers. The pool must be sized for the number of
// long-running tasks: a tray service occupies one worker for its signal
// dispatch loop.
func PoolRuntime(size int) Runtime {
	if size < 1 {
		size = 1
	}

	rt := &poolRuntime{tasks: make(chan func(), 64)}
	for i := 0; i < size; i++ {
		go func() {
			for task := range rt.tasks {
				task()
			}
		}()
	}

	return rt
}

type poolRuntime struct {
	tasks chan func()
}

func (rt *poolRuntime) Spawn(task func()) {
	rt.tasks <- task
}

func (rt *poolRuntime) Yield() { runtime.Gosched() }

func (rt *poolRuntime) NewMutex() Mutex {
	return &chanMutex{ch: make(chan struct{}, 1)}
}
