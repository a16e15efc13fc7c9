package service

import (
	"context"
	"runtime"
	"sync"
)

// WorkerPool bounds how many claimed jobs one poller loop runs at once.
// A loop acquires a slot before claiming, so it never holds a claimed job
// it cannot start.
type WorkerPool struct {
	slots  chan struct{}
	wg     sync.WaitGroup
	logger Logger
}

func NewWorkerPool(workers int, logger Logger) *WorkerPool {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return &WorkerPool{
		slots:  make(chan struct{}, workers),
		logger: logger,
	}
}

// Size is the number of concurrent slots.
func (wp *WorkerPool) Size() int {
	return cap(wp.slots)
}

// InFlight is the number of slots currently held.
func (wp *WorkerPool) InFlight() int {
	return len(wp.slots)
}

// Acquire blocks until a slot is free. It reports false when ctx is done first.
func (wp *WorkerPool) Acquire(ctx context.Context) bool {
	select {
	case wp.slots <- struct{}{}:
		return true
	case <-ctx.Done():
		return false
	}
}

// Release frees a slot taken by Acquire that was not handed to Go.
func (wp *WorkerPool) Release() {
	<-wp.slots
}

// Go runs fn on an acquired slot and frees it when fn returns. A panic in
// fn is logged and does not take the process down.
func (wp *WorkerPool) Go(fn func()) {
	wp.wg.Add(1)
	go func() {
		defer wp.wg.Done()
		defer wp.Release()
		defer func() {
			if p := recover(); p != nil {
				wp.logger.Errorf("Worker recovered from panic: %v", p)
			}
		}()
		fn()
	}()
}

// Wait blocks until every function started with Go has returned.
func (wp *WorkerPool) Wait() {
	wp.wg.Wait()
}
