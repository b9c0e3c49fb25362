package workers

import (
	"context"
	"runtime"
	"sync"
)

// SimpleWorkerPool provides a semaphore-based bound on concurrent operations
// for the peersync reconciliation engine.
//
// SimpleWorkerPool is designed for scenarios requiring:
//   - A hard cap on simultaneous remote operations (uploads, downloads, moves)
//   - Callers that start work asynchronously and release the slot later
//   - Straightforward parallel execution without task tracking
//
// Concurrency Model:
//   - Worker count controls maximum concurrent operations
//   - Acquire blocks until a slot is free or the context is cancelled
//   - The release function returned by Acquire is safe to call more than once
//   - No persistent worker goroutines or task queuing
//
// Example Usage:
//
//	pool := NewSimpleWorkerPool(10)
//
//	release, err := pool.Acquire(ctx)
//	if err != nil {
//		return err
//	}
//	handle, err := remote.Upload(ctx, path)
//	if err != nil {
//		release()
//		return err
//	}
//	handle.OnComplete(func(error) { release() })
//
//	// Fingerprint files in parallel
//	err = pool.ParallelDo(ctx, len(paths), func(ctx context.Context, i int) error {
//		sums[i], err = fingerprint(paths[i])
//		return err
//	})
type SimpleWorkerPool struct {
	workerCount int
	semaphore   chan struct{}

	mu     sync.Mutex
	active int
}

// NewSimpleWorkerPool creates a worker pool bounded to workerCount concurrent
// operations.
//
// Default Behavior:
//   - Zero or negative workerCount defaults to runtime.NumCPU()
//
// Parameters:
//
//	workerCount: Maximum number of concurrent operations
//
// Returns:
//
//	*SimpleWorkerPool: Ready-to-use pool, safe for concurrent use
func NewSimpleWorkerPool(workerCount int) *SimpleWorkerPool {
	if workerCount <= 0 {
		workerCount = runtime.NumCPU()
	}
	return &SimpleWorkerPool{
		workerCount: workerCount,
		semaphore:   make(chan struct{}, workerCount),
	}
}

// WorkerCount returns the maximum number of concurrent operations
func (p *SimpleWorkerPool) WorkerCount() int {
	return p.workerCount
}

// Active returns the number of slots currently held
func (p *SimpleWorkerPool) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// Acquire takes one slot, blocking until a slot is free or ctx is done.
//
// The returned release function gives the slot back. It may be called from
// any goroutine, for example from the completion listener of an asynchronous
// operation; calls after the first have no effect.
func (p *SimpleWorkerPool) Acquire(ctx context.Context) (func(), error) {
	select {
	case p.semaphore <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	p.mu.Lock()
	p.active++
	p.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			p.mu.Lock()
			p.active--
			p.mu.Unlock()
			<-p.semaphore
		})
	}, nil
}

// ParallelDo runs fn for every index in [0, n) with at most workerCount
// invocations running at once.
//
// Error Handling:
//   - Returns the first error by index order
//   - Context cancellation stops operations that have not started yet
//   - All started operations are waited for before returning
func (p *SimpleWorkerPool) ParallelDo(ctx context.Context, n int, fn func(ctx context.Context, i int) error) error {
	errs := make([]error, n)
	var wg sync.WaitGroup

	for i := 0; i < n; i++ {
		release, err := p.Acquire(ctx)
		if err != nil {
			errs[i] = err
			break
		}

		wg.Add(1)
		go func(index int) {
			defer wg.Done()
			defer release()
			errs[index] = fn(ctx, index)
		}(i)
	}

	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
