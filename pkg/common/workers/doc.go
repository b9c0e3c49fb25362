// Package workers bounds the concurrency of remote operations and parallel
// local work for peersync.
//
// # SimpleWorkerPool
//
// SimpleWorkerPool is a semaphore. It keeps no worker goroutines and no task
// queue: callers take a slot with Acquire and give it back with the returned
// release function. Because release may be called from any goroutine, a slot
// can stay held for the whole lifetime of an asynchronous operation:
//
//	release, err := pool.Acquire(ctx)
//	if err != nil {
//		return err
//	}
//	handle, err := remote.Download(ctx, path)
//	if err != nil {
//		release()
//		return err
//	}
//	handle.OnComplete(func(error) { release() })
//
// The executor of the sync engine uses it this way to cap simultaneous
// uploads, downloads, moves and recoveries.
//
// # ParallelDo
//
// ParallelDo fans a fixed number of independent invocations out over the
// pool and waits for all of them:
//
//	err := pool.ParallelDo(ctx, len(paths), func(ctx context.Context, i int) error {
//		fp, err := sync.FileFingerprint(paths[i])
//		sums[i] = fp
//		return err
//	})
//
// The initial directory scan fingerprints files this way. The first error by
// index is returned; cancelling ctx stops invocations that have not started.
//
// # Sizing
//
// A worker count of zero or less defaults to runtime.NumCPU(). Remote
// operations are usually network bound, so the configured maximum of
// concurrent operations is passed explicitly rather than relying on the
// default.
package workers
