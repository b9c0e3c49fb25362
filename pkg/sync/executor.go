package sync

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/TheEntropyCollective/peersync/pkg/common/workers"
	"github.com/TheEntropyCollective/peersync/pkg/infrastructure/logging"
	"github.com/TheEntropyCollective/peersync/pkg/storage"
)

// ExecutorConfig controls debouncing, concurrency and retries
type ExecutorConfig struct {
	Debounce       time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	MaxConcurrent  int
}

// executionHooks is the part of the Manager the executor calls back into
type executionHooks interface {
	// blocked reports whether st at path must wait for another Action
	blocked(path string, st State) bool
	// start issues the operation that realizes st for a. It is called
	// without a.mu held.
	start(ctx context.Context, a *Action, path string, isFolder bool, st State) (*storage.Handle, error)
	// completed settles an Action after its operation finished
	completed(a *Action, st State, attempt int, err error, retry bool)
}

// Executor turns ready Actions into debounced, serialized and retried remote
// operations. At most one operation per Action is in flight; the total is
// bounded by MaxConcurrent.
type Executor struct {
	config  ExecutorConfig
	hooks   executionHooks
	pool    *workers.SimpleWorkerPool
	logger  *logging.Logger
	metrics *Metrics

	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.Mutex
	wg     sync.WaitGroup
	closed atomic.Bool
}

func newExecutor(config ExecutorConfig, hooks executionHooks, logger *logging.Logger, metrics *Metrics) *Executor {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Executor{
		config:  config,
		hooks:   hooks,
		pool:    workers.NewSimpleWorkerPool(config.MaxConcurrent),
		logger:  logger.WithComponent("executor"),
		metrics: metrics,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// scheduleLocked (re)arms the debounce timer of a. Every call supersedes the
// previous timer. The caller holds a.mu.
func (e *Executor) scheduleLocked(a *Action, delay time.Duration) {
	a.stopTimerLocked()
	if e.closed.Load() || a.removed || a.executing || !a.state.Kind.Executable() {
		return
	}
	gen := a.gen
	a.timer = time.AfterFunc(delay, func() {
		e.fire(a, gen)
	})
}

// Backoff returns the delay before retry number attempt (1-based)
func (e *Executor) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	wait := float64(e.config.InitialBackoff) * math.Pow(2, float64(attempt-1))
	if wait > float64(e.config.MaxBackoff) || math.IsInf(wait, 0) {
		return e.config.MaxBackoff
	}
	return time.Duration(wait)
}

// ready returns what fire needs if the timer generation is still current
func (e *Executor) ready(a *Action, gen uint64) (string, bool, State, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if gen != a.gen || a.removed || a.executing || !a.state.Kind.Executable() || e.closed.Load() {
		return "", false, State{}, false
	}
	return a.path, a.isFolder, a.state, true
}

func (e *Executor) fire(a *Action, gen uint64) {
	path, isFolder, st, ok := e.ready(a, gen)
	if !ok {
		return
	}

	// dependencies are checked without holding a.mu: only one Action lock
	// is ever held at a time
	if e.hooks.blocked(path, st) {
		a.mu.Lock()
		if gen == a.gen {
			e.logger.Debug("Execution deferred", map[string]interface{}{"path": path, "state": st.String()})
			e.scheduleLocked(a, e.config.Debounce)
		}
		a.mu.Unlock()
		return
	}

	a.mu.Lock()
	if gen != a.gen || a.removed || a.executing || a.state != st || a.path != path || !e.begin() {
		a.mu.Unlock()
		return
	}
	a.timer = nil
	a.executing = true
	a.running = st
	a.discard = false
	a.attempts++
	attempt := a.attempts
	a.mu.Unlock()

	go e.run(a, path, isFolder, st, attempt)
}

// begin registers an execution unless the executor is shutting down
func (e *Executor) begin() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed.Load() {
		return false
	}
	e.wg.Add(1)
	return true
}

func (e *Executor) run(a *Action, path string, isFolder bool, st State, attempt int) {
	release, err := e.pool.Acquire(e.ctx)
	if err != nil {
		e.finish(a, st, attempt, err, time.Now())
		return
	}

	e.metrics.inFlight.Inc()
	started := time.Now()
	e.logger.Debug("Executing action", map[string]interface{}{
		"path":    path,
		"state":   st.String(),
		"attempt": attempt,
	})

	handle, err := e.startSafely(a, path, isFolder, st)
	if err != nil {
		release()
		e.metrics.inFlight.Dec()
		e.finish(a, st, attempt, err, started)
		return
	}
	handle.OnComplete(func(err error) {
		release()
		e.metrics.inFlight.Dec()
		e.finish(a, st, attempt, err, started)
	})
}

// startSafely isolates a panicking backend to the one execution
func (e *Executor) startSafely(a *Action, path string, isFolder bool, st State) (handle *storage.Handle, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = storage.NewStorageError(storage.ErrCodeProcessExecution, "execute", path, fmt.Errorf("panic: %v", r))
		}
	}()
	return e.hooks.start(e.ctx, a, path, isFolder, st)
}

func (e *Executor) finish(a *Action, st State, attempt int, err error, started time.Time) {
	defer e.wg.Done()

	result := "success"
	if err != nil {
		result = "failure"
	}
	e.metrics.executionsTotal.WithLabelValues(st.Kind.String(), result).Inc()
	e.metrics.executionDuration.WithLabelValues(st.Kind.String()).Observe(time.Since(started).Seconds())

	retry := err != nil && !e.closed.Load() && storage.IsTransient(err) && attempt < e.config.MaxAttempts
	e.hooks.completed(a, st, attempt, err, retry)
}

// retryLocked schedules the next attempt after the backoff for attempt
func (e *Executor) retryLocked(a *Action, attempt int) {
	e.metrics.retriesTotal.Inc()
	e.scheduleLocked(a, e.Backoff(attempt))
}

// InFlight returns the number of operations currently holding a slot
func (e *Executor) InFlight() int {
	return e.pool.Active()
}

// Shutdown stops accepting work and waits for in-flight operations. When ctx
// ends first, in-flight operations are cancelled.
func (e *Executor) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closed.Store(true)
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		e.cancel()
		return nil
	case <-ctx.Done():
		e.cancel()
		<-done
		return ctx.Err()
	}
}
