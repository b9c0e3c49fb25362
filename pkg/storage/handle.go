package storage

import (
	"context"
	"sync"
)

// Handle tracks one asynchronous remote operation. It completes exactly once.
type Handle struct {
	done      chan struct{}
	once      sync.Once
	mu        sync.Mutex
	err       error
	listeners []func(error)
}

// NewHandle returns an incomplete handle.
func NewHandle() *Handle {
	return &Handle{done: make(chan struct{})}
}

// Completed returns a handle that has already finished with err.
func Completed(err error) *Handle {
	h := NewHandle()
	h.Complete(err)
	return h
}

// Go runs fn in its own goroutine and completes the returned handle with its result.
func Go(ctx context.Context, fn func(ctx context.Context) error) *Handle {
	h := NewHandle()
	go func() {
		h.Complete(fn(ctx))
	}()
	return h
}

// Complete finishes the handle. Only the first call has an effect.
func (h *Handle) Complete(err error) {
	h.once.Do(func() {
		h.mu.Lock()
		h.err = err
		listeners := h.listeners
		h.listeners = nil
		close(h.done)
		h.mu.Unlock()

		for _, fn := range listeners {
			fn(err)
		}
	})
}

// Done is closed when the operation has finished.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Err returns the operation result. It is nil until Done is closed.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Wait blocks until the operation finishes or ctx is cancelled.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// OnComplete attaches a listener. Listeners attached after completion run immediately.
func (h *Handle) OnComplete(fn func(error)) {
	h.mu.Lock()
	select {
	case <-h.done:
		err := h.err
		h.mu.Unlock()
		fn(err)
		return
	default:
	}
	h.listeners = append(h.listeners, fn)
	h.mu.Unlock()
}
