package session

import (
	"context"
	"sync"
)

// Result is the final outcome of one submitted payload
type Result struct {
	Sequence uint64
	Err      error
}

// Future resolves once its payload is acknowledged, permanently failed, or
// the session is torn down.
type Future struct {
	once   sync.Once
	done   chan struct{}
	result Result
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// resolve completes the future exactly once
func (f *Future) resolve(seq uint64, err error) {
	f.once.Do(func() {
		f.result = Result{Sequence: seq, Err: err}
		close(f.done)
	})
}

// Done is closed when the future resolves
func (f *Future) Done() <-chan struct{} { return f.done }

// Wait blocks for the outcome or ctx cancellation. The delivery outcome is
// carried in Result.Err; the returned error is only ever the ctx's.
func (f *Future) Wait(ctx context.Context) (Result, error) {
	select {
	case <-f.done:
		return f.result, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Resolved reports whether the future already completed
func (f *Future) Resolved() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}
