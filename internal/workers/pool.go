// Package workers provides the shared bounded pool used to run blocking
// provider SDK calls and all SQLite statements off the request path.
package workers

import (
	"context"
	"sync"
)

// DefaultSize is the default number of concurrent workers.
const DefaultSize = 20

// Pool bounds the number of blocking calls in flight at once.
type Pool struct {
	slots chan struct{}
}

var (
	global     *Pool
	globalOnce sync.Once
)

// Get returns the process-wide pool (lazy singleton).
func Get() *Pool {
	globalOnce.Do(func() {
		global = New(DefaultSize)
	})
	return global
}

// New creates a pool with the given concurrency. Sizes below 1 get DefaultSize.
func New(size int) *Pool {
	if size < 1 {
		size = DefaultSize
	}
	return &Pool{slots: make(chan struct{}, size)}
}

// Do runs fn on a pool slot, blocking until a slot is free or ctx ends.
func (p *Pool) Do(ctx context.Context, fn func() error) error {
	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-p.slots }()
	return fn()
}

// Submit runs fn asynchronously on a pool slot. Used for fire-and-forget
// background work such as memory write-back.
func (p *Pool) Submit(fn func()) {
	go func() {
		p.slots <- struct{}{}
		defer func() { <-p.slots }()
		fn()
	}()
}

// Size returns the pool's concurrency bound.
func (p *Pool) Size() int {
	return cap(p.slots)
}
