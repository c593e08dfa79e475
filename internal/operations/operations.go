// Package operations tracks in-flight requests so signal handlers can
// cancel them without tearing the process down.
package operations

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lukacf/mcp-the-force-sub004/internal/llm"
	. "github.com/lukacf/mcp-the-force-sub004/internal/logging"
)

type operation struct {
	cancel context.CancelFunc
	start  time.Time
	done   chan struct{}
}

// Manager is the registry of running operations.
type Manager struct {
	mu  sync.Mutex
	ops map[string]*operation
}

// NewManager creates an empty operation registry.
func NewManager() *Manager {
	return &Manager{ops: make(map[string]*operation)}
}

// RunWithTimeout executes fn under the registry: the operation is tracked
// for the duration of the call, cancelled when the timeout expires or
// CancelAll fires, and unregistered on every exit path. A timeout expiry
// surfaces as *llm.TimeoutError; cancellation as llm.ErrCancelled.
func (m *Manager) RunWithTimeout(ctx context.Context, opID string, timeout time.Duration, fn func(context.Context) error) error {
	opCtx, cancel := context.WithCancel(ctx)
	var timedOut atomic.Bool
	if timeout > 0 {
		timer := time.AfterFunc(timeout, func() {
			timedOut.Store(true)
			cancel()
		})
		defer timer.Stop()
	}

	op := &operation{cancel: cancel, start: time.Now(), done: make(chan struct{})}
	m.mu.Lock()
	m.ops[opID] = op
	m.mu.Unlock()

	defer func() {
		cancel()
		close(op.done)
		m.mu.Lock()
		delete(m.ops, opID)
		m.mu.Unlock()
	}()

	err := fn(opCtx)
	if err == nil {
		return nil
	}
	if opCtx.Err() != nil {
		if timedOut.Load() {
			L_warn("operations: timed out", "op", opID, "timeout", timeout, "elapsed", time.Since(op.start))
			return &llm.TimeoutError{Op: opID, Timeout: timeout}
		}
		if ctx.Err() == nil {
			// Cancelled via CancelAll, not by the caller's own context.
			return llm.ErrCancelled
		}
		return llm.ErrCancelled
	}
	return err
}

// CancelAll cancels every tracked operation and waits for them to drain.
// The cancelled-request bookkeeping in the transport is untouched; late
// responses are the transport's problem.
func (m *Manager) CancelAll() {
	m.mu.Lock()
	pending := make([]*operation, 0, len(m.ops))
	for id, op := range m.ops {
		L_info("operations: cancelling", "op", id, "elapsed", time.Since(op.start))
		op.cancel()
		pending = append(pending, op)
	}
	m.mu.Unlock()

	for _, op := range pending {
		<-op.done
	}
}

// Active returns the number of operations currently tracked.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.ops)
}
