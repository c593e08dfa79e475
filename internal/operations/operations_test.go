package operations

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/lukacf/mcp-the-force-sub004/internal/llm"
)

func TestRunWithTimeoutSuccess(t *testing.T) {
	m := NewManager()
	err := m.RunWithTimeout(context.Background(), "op1", time.Second, func(ctx context.Context) error {
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.Active() != 0 {
		t.Errorf("operation still tracked after success: %d", m.Active())
	}
}

func TestRunWithTimeoutExpiry(t *testing.T) {
	m := NewManager()
	err := m.RunWithTimeout(context.Background(), "slow", 20*time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	var terr *llm.TimeoutError
	if !errors.As(err, &terr) {
		t.Fatalf("expected *llm.TimeoutError, got %v", err)
	}
	if terr.Timeout != 20*time.Millisecond {
		t.Errorf("timeout value wrong: %v", terr.Timeout)
	}
	if m.Active() != 0 {
		t.Errorf("operation still tracked after timeout: %d", m.Active())
	}
}

func TestCancelAllDrains(t *testing.T) {
	m := NewManager()
	started := make(chan struct{}, 2)
	results := make(chan error, 2)

	for _, id := range []string{"a", "b"} {
		go func(id string) {
			results <- m.RunWithTimeout(context.Background(), id, time.Minute, func(ctx context.Context) error {
				started <- struct{}{}
				<-ctx.Done()
				return ctx.Err()
			})
		}(id)
	}
	<-started
	<-started
	if m.Active() != 2 {
		t.Fatalf("expected 2 active operations, got %d", m.Active())
	}

	m.CancelAll()

	// CancelAll waited for the done channels, so both results are in
	// flight or already delivered; neither is a timeout.
	for i := 0; i < 2; i++ {
		select {
		case err := <-results:
			if !errors.Is(err, llm.ErrCancelled) {
				t.Errorf("expected ErrCancelled, got %v", err)
			}
		case <-time.After(time.Second):
			t.Fatal("operation did not finish after CancelAll")
		}
	}
	if m.Active() != 0 {
		t.Errorf("operations still tracked after CancelAll: %d", m.Active())
	}
}

func TestCallerCancellation(t *testing.T) {
	m := NewManager()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- m.RunWithTimeout(ctx, "c", time.Minute, func(opCtx context.Context) error {
			<-opCtx.Done()
			return opCtx.Err()
		})
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	err := <-done
	if !errors.Is(err, llm.ErrCancelled) {
		t.Errorf("expected ErrCancelled, got %v", err)
	}
}

func TestFunctionErrorPassesThrough(t *testing.T) {
	m := NewManager()
	want := errors.New("provider exploded")
	err := m.RunWithTimeout(context.Background(), "e", time.Second, func(ctx context.Context) error {
		return want
	})
	if !errors.Is(err, want) {
		t.Errorf("expected original error, got %v", err)
	}
}
