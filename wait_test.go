package main

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestEventually_SucceedsAfterRetries(t *testing.T) {
	calls := 0
	err := Eventually(context.Background(), 5*time.Second, func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("not yet")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestEventually_TimeoutReturnsLastError(t *testing.T) {
	calls := 0
	err := Eventually(context.Background(), 300*time.Millisecond, func(ctx context.Context) error {
		calls++
		return VerificationFailure("h1", "Counter", "Hello, world!")
	})
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if KindOf(err) != KindVerification {
		t.Errorf("expected last condition error, got %v", err)
	}
	if calls < 2 {
		t.Errorf("expected several attempts, got %d", calls)
	}
}

func TestEventually_PermanentStopsEarly(t *testing.T) {
	calls := 0
	start := time.Now()
	err := Eventually(context.Background(), 5*time.Second, func(ctx context.Context) error {
		calls++
		return stopPolling(errors.New("process exited"))
	})
	if err == nil || err.Error() != "process exited" {
		t.Fatalf("expected unwrapped permanent error, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
	if time.Since(start) > time.Second {
		t.Error("permanent error should not wait for the timeout")
	}
}

func TestEventually_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Eventually(ctx, 5*time.Second, func(ctx context.Context) error {
		return errors.New("never ready")
	})
	if err == nil {
		t.Fatal("expected error for cancelled context")
	}
}
