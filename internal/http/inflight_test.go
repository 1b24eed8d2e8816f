package http

import (
	"context"
	"sync"
	"testing"
	"time"
)

// TestInFlightTracker_Count verifies increments and decrements, including concurrent ones.
func TestInFlightTracker_Count(t *testing.T) {
	tracker := &InFlightTracker{}
	if got := tracker.Count(); got != 0 {
		t.Errorf("Count() = %d, want 0", got)
	}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tracker.Increment()
		}()
	}
	wg.Wait()
	if got := tracker.Count(); got != 50 {
		t.Errorf("Count() = %d, want 50", got)
	}
	for i := 0; i < 50; i++ {
		tracker.Decrement()
	}
	if got := tracker.Count(); got != 0 {
		t.Errorf("Count() = %d, want 0", got)
	}
}

// TestInFlightTracker_WaitForZero verifies that WaitForZero returns once the last
// request completes.
func TestInFlightTracker_WaitForZero(t *testing.T) {
	tracker := &InFlightTracker{}
	tracker.Increment()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- tracker.WaitForZero(ctx, 5*time.Millisecond)
	}()

	time.Sleep(10 * time.Millisecond)
	tracker.Decrement()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("WaitForZero() error = %v", err)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("WaitForZero did not return after count reached zero")
	}
}

// TestInFlightTracker_WaitForZero_ContextCanceled verifies the context error is returned.
func TestInFlightTracker_WaitForZero_ContextCanceled(t *testing.T) {
	tracker := &InFlightTracker{}
	tracker.Increment()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := tracker.WaitForZero(ctx, 5*time.Millisecond); err == nil {
		t.Error("WaitForZero expected context error, got nil")
	}
}
