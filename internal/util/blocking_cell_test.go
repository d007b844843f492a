package util

import (
	"context"
	"testing"
	"time"
)

func TestBlockingCellBasic(t *testing.T) {
	cell := NewBlockingCell[int]()

	if cell.IsSet() {
		t.Error("new cell must not be set")
	}
	if err := cell.Set(42); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if !cell.IsSet() {
		t.Error("cell must report set")
	}
	if got := cell.Get(); got != 42 {
		t.Errorf("get = %d, want 42", got)
	}
	// Get is repeatable after the first Set.
	if got := cell.Get(); got != 42 {
		t.Errorf("second get = %d, want 42", got)
	}
}

func TestBlockingCellSecondSetRejected(t *testing.T) {
	cell := NewBlockingCell[string]()
	if err := cell.Set("first"); err != nil {
		t.Fatal(err)
	}
	if err := cell.Set("second"); err == nil {
		t.Fatal("second set must fail")
	}
	if got := cell.Get(); got != "first" {
		t.Errorf("get = %q, want first", got)
	}
}

func TestBlockingCellBlocks(t *testing.T) {
	cell := NewBlockingCell[string]()

	done := make(chan string, 1)
	go func() {
		done <- cell.Get()
	}()

	select {
	case v := <-done:
		t.Fatalf("get returned %q before set", v)
	case <-time.After(50 * time.Millisecond):
	}

	if err := cell.Set("ready"); err != nil {
		t.Fatal(err)
	}
	select {
	case v := <-done:
		if v != "ready" {
			t.Errorf("get = %q, want ready", v)
		}
	case <-time.After(time.Second):
		t.Fatal("get did not unblock after set")
	}
}

func TestBlockingCellContext(t *testing.T) {
	cell := NewBlockingCell[int]()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := cell.GetWithContext(ctx); err == nil {
		t.Fatal("expected a context error")
	}

	if err := cell.Set(7); err != nil {
		t.Fatal(err)
	}
	v, err := cell.GetWithContext(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if v != 7 {
		t.Errorf("get = %d, want 7", v)
	}
}
