package inflight

import (
	"context"
	"testing"
	"time"
)

func TestWaitForZeroIdle(t *testing.T) {
	var c Counter
	if !c.WaitForZero(context.Background()) {
		t.Fatal("idle counter should report zero")
	}
}

func TestWaitForZeroAfterDec(t *testing.T) {
	var c Counter
	c.Inc()
	c.Inc()
	if c.Load() != 2 {
		t.Fatalf("expected 2 got %d", c.Load())
	}
	done := make(chan bool, 1)
	go func() { done <- c.WaitForZero(context.Background()) }()
	c.Dec()
	select {
	case <-done:
		t.Fatal("returned before count reached zero")
	case <-time.After(20 * time.Millisecond):
	}
	c.Dec()
	select {
	case ok := <-done:
		if !ok {
			t.Fatal("expected true")
		}
	case <-time.After(time.Second):
		t.Fatal("WaitForZero did not return")
	}
}

func TestWaitForZeroTimeout(t *testing.T) {
	var c Counter
	c.Inc()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if c.WaitForZero(ctx) {
		t.Fatal("expected timeout")
	}
}

func TestDecBelowZero(t *testing.T) {
	var c Counter
	c.Dec()
	if c.Load() != 0 {
		t.Fatalf("expected 0 got %d", c.Load())
	}
}
