package evt

import (
	"testing"
	"time"
)

func TestSetAndTake(t *testing.T) {
	var m Mask
	m.Set(0b001)
	m.Set(0b010)

	if got := m.Take(0b100); got != 0 {
		t.Errorf("Take(0b100) = %#b, want 0", got)
	}
	if got := m.Take(0b011); got != 0b011 {
		t.Errorf("Take(0b011) = %#b, want 0b011", got)
	}
	if got := m.Take(0b011); got != 0 {
		t.Errorf("Take after drain = %#b, want 0", got)
	}
}

func TestWaitBlocksUntilSet(t *testing.T) {
	var m Mask
	done := make(chan uint32, 1)
	go func() {
		done <- m.Wait(0b1)
	}()

	select {
	case <-done:
		t.Fatalf("Wait returned before Set")
	case <-time.After(20 * time.Millisecond):
	}

	m.Set(0b1)

	select {
	case got := <-done:
		if got != 0b1 {
			t.Errorf("Wait() = %#b, want 0b1", got)
		}
	case <-time.After(time.Second):
		t.Fatalf("Wait did not return after Set")
	}
}

func TestWaitTimeoutExpires(t *testing.T) {
	var m Mask
	start := time.Now()
	got := m.WaitTimeout(0b1, 20*time.Millisecond)
	if got != 0 {
		t.Errorf("WaitTimeout() = %#b, want 0", got)
	}
	if elapsed := time.Since(start); elapsed < 15*time.Millisecond {
		t.Errorf("WaitTimeout returned too early: %v", elapsed)
	}
}

func TestWaitTimeoutReturnsEarlyWhenSet(t *testing.T) {
	var m Mask
	m.Set(0b1)
	got := m.WaitTimeout(0b1, time.Second)
	if got != 0b1 {
		t.Errorf("WaitTimeout() = %#b, want 0b1", got)
	}
}
