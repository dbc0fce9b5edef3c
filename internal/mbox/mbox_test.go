package mbox

import "testing"

func TestPushPop(t *testing.T) {
	q := New[int](2)
	if !q.Push(1) {
		t.Fatalf("Push(1) failed on empty queue")
	}
	if !q.Push(2) {
		t.Fatalf("Push(2) failed with one free slot")
	}
	if q.Push(3) {
		t.Fatalf("Push(3) succeeded on a full queue")
	}
	if !q.Full() {
		t.Errorf("Full() = false, want true")
	}

	v, ok := q.Pop()
	if !ok || v != 1 {
		t.Fatalf("Pop() = (%d, %v), want (1, true)", v, ok)
	}
	if !q.Push(3) {
		t.Fatalf("Push(3) failed after freeing a slot")
	}

	v, ok = q.Pop()
	if !ok || v != 2 {
		t.Fatalf("Pop() = (%d, %v), want (2, true)", v, ok)
	}
	v, ok = q.Pop()
	if !ok || v != 3 {
		t.Fatalf("Pop() = (%d, %v), want (3, true)", v, ok)
	}
	if !q.Empty() {
		t.Errorf("Empty() = false, want true")
	}
	if _, ok := q.Pop(); ok {
		t.Errorf("Pop() on empty queue returned ok=true")
	}
}

func TestPeekDoesNotRemove(t *testing.T) {
	q := New[string](1)
	q.Push("a")
	v, ok := q.Peek()
	if !ok || v != "a" {
		t.Fatalf("Peek() = (%q, %v), want (\"a\", true)", v, ok)
	}
	v, ok = q.Pop()
	if !ok || v != "a" {
		t.Fatalf("Pop() after Peek = (%q, %v), want (\"a\", true)", v, ok)
	}
}

func TestReset(t *testing.T) {
	q := New[int](4)
	q.Push(1)
	q.Push(2)
	q.Reset()
	if !q.Empty() {
		t.Errorf("Empty() after Reset = false, want true")
	}
	if !q.Push(3) {
		t.Fatalf("Push after Reset failed")
	}
}
