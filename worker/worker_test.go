package worker

import (
	"testing"
	"time"
)

func TestNoteConnStartEndTracksIdleFrom(t *testing.T) {
	w := &Worker{}

	w.noteConnStart()
	w.mu.Lock()
	active := w.active
	w.mu.Unlock()
	if active != 1 {
		t.Fatalf("active = %d, want 1", active)
	}

	w.noteConnStart()
	w.noteConnEnd()
	w.mu.Lock()
	active = w.active
	w.mu.Unlock()
	if active != 1 {
		t.Fatalf("active = %d, want 1 after one start/end pair with another still open", active)
	}

	before := time.Now()
	w.noteConnEnd()
	w.mu.Lock()
	active = w.active
	idleFrom := w.idleFrom
	w.mu.Unlock()
	if active != 0 {
		t.Fatalf("active = %d, want 0", active)
	}
	if idleFrom.Before(before) {
		t.Errorf("idleFrom should be set no earlier than the last noteConnEnd call")
	}
}

func TestLogfNilSafe(t *testing.T) {
	w := &Worker{}
	w.logf("no panic: %d", 1) // Logf is nil; this must not panic
}
