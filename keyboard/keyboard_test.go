package keyboard

import (
	"errors"
	"strings"
	"sync"
	"testing"
)

func TestNewUnknownMode(t *testing.T) {
	_, err := New("morse")
	if err == nil || !strings.Contains(err.Error(), "morse") {
		t.Fatalf("err = %v", err)
	}
}

func TestRecorder(t *testing.T) {
	r := NewRecorder()
	r.Type("hello")
	r.Type(" world")

	if got := r.Text(); got != "hello world" {
		t.Errorf("Text() = %q", got)
	}
	if got := r.Calls(); len(got) != 2 || got[1] != " world" {
		t.Errorf("Calls() = %q", got)
	}
	if got := <-r.Typed(); got != "hello" {
		t.Errorf("first typed = %q", got)
	}

	boom := errors.New("boom")
	r.FailWith(boom)
	if err := r.Type("x"); !errors.Is(err, boom) {
		t.Errorf("err = %v", err)
	}
	if len(r.Calls()) != 3 {
		t.Error("failed call not recorded")
	}
	if r.Overlapped() {
		t.Error("sequential calls reported as overlapping")
	}
}

func TestRecorderDetectsOverlap(t *testing.T) {
	r := NewRecorder()
	r.inFlight.Store(1) // a call already in progress

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.Type("concurrent")
	}()
	wg.Wait()
	if !r.Overlapped() {
		t.Error("overlap not detected")
	}
}
