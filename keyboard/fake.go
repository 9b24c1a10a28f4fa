package keyboard

import (
	"sync"
	"sync/atomic"
)

// Recorder is a Typer that records every call. It notes when two Type calls
// overlap so tests can assert output is serialized.
type Recorder struct {
	mu       sync.Mutex
	calls    []string
	err      error
	inFlight atomic.Int32
	overlap  atomic.Bool
	typed    chan string
}

func NewRecorder() *Recorder {
	return &Recorder{typed: make(chan string, 256)}
}

func (r *Recorder) Type(text string) error {
	if r.inFlight.Add(1) > 1 {
		r.overlap.Store(true)
	}
	defer r.inFlight.Add(-1)

	r.mu.Lock()
	r.calls = append(r.calls, text)
	err := r.err
	r.mu.Unlock()

	select {
	case r.typed <- text:
	default:
	}
	return err
}

// FailWith makes later Type calls return err after recording the text.
func (r *Recorder) FailWith(err error) {
	r.mu.Lock()
	r.err = err
	r.mu.Unlock()
}

func (r *Recorder) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

// Text is the concatenation of everything typed so far.
func (r *Recorder) Text() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var s string
	for _, c := range r.calls {
		s += c
	}
	return s
}

// Typed delivers each call's text as it happens.
func (r *Recorder) Typed() <-chan string { return r.typed }

func (r *Recorder) Overlapped() bool { return r.overlap.Load() }
