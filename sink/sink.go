// Package sink turns transcript events into keyboard output. Only Finals are
// typed, each exactly once and in arrival order; nothing already typed is
// ever retracted.
package sink

import (
	"fmt"
	"strings"

	"voxkey/keyboard"
	"voxkey/log"
	"voxkey/transcriber"
)

// Anomaly is a Final for an utterance whose text was already typed. The
// revision is recorded but never typed.
type Anomaly struct {
	Utterance int
	Typed     string
	Revised   string
}

func (a *Anomaly) Error() string {
	return fmt.Sprintf("service anomaly: utterance %d revised after emission", a.Utterance)
}

// Observer receives sink activity. Calls come from the goroutine running
// the sink.
type Observer interface {
	OnInterim(text string)
	OnFinal(text string)
	OnAnomaly(a *Anomaly)
}

type Stats struct {
	Finals     int
	Interims   int
	Anomalies  int
	TypeErrors int
	Chars      int
}

// Sink serves one recording session.
type Sink struct {
	typer     keyboard.Typer
	separator string
	obs       Observer

	emitted map[int]string
	typed   bool
	stats   Stats
}

func New(t keyboard.Typer, separator string, obs Observer) *Sink {
	return &Sink{
		typer:     t,
		separator: separator,
		obs:       obs,
		emitted:   make(map[int]string),
	}
}

// Run consumes events until the channel is closed and returns the session
// totals.
func (s *Sink) Run(events <-chan transcriber.Event) Stats {
	for ev := range events {
		if err := s.Handle(ev); err != nil {
			log.Errorf("sink: %v", err)
		}
	}
	return s.stats
}

// Handle applies one event. The returned error is a typing failure or an
// *Anomaly; neither stops the session.
func (s *Sink) Handle(ev transcriber.Event) error {
	if ev.Kind == transcriber.Interim {
		s.stats.Interims++
		if s.obs != nil {
			s.obs.OnInterim(ev.Text)
		}
		return nil
	}

	text := strings.TrimSpace(ev.Text)
	if text == "" {
		return nil
	}
	if prev, ok := s.emitted[ev.Utterance]; ok {
		a := &Anomaly{Utterance: ev.Utterance, Typed: prev, Revised: text}
		s.emitted[ev.Utterance] = text
		s.stats.Anomalies++
		log.Anomaly(a.Utterance, a.Typed, a.Revised)
		if s.obs != nil {
			s.obs.OnAnomaly(a)
		}
		return a
	}
	s.emitted[ev.Utterance] = text

	out := text
	if s.typed {
		out = s.separator + text
	}
	s.typed = true
	s.stats.Finals++
	s.stats.Chars += len(out)
	log.TranscriptionText(text)
	if s.obs != nil {
		s.obs.OnFinal(text)
	}

	if err := s.typer.Type(out); err != nil {
		s.stats.TypeErrors++
		return fmt.Errorf("type utterance %d: %w", ev.Utterance, err)
	}
	return nil
}

// Text returns the authoritative text of an utterance, including revisions
// that were not typed.
func (s *Sink) Text(utterance int) (string, bool) {
	t, ok := s.emitted[utterance]
	return t, ok
}

func (s *Sink) Stats() Stats { return s.stats }
