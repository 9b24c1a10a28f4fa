package sink

import (
	"errors"
	"testing"

	"voxkey/keyboard"
	"voxkey/transcriber"
)

type observer struct {
	interims  []string
	finals    []string
	anomalies []*Anomaly
}

func (o *observer) OnInterim(text string) { o.interims = append(o.interims, text) }
func (o *observer) OnFinal(text string)   { o.finals = append(o.finals, text) }
func (o *observer) OnAnomaly(a *Anomaly)  { o.anomalies = append(o.anomalies, a) }

func interim(utt int, text string) transcriber.Event {
	return transcriber.Event{Kind: transcriber.Interim, Utterance: utt, Text: text}
}

func final(utt int, text string) transcriber.Event {
	return transcriber.Event{Kind: transcriber.Final, Utterance: utt, Text: text}
}

func run(t *testing.T, sep string, evs ...transcriber.Event) (*keyboard.Recorder, *observer, Stats) {
	t.Helper()
	rec := keyboard.NewRecorder()
	obs := &observer{}
	ch := make(chan transcriber.Event, len(evs))
	for _, ev := range evs {
		ch <- ev
	}
	close(ch)
	st := New(rec, sep, obs).Run(ch)
	return rec, obs, st
}

func TestInterimNeverTyped(t *testing.T) {
	rec, obs, st := run(t, " ",
		interim(0, "hel"),
		interim(0, "hello"),
		interim(0, "hello wor"),
	)
	if len(rec.Calls()) != 0 {
		t.Errorf("interims typed: %q", rec.Calls())
	}
	if len(obs.interims) != 3 || obs.interims[2] != "hello wor" {
		t.Errorf("interims observed = %q", obs.interims)
	}
	if st.Interims != 3 {
		t.Errorf("stats = %+v", st)
	}
}

func TestOneTypePerFinalWithSeparator(t *testing.T) {
	rec, obs, st := run(t, " ",
		interim(0, "hel"),
		final(0, "hello"),
		interim(1, "wor"),
		final(1, "world"),
		final(2, "again."),
	)
	want := []string{"hello", " world", " again."}
	got := rec.Calls()
	if len(got) != len(want) {
		t.Fatalf("calls = %q, want %q", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("call %d = %q, want %q", i, got[i], want[i])
		}
	}
	if rec.Text() != "hello world again." {
		t.Errorf("text = %q", rec.Text())
	}
	if len(obs.finals) != 3 || st.Finals != 3 {
		t.Errorf("finals observed %d, stats %+v", len(obs.finals), st)
	}
}

func TestCustomSeparator(t *testing.T) {
	rec, _, _ := run(t, "\n", final(0, "one"), final(1, "two"))
	if rec.Text() != "one\ntwo" {
		t.Errorf("text = %q", rec.Text())
	}
}

func TestRevisedFinalIsAnomaly(t *testing.T) {
	rec := keyboard.NewRecorder()
	obs := &observer{}
	s := New(rec, " ", obs)

	if err := s.Handle(final(0, "hello")); err != nil {
		t.Fatal(err)
	}
	err := s.Handle(final(0, "hello there"))
	var a *Anomaly
	if !errors.As(err, &a) {
		t.Fatalf("err = %v, want *Anomaly", err)
	}
	if a.Utterance != 0 || a.Typed != "hello" || a.Revised != "hello there" {
		t.Errorf("anomaly = %+v", a)
	}
	if got := rec.Calls(); len(got) != 1 {
		t.Errorf("revision typed: %q", got)
	}
	if text, _ := s.Text(0); text != "hello there" {
		t.Errorf("authoritative text = %q", text)
	}
	if len(obs.anomalies) != 1 || s.Stats().Anomalies != 1 {
		t.Errorf("anomaly not counted: %+v", s.Stats())
	}

	// later utterances still flow
	s.Handle(final(1, "next"))
	if rec.Text() != "hello next" {
		t.Errorf("text = %q", rec.Text())
	}
}

func TestEmptyFinalIgnored(t *testing.T) {
	rec, _, st := run(t, " ",
		final(0, "   "),
		final(1, "first"),
		final(2, ""),
		final(3, "second"),
	)
	if rec.Text() != "first second" {
		t.Errorf("text = %q", rec.Text())
	}
	if st.Finals != 2 {
		t.Errorf("stats = %+v", st)
	}
}

func TestTypeErrorDoesNotStopSession(t *testing.T) {
	rec := keyboard.NewRecorder()
	s := New(rec, " ", nil)
	rec.FailWith(errors.New("uinput gone"))

	if err := s.Handle(final(0, "lost")); err == nil {
		t.Fatal("expected type error")
	}
	rec.FailWith(nil)
	if err := s.Handle(final(1, "kept")); err != nil {
		t.Fatal(err)
	}
	if got := rec.Calls(); len(got) != 2 || got[1] != " kept" {
		t.Errorf("calls = %q", got)
	}
	if s.Stats().TypeErrors != 1 {
		t.Errorf("stats = %+v", s.Stats())
	}
}
