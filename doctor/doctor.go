// Package doctor runs interactive checks of the pieces dictation depends
// on: the global hotkey, the microphone, live transcription and
// keystroke output.
package doctor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"voxkey/audio"
	"voxkey/config"
	"voxkey/hotkey"
	"voxkey/shutdown"
	"voxkey/transcriber"
)

// quietLevel is the peak RMS below which a recording is reported as silent.
const quietLevel = 0.02

type Env struct {
	Snap      config.Snapshot
	Audio     audio.Context
	Transport transcriber.Transport
	Hotkey    func(config.Hotkey) (hotkey.Hotkey, error)
	Diagnose  func() (string, error)
	// Output checks keystroke delivery and describes what it verified.
	Output func() (string, error)
	Out    io.Writer

	HotkeyWait time.Duration
	Listen     time.Duration
}

type check struct {
	name string
	run  func(ctx context.Context, e *Env) (string, error)
}

var checks = []check{
	{"Hotkey", checkHotkey},
	{"Microphone and transcription", checkTranscription},
	{"Keystroke output", checkOutput},
}

// Run executes every check in order, stopping at the first failure, and
// returns an exit code (0 all pass, 1 any fail).
func Run(e Env) int {
	if e.Diagnose == nil {
		e.Diagnose = hotkey.Diagnose
	}
	resetTerminal()
	ctx, stop := shutdown.Context(context.Background())
	defer stop()
	finished := make(chan struct{})
	defer close(finished)
	go func() {
		<-ctx.Done()
		select {
		case <-finished:
		default:
			fmt.Fprintln(e.Out, "\nInterrupted")
		}
	}()
	return run(ctx, &e, checks)
}

func run(ctx context.Context, e *Env, cs []check) int {
	fmt.Fprintln(e.Out, "voxkey doctor - interactive system diagnostics")
	fmt.Fprintln(e.Out, "==============================================")

	pass := true
	for i, c := range cs {
		fmt.Fprintf(e.Out, "\n[%d/%d] %s\n", i+1, len(cs), c.name)
		msg, err := c.run(ctx, e)
		if err != nil {
			fmt.Fprintf(e.Out, "  FAIL: %v\n", err)
			pass = false
			break
		}
		fmt.Fprintf(e.Out, "  PASS: %s\n", msg)
	}

	fmt.Fprintln(e.Out)
	if pass {
		fmt.Fprintln(e.Out, "All checks passed!")
		return 0
	}
	fmt.Fprintln(e.Out, "Some checks failed. See details above.")
	return 1
}

func checkHotkey(ctx context.Context, e *Env) (string, error) {
	info, err := e.Diagnose()
	if err != nil {
		return "", err
	}
	fmt.Fprintf(e.Out, "  %s\n", info)

	hk, err := e.Hotkey(e.Snap.Hotkey)
	if err != nil {
		return "", err
	}
	if err := hk.Register(); err != nil {
		return "", fmt.Errorf("could not register hotkey: %w", err)
	}
	defer hk.Unregister()

	desc := hotkey.Describe(e.Snap.Hotkey)
	fmt.Fprintf(e.Out, "Press %s...\n", desc)
	select {
	case <-hk.Keydown():
		select {
		case <-hk.Keyup():
		case <-time.After(5 * time.Second):
		}
		// The hotkey reader may leave the terminal in raw mode.
		resetTerminal()
		return desc + " detected", nil
	case <-time.After(e.HotkeyWait):
		return "", errors.New("timeout waiting for hotkey")
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// checkTranscription captures from the configured device for e.Listen
// while streaming to the transcriber, then prints what came back.
func checkTranscription(ctx context.Context, e *Env) (string, error) {
	a := e.Snap.Audio
	rec, err := audio.NewEngine(e.Audio).Start(a)
	if err != nil {
		return "", err
	}
	stats := make(chan audio.Stats, 1)
	stopOnce := sync.OnceFunc(func() {
		go func() { stats <- rec.Stop() }()
	})
	defer stopOnce()
	fmt.Fprintf(e.Out, "  Device: %s\n", rec.DeviceName())

	cfg := transcriber.ConfigFrom(e.Snap)
	sess, err := transcriber.Open(ctx, e.Transport, cfg)
	if err != nil {
		return "", err
	}

	fmt.Fprintf(e.Out, "  Speak for %s", e.Listen)
	var peak float64
	deadline := time.After(e.Listen)
	dots := time.NewTicker(500 * time.Millisecond)
	defer dots.Stop()
	var finals []string
listen:
	for {
		select {
		case c, ok := <-rec.Chunks():
			if !ok {
				break listen
			}
			peak = max(peak, c.Level())
			if err := sess.Send(c); err != nil {
				sess.Abort()
				return "", err
			}
		case ev := <-sess.Events():
			if ev.Kind == transcriber.Final {
				finals = append(finals, ev.Text)
			}
		case err := <-rec.Err():
			sess.Abort()
			return "", err
		case <-dots.C:
			fmt.Fprint(e.Out, ".")
		case <-deadline:
			break listen
		case <-ctx.Done():
			sess.Abort()
			return "", ctx.Err()
		}
	}
	fmt.Fprintln(e.Out, " done")

	stopOnce()
	for c := range rec.Chunks() {
		peak = max(peak, c.Level())
		if err := sess.Send(c); err != nil {
			break
		}
	}
	st := <-stats
	closed := make(chan error, 1)
	go func() {
		cctx, cancel := context.WithTimeout(ctx, e.Snap.Transcription.CloseTimeout())
		defer cancel()
		closed <- sess.Close(cctx)
	}()
	for ev := range sess.Events() {
		if ev.Kind == transcriber.Final {
			finals = append(finals, ev.Text)
		}
	}
	if err := <-closed; err != nil {
		return "", err
	}

	for _, line := range transcriber.FormatStats(sess.Stats()) {
		fmt.Fprintf(e.Out, "  %s\n", line)
	}
	fmt.Fprintf(e.Out, "  Captured %d chunks, %d overruns, peak level %.3f\n", st.Chunks, st.Overruns, peak)
	if peak < quietLevel {
		fmt.Fprintln(e.Out, "  Warning: no voice detected, check the input device and its volume")
	}
	text := strings.TrimSpace(strings.Join(finals, " "))
	if text == "" {
		text = "(no speech detected)"
	}
	fmt.Fprintf(e.Out, "\n  Transcribed text: %s\n", text)
	return fmt.Sprintf("%d final(s) received", len(finals)), nil
}

func checkOutput(_ context.Context, e *Env) (string, error) {
	fmt.Fprintf(e.Out, "  Mode: %s\n", e.Snap.UI.OutputMode)
	return e.Output()
}
