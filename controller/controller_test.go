package controller

import (
	"context"
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"voxkey/audio"
	"voxkey/config"
	"voxkey/keyboard"
	"voxkey/log"
	"voxkey/transcriber"
)

// countingCapture tracks how many recordings are alive so tests can check
// the state/engine pairing on every status change.
type countingCapture struct {
	inner   Capture
	alive   atomic.Int32
	started atomic.Int32

	mu   sync.Mutex
	last *countedRecording
}

func (c *countingCapture) Start(cfg config.Audio) (Recording, error) {
	r, err := c.inner.Start(cfg)
	if err != nil {
		return nil, err
	}
	c.alive.Add(1)
	c.started.Add(1)
	rec := &countedRecording{Recording: r, capture: c, errs: make(chan error, 1)}
	c.mu.Lock()
	c.last = rec
	c.mu.Unlock()
	return rec, nil
}

func (c *countingCapture) lastRecording() *countedRecording {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

type countedRecording struct {
	Recording
	capture *countingCapture
	errs    chan error
	once    sync.Once
}

func (r *countedRecording) Err() <-chan error { return r.errs }

func (r *countedRecording) Stop() audio.Stats {
	st := r.Recording.Stop()
	r.once.Do(func() { r.capture.alive.Add(-1) })
	return st
}

// gatedDialer holds Open until the gate is closed.
type gatedDialer struct {
	inner Dialer
	gate  chan struct{}
}

func (d gatedDialer) Open(ctx context.Context, snap config.Snapshot) (Session, error) {
	select {
	case <-d.gate:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return d.inner.Open(ctx, snap)
}

type tapRecorder struct {
	mu     sync.Mutex
	seqs   []uint64
	closed bool
}

func (t *tapRecorder) Write(c audio.Chunk) error {
	t.mu.Lock()
	t.seqs = append(t.seqs, c.Seq)
	t.mu.Unlock()
	return nil
}

func (t *tapRecorder) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return nil
}

// droppingCapture reports an overrun on chunk 1 of the first recording.
type droppingCapture struct {
	inner Capture
	used  *atomic.Bool
}

func (d droppingCapture) Start(cfg config.Audio) (Recording, error) {
	r, err := d.inner.Start(cfg)
	if err != nil {
		return nil, err
	}
	drop := d.used.CompareAndSwap(false, true)
	out := make(chan audio.Chunk)
	go func() {
		defer close(out)
		for c := range r.Chunks() {
			if drop && c.Seq == 1 {
				c.Dropped = 320
			}
			out <- c
		}
	}()
	return droppingRecording{Recording: r, chunks: out}, nil
}

type droppingRecording struct {
	Recording
	chunks chan audio.Chunk
}

func (r droppingRecording) Chunks() <-chan audio.Chunk { return r.chunks }

type harness struct {
	t       *testing.T
	c       *Controller
	cancel  context.CancelFunc
	ft      *transcriber.FakeTransport
	capture *countingCapture
	typer   *keyboard.Recorder
	snap    config.Snapshot

	violations atomic.Int32
	configs    atomic.Int32
}

func testSnapshot() config.Snapshot {
	snap := config.Default()
	snap.DeepgramAPIKey = "test-key"
	return snap
}

type option func(*harness, *Deps)

func withDialer(wrap func(Dialer) Dialer) option {
	return func(_ *harness, d *Deps) { d.Dialer = wrap(d.Dialer) }
}

func withSnapshot(snap config.Snapshot) option {
	return func(h *harness, d *Deps) {
		h.snap = snap
		d.Config = snap
	}
}

func withTap(tap *tapRecorder) option {
	return func(_ *harness, d *Deps) {
		d.Tap = func(string, config.Snapshot) (ChunkTap, error) { return tap, nil }
	}
}

func newHarness(t *testing.T, text string, opts ...option) *harness {
	t.Helper()
	h := &harness{
		t:     t,
		ft:    transcriber.NewFakeTransport(text),
		typer: keyboard.NewRecorder(),
		snap:  testSnapshot(),
	}
	h.capture = &countingCapture{inner: EngineCapture(audio.NewEngine(audio.NewFakeContextPCM(nil, true)))}

	deps := Deps{
		Capture: h.capture,
		Dialer:  StreamDialer(h.ft),
		Typer:   func(string) (keyboard.Typer, error) { return h.typer, nil },
		Config:  h.snap,
		Observers: []StatusObserver{StatusFunc(func(st Status) {
			alive := h.capture.alive.Load()
			if (st.State == Active && alive != 1) || (st.State == Idle && alive != 0) {
				h.violations.Add(1)
			}
		})},
		OnConfig: func(config.Snapshot) { h.configs.Add(1) },
	}
	for _, opt := range opts {
		opt(h, &deps)
	}

	h.c = New(deps)
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go h.c.Run(ctx)
	t.Cleanup(func() {
		cancel()
		select {
		case <-h.c.Done():
		case <-time.After(10 * time.Second):
			t.Error("controller did not shut down")
		}
	})
	return h
}

func (h *harness) waitFor(what string, cond func() bool) {
	h.t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			h.t.Fatalf("timed out waiting for %s (status %+v)", what, h.c.Status())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (h *harness) waitState(s State) {
	h.t.Helper()
	h.waitFor("state "+s.String(), func() bool { return h.c.Status().State == s })
}

func (h *harness) conn(i int) *transcriber.FakeConn {
	h.t.Helper()
	h.waitFor("connection dialed", func() bool { return len(h.ft.Conns()) > i })
	return h.ft.Conns()[i]
}

func (h *harness) checkSafety() {
	h.t.Helper()
	if n := h.violations.Load(); n != 0 {
		h.t.Errorf("%d status changes with state/engine mismatch", n)
	}
	if n := h.capture.alive.Load(); n != 0 && h.c.Status().State == Idle {
		h.t.Errorf("%d engines alive while idle", n)
	}
}

func TestStateString(t *testing.T) {
	for s, want := range map[State]string{
		Idle: "idle", Starting: "starting", Active: "active", Stopping: "stopping", State(9): "unknown",
	} {
		if s.String() != want {
			t.Errorf("%d.String() = %q, want %q", s, s.String(), want)
		}
	}
}

func TestHelloWorld(t *testing.T) {
	h := newHarness(t, "hello world")

	h.c.Start()
	h.waitState(Active)
	conn := h.conn(0)
	h.waitFor("3 chunks sent", func() bool { return len(conn.Sent()) >= 3 })
	h.c.Stop()
	h.waitState(Idle)

	if got := h.typer.Calls(); len(got) != 1 || got[0] != "hello world" {
		t.Errorf("typed %q, want one call \"hello world\"", got)
	}
	st := h.c.Status()
	if st.Overruns != 0 || st.Sessions != 1 || st.Finals != 1 || st.LastText != "hello world" {
		t.Errorf("status = %+v", st)
	}
	if !conn.Finalized() || !conn.Closed() {
		t.Error("session not closed through finalize")
	}
	h.checkSafety()
}

func TestOverrunReportedAsWarning(t *testing.T) {
	h := newHarness(t, "hello", func(h *harness, _ *Deps) {
		h.capture.inner = droppingCapture{inner: h.capture.inner, used: new(atomic.Bool)}
	})

	h.c.Start()
	h.waitState(Active)
	h.waitFor("overrun counted", func() bool { return h.c.Status().Overruns == 1 })
	st := h.c.Status()
	if st.DroppedSamples != 320 || !strings.Contains(st.LastWarning, "320 samples dropped") {
		t.Errorf("status = %+v", st)
	}
	if st.State != Active {
		t.Errorf("overrun ended the session: %v", st.State)
	}

	h.c.Stop()
	h.waitState(Idle)
	h.c.Start()
	h.waitState(Active)
	if w := h.c.Status().LastWarning; w != "" {
		t.Errorf("warning carried into next session: %q", w)
	}
	h.checkSafety()
}

func TestReconnectAfterDisconnect(t *testing.T) {
	h := newHarness(t, "test")

	h.c.Start()
	h.waitState(Active)
	conn1 := h.conn(0)
	h.waitFor("audio on first connection", func() bool { return len(conn1.Sent()) >= 1 })

	conn1.Fail(errors.New("connection reset by peer"))
	conn2 := h.conn(1)
	h.waitFor("reconnect", func() bool { return h.c.Status().Reconnects == 1 })
	h.waitFor("audio on second connection", func() bool { return len(conn2.Sent()) >= 2 })

	h.c.Stop()
	h.waitState(Idle)

	if got := h.typer.Calls(); len(got) != 1 || got[0] != "test" {
		t.Errorf("typed %q, want one call \"test\"", got)
	}
	if st := h.c.Status(); st.TransportErrors != 1 {
		t.Errorf("transport errors = %d, want 1", st.TransportErrors)
	}
	if conn1.Finalized() {
		t.Error("broken connection was finalized")
	}
	if !conn2.Finalized() {
		t.Error("replacement connection not finalized")
	}
	h.checkSafety()
}

func TestReconnectFailureForcesIdle(t *testing.T) {
	h := newHarness(t, "")

	h.c.Start()
	h.waitState(Active)
	conn := h.conn(0)

	h.ft.FailNextDial(errors.New("connection refused"))
	conn.Fail(errors.New("connection reset"))
	h.waitState(Idle)

	st := h.c.Status()
	if st.TransportErrors != 2 || st.LastError == "" {
		t.Errorf("status = %+v", st)
	}
	if st.Reconnects != 0 {
		t.Errorf("reconnects = %d", st.Reconnects)
	}
	if len(h.typer.Calls()) != 0 {
		t.Errorf("typed %q", h.typer.Calls())
	}
	h.checkSafety()
}

func TestStopWhileIdleIsNoop(t *testing.T) {
	h := newHarness(t, "")
	before := h.c.Status()

	h.c.Stop()
	h.c.Stop()
	h.c.flush()

	if after := h.c.Status(); after != before {
		t.Errorf("status changed: %+v -> %+v", before, after)
	}
	if len(h.ft.Conns()) != 0 || h.capture.started.Load() != 0 {
		t.Error("stop while idle opened resources")
	}
}

func TestDoubleStartOpensOneSession(t *testing.T) {
	h := newHarness(t, "")

	h.c.Start()
	h.c.Start()
	h.waitState(Active)
	h.c.Start()
	h.c.flush()

	if st := h.c.Status(); st.Sessions != 1 || st.State != Active {
		t.Errorf("status = %+v", st)
	}
	if n := len(h.ft.Conns()); n != 1 {
		t.Errorf("dialed %d times", n)
	}
	if n := h.capture.started.Load(); n != 1 {
		t.Errorf("started %d engines", n)
	}

	h.c.Stop()
	h.waitState(Idle)
	h.checkSafety()
}

func TestToggleWhileStartingQueuesStop(t *testing.T) {
	gate := make(chan struct{})
	h := newHarness(t, "", withDialer(func(d Dialer) Dialer { return gatedDialer{inner: d, gate: gate} }))

	h.c.Toggle()
	h.waitState(Starting)
	h.c.Toggle()
	h.c.flush()
	if st := h.c.Status().State; st != Starting {
		t.Fatalf("state = %s while dial pending", st)
	}

	close(gate)
	h.waitFor("queued stop completed", func() bool {
		st := h.c.Status()
		return st.State == Idle && st.Sessions == 1
	})
	if conn := h.conn(0); !conn.Closed() {
		t.Error("session left open")
	}
	h.checkSafety()
}

func TestToggleWhileStoppingIgnored(t *testing.T) {
	h := newHarness(t, "")

	h.c.Toggle()
	h.waitState(Active)
	h.c.Toggle()
	h.waitState(Stopping)
	h.c.Toggle()
	h.waitState(Idle)
	h.c.flush()

	if st := h.c.Status(); st.State != Idle || st.Sessions != 1 {
		t.Errorf("status = %+v", st)
	}
}

func TestConfigBufferedWhileActive(t *testing.T) {
	h := newHarness(t, "")
	orig := h.snap.Transcription.Model

	h.c.Start()
	h.waitState(Active)

	next := h.snap
	next.Transcription.Model = "nova-2"
	h.c.ApplyConfig(next)
	h.c.flush()
	if got := h.c.Config().Transcription.Model; got != orig {
		t.Fatalf("config applied mid-session: model %q", got)
	}
	if h.configs.Load() != 0 {
		t.Fatal("OnConfig called mid-session")
	}

	h.c.Stop()
	h.waitState(Idle)
	if got := h.c.Config().Transcription.Model; got != "nova-2" {
		t.Errorf("model after idle = %q", got)
	}
	if h.configs.Load() != 1 {
		t.Errorf("OnConfig called %d times", h.configs.Load())
	}

	if got := h.conn(0).Config().Model; got != orig {
		t.Errorf("first session dialed with %q", got)
	}
	h.c.Start()
	h.waitState(Active)
	if got := h.conn(1).Config().Model; got != "nova-2" {
		t.Errorf("second session dialed with %q", got)
	}
	h.c.Stop()
	h.waitState(Idle)
}

func TestConfigAppliedWhenIdle(t *testing.T) {
	h := newHarness(t, "")
	next := h.snap
	next.UI.Separator = "\n"
	h.c.ApplyConfig(next)
	h.c.flush()
	if h.c.Config().UI.Separator != "\n" || h.configs.Load() != 1 {
		t.Errorf("config not applied while idle")
	}
}

func TestConfigChannel(t *testing.T) {
	configs := make(chan config.Snapshot, 1)
	h := newHarness(t, "", func(_ *harness, d *Deps) { d.Configs = configs })
	next := h.snap
	next.Audio.Gain = 2
	configs <- next
	h.waitFor("config from channel", func() bool { return h.c.Config().Audio.Gain == 2 })
}

func TestDialFailureReturnsToIdle(t *testing.T) {
	h := newHarness(t, "")
	h.ft.FailNextDial(errors.New("401 unauthorized"))

	h.c.Start()
	h.waitFor("start failure", func() bool { return h.c.Status().TransportErrors == 1 })
	h.waitState(Idle)

	st := h.c.Status()
	if st.Sessions != 0 || st.LastError == "" {
		t.Errorf("status = %+v", st)
	}
	h.waitFor("engine released", func() bool { return h.capture.alive.Load() == 0 })
	h.checkSafety()
}

func TestErrorLoggedOnce(t *testing.T) {
	dir := t.TempDir()
	log.SetDir(dir)
	if err := log.Init(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		log.Close()
		log.SetDir("")
	})

	h := newHarness(t, "")
	h.ft.FailNextDial(errors.New("401 unauthorized"))
	h.c.Start()
	h.waitFor("start failure", func() bool { return h.c.Status().TransportErrors == 1 })
	h.waitState(Idle)
	log.Close()

	data, err := os.ReadFile(filepath.Join(dir, "diagnostics_log.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if n := strings.Count(string(data), "401 unauthorized"); n != 1 {
		t.Errorf("error logged %d times, want once:\n%s", n, data)
	}
}

func TestDeviceFailureReturnsToIdle(t *testing.T) {
	snap := testSnapshot()
	snap.Audio.Device = "no-such-microphone"
	h := newHarness(t, "", withSnapshot(snap))

	h.c.Start()
	h.waitFor("device error", func() bool { return h.c.Status().DeviceErrors == 1 })
	h.waitState(Idle)

	for _, conn := range h.ft.Conns() {
		h.waitFor("dialed connection closed", conn.Closed)
	}
	if h.capture.started.Load() != 0 {
		t.Error("engine started for missing device")
	}
	h.checkSafety()
}

func TestDeviceFaultForcesStop(t *testing.T) {
	h := newHarness(t, "")

	h.c.Start()
	h.waitState(Active)
	h.capture.lastRecording().errs <- &audio.DeviceError{Op: "callback", Device: "fake", Err: errors.New("panic: boom")}
	h.waitState(Idle)

	if st := h.c.Status(); st.DeviceErrors != 1 {
		t.Errorf("device errors = %d", st.DeviceErrors)
	}
	if conn := h.conn(0); !conn.Finalized() {
		t.Error("session not closed gracefully after device fault")
	}
	h.checkSafety()
}

func TestInterimUpdatesStatusOnly(t *testing.T) {
	h := newHarness(t, "")

	h.c.Start()
	h.waitState(Active)
	conn := h.conn(0)
	conn.Push(transcriber.Message{Type: "Results", Transcript: "hel", Duration: 0.2})
	h.waitFor("interim in status", func() bool { return h.c.Status().Interim == "hel" })
	conn.Push(transcriber.Message{Type: "Results", Transcript: "hello", Duration: 0.4, IsFinal: true})
	h.waitFor("final in status", func() bool { return h.c.Status().LastText == "hello" })

	if st := h.c.Status(); st.Interim != "" {
		t.Errorf("interim not cleared by final: %q", st.Interim)
	}
	if got := h.typer.Calls(); len(got) != 1 || got[0] != "hello" {
		t.Errorf("typed %q", got)
	}
	h.c.Stop()
	h.waitState(Idle)
}

func TestChunkTapSeesGapFreeSequence(t *testing.T) {
	tap := &tapRecorder{}
	h := newHarness(t, "", withTap(tap))

	h.c.Start()
	h.waitState(Active)
	conn := h.conn(0)
	h.waitFor("4 chunks sent", func() bool { return len(conn.Sent()) >= 4 })
	h.c.Stop()
	h.waitState(Idle)

	tap.mu.Lock()
	defer tap.mu.Unlock()
	if !tap.closed {
		t.Error("tap not closed")
	}
	if len(tap.seqs) < 4 {
		t.Fatalf("tap saw %d chunks", len(tap.seqs))
	}
	for i, seq := range tap.seqs {
		if seq != uint64(i) {
			t.Fatalf("chunk %d has seq %d", i, seq)
		}
	}
	if n := len(conn.Sent()); n != len(tap.seqs) {
		t.Errorf("sent %d chunks, tap saw %d", n, len(tap.seqs))
	}
}

func TestShutdownStopsActiveRecording(t *testing.T) {
	h := newHarness(t, "bye")

	h.c.Start()
	h.waitState(Active)
	conn := h.conn(0)
	h.cancel()

	select {
	case <-h.c.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
	if h.capture.alive.Load() != 0 {
		t.Error("engine alive after shutdown")
	}
	if !conn.Closed() {
		t.Error("connection open after shutdown")
	}
	if st := h.c.Status(); st.State != Idle {
		t.Errorf("state after shutdown = %s", st.State)
	}
	if got := h.typer.Calls(); len(got) != 1 || got[0] != "bye" {
		t.Errorf("final text lost on shutdown: %q", got)
	}

	// commands after shutdown return instead of blocking
	h.c.Toggle()
	h.c.flush()
}

func TestRandomTogglesKeepStateAndEngineInStep(t *testing.T) {
	h := newHarness(t, "")
	rng := rand.New(rand.NewSource(1))

	for i := 0; i < 12; i++ {
		switch rng.Intn(4) {
		case 0:
			h.c.Start()
		case 1:
			h.c.Stop()
		default:
			h.c.Toggle()
		}
		time.Sleep(time.Duration(rng.Intn(120)) * time.Millisecond)
	}
	h.waitFor("quiescent", func() bool {
		st := h.c.Status().State
		return st == Idle || st == Active
	})
	h.c.Stop()
	h.waitState(Idle)
	h.c.flush()

	h.checkSafety()
	if h.typer.Overlapped() {
		t.Error("concurrent Type calls")
	}
	if st := h.c.Status(); int32(st.Sessions) != h.capture.started.Load() {
		t.Errorf("sessions %d, engines started %d", st.Sessions, h.capture.started.Load())
	}
}
