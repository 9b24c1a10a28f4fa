// Package controller ties hotkey toggles, audio capture, the transcription
// stream and keyboard output into one recording state machine. All state is
// owned by the goroutine running Run; everything else talks to it through
// channels.
package controller

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"voxkey/audio"
	"voxkey/config"
	"voxkey/keyboard"
	"voxkey/log"
	"voxkey/sink"
	"voxkey/transcriber"
)

const (
	dialTimeout      = 10 * time.Second
	reconnectTimeout = 5 * time.Second
	tapQueueSize     = 64
	cmdQueueSize     = 16
	msgQueueSize     = 64
)

type cmdKind int

const (
	cmdToggle cmdKind = iota
	cmdStart
	cmdStop
	cmdConfig
	cmdFlush
)

type command struct {
	kind cmdKind
	snap config.Snapshot
	done chan struct{}
}

// episode is one recording: an engine, a session and the goroutines that
// move data between them.
type episode struct {
	gen      int
	snap     config.Snapshot
	rec      Recording
	sess     Session
	started  time.Time
	cancel   context.CancelFunc
	pumpDone chan struct{}
	sinkDone chan sink.Stats

	reconnecting bool
}

type Controller struct {
	deps Deps
	cmds chan command
	msgs chan any
	done chan struct{}

	status atomic.Pointer[Status]
	snap   atomic.Pointer[config.Snapshot]

	// owned by Run
	ctx           context.Context
	state         State
	st            Status
	cur           *episode
	gen           int
	pendingStop   bool
	pendingConfig *config.Snapshot
	shutdown      bool
}

func New(d Deps) *Controller {
	c := &Controller{
		deps: d,
		cmds: make(chan command, cmdQueueSize),
		msgs: make(chan any, msgQueueSize),
		done: make(chan struct{}),
	}
	st := Status{State: Idle}
	c.status.Store(&st)
	snap := d.Config
	c.snap.Store(&snap)
	return c
}

// Toggle starts a recording when idle and stops it when active. While
// starting it queues a stop; while stopping it is ignored.
func (c *Controller) Toggle() { c.send(command{kind: cmdToggle}) }

func (c *Controller) Start() { c.send(command{kind: cmdStart}) }

func (c *Controller) Stop() { c.send(command{kind: cmdStop}) }

// ApplyConfig installs snap when idle, or buffers it until the current
// recording ends. Only the latest buffered snapshot is kept.
func (c *Controller) ApplyConfig(snap config.Snapshot) {
	c.send(command{kind: cmdConfig, snap: snap})
}

func (c *Controller) Status() Status { return *c.status.Load() }

// Config is the installed snapshot, which the next recording will use.
func (c *Controller) Config() config.Snapshot { return *c.snap.Load() }

// Done is closed when Run returns.
func (c *Controller) Done() <-chan struct{} { return c.done }

func (c *Controller) send(cmd command) bool {
	select {
	case c.cmds <- cmd:
		return true
	case <-c.done:
		return false
	}
}

// flush waits until every command sent before it was processed.
func (c *Controller) flush() {
	done := make(chan struct{})
	if !c.send(command{kind: cmdFlush, done: done}) {
		return
	}
	select {
	case <-done:
	case <-c.done:
	}
}

func (c *Controller) post(m any) {
	select {
	case c.msgs <- m:
	case <-c.done:
	}
}

// Run processes events until ctx is cancelled. An active recording is
// stopped before Run returns.
func (c *Controller) Run(ctx context.Context) {
	defer close(c.done)
	c.ctx = ctx

	ctxDone := ctx.Done()
	toggles := c.deps.Toggles
	configs := c.deps.Configs
	for {
		if c.shutdown && c.state == Idle {
			log.Info("controller stopped")
			return
		}
		select {
		case <-ctxDone:
			ctxDone = nil
			c.shutdown = true
			switch c.state {
			case Starting:
				c.pendingStop = true
			case Active:
				c.requestStop("shutdown")
			}
		case <-toggles:
			c.toggle("hotkey")
		case snap, ok := <-configs:
			if !ok {
				configs = nil
				continue
			}
			c.applyConfig(snap)
		case cmd := <-c.cmds:
			c.handle(cmd)
		case m := <-c.msgs:
			c.dispatch(m)
		}
	}
}

func (c *Controller) handle(cmd command) {
	switch cmd.kind {
	case cmdToggle:
		c.toggle("toggle")
	case cmdStart:
		if c.state == Idle {
			c.beginStart("start")
		}
	case cmdStop:
		switch c.state {
		case Starting:
			c.pendingStop = true
		case Active:
			c.requestStop("stop")
		}
	case cmdConfig:
		c.applyConfig(cmd.snap)
	case cmdFlush:
		close(cmd.done)
	}
}

func (c *Controller) toggle(trigger string) {
	switch c.state {
	case Idle:
		c.beginStart(trigger)
	case Starting:
		c.pendingStop = true
	case Active:
		c.requestStop(trigger)
	}
}

func (c *Controller) dispatch(m any) {
	switch m := m.(type) {
	case startedMsg:
		c.onStarted(m)
	case stoppedMsg:
		c.onStopped(m)
	case faultMsg:
		c.onFault(m)
	case reconnectedMsg:
		c.onReconnected(m)
	case deviceFaultMsg:
		c.onDeviceFault(m)
	case overrunMsg:
		if c.current(m.gen) {
			c.st.Overruns++
			c.st.DroppedSamples += uint64(m.warn.Samples)
			c.st.LastWarning = m.warn.Error()
			c.publish()
		}
	case interimMsg:
		if c.current(m.gen) {
			c.st.Interim = m.text
			c.publish()
		}
	case finalMsg:
		if c.current(m.gen) {
			c.st.Finals++
			c.st.LastText = m.text
			c.st.Interim = ""
			c.publish()
		}
	case anomalyMsg:
		if c.current(m.gen) {
			c.st.Anomalies++
			c.publish()
		}
	}
}

func (c *Controller) current(gen int) bool {
	return c.cur != nil && c.cur.gen == gen
}

func (c *Controller) setState(to State, trigger string) {
	log.StateChange(c.state.String(), to.String(), trigger)
	c.state = to
	c.st.State = to
	c.publish()
}

func (c *Controller) publish() {
	st := c.st
	c.status.Store(&st)
	for _, o := range c.deps.Observers {
		o.OnStatus(st)
	}
}

// report records a failure in the status projection.
func (c *Controller) report(err error) {
	var derr *audio.DeviceError
	var terr *transcriber.TransportError
	switch {
	case errors.As(err, &derr):
		c.st.DeviceErrors++
	case errors.As(err, &terr):
		c.st.TransportErrors++
	}
	c.st.LastError = err.Error()
	log.Errorf("%v", err)
}

func (c *Controller) applyConfig(snap config.Snapshot) {
	if c.state == Idle {
		c.install(snap)
		return
	}
	c.pendingConfig = &snap
	log.Infof("config change buffered until idle (state %s)", c.state)
}

func (c *Controller) install(snap config.Snapshot) {
	c.snap.Store(&snap)
	log.Info("config applied")
	if c.deps.OnConfig != nil {
		c.deps.OnConfig(snap)
	}
}

func (c *Controller) enterIdle(trigger string) {
	c.cur = nil
	c.pendingStop = false
	c.st.Interim = ""
	c.st.Reconnecting = false
	if c.pendingConfig != nil {
		c.install(*c.pendingConfig)
		c.pendingConfig = nil
	}
	c.setState(Idle, trigger)
}

type startedMsg struct {
	gen   int
	snap  config.Snapshot
	rec   Recording
	sess  Session
	typer keyboard.Typer
	err   error
}

func (c *Controller) beginStart(trigger string) {
	if c.shutdown {
		return
	}
	snap := c.Config()
	c.gen++
	gen := c.gen
	c.pendingStop = false
	c.st.LastWarning = ""
	c.setState(Starting, trigger)

	ctx := c.ctx
	go func() {
		m := startedMsg{gen: gen, snap: snap}
		m.typer, m.err = c.deps.Typer(snap.UI.OutputMode)
		if m.err == nil {
			m.rec, m.sess, m.err = c.open(ctx, snap)
		}
		c.post(m)
	}()
}

// open brings up capture and the stream concurrently. If either fails the
// other is torn down.
func (c *Controller) open(ctx context.Context, snap config.Snapshot) (Recording, Session, error) {
	ctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	var rec Recording
	var sess Session
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		r, err := c.deps.Capture.Start(snap.Audio)
		if err != nil {
			return err
		}
		rec = r
		return nil
	})
	g.Go(func() error {
		s, err := c.deps.Dialer.Open(gctx, snap)
		if err != nil {
			return err
		}
		sess = s
		return nil
	})
	if err := g.Wait(); err != nil {
		if rec != nil {
			rec.Stop()
		}
		if sess != nil {
			sess.Abort()
		}
		return nil, nil, err
	}
	return rec, sess, nil
}

func (c *Controller) onStarted(m startedMsg) {
	if m.err != nil {
		c.report(m.err)
		c.enterIdle("start_failed")
		return
	}

	snap := m.snap
	ep := &episode{
		gen:      m.gen,
		snap:     snap,
		rec:      m.rec,
		sess:     m.sess,
		started:  time.Now(),
		pumpDone: make(chan struct{}),
		sinkDone: make(chan sink.Stats, 1),
	}
	watchCtx, cancel := context.WithCancel(context.Background())
	ep.cancel = cancel

	sk := sink.New(m.typer, snap.UI.Separator, sinkObserver{c: c, gen: ep.gen})
	go func() { ep.sinkDone <- sk.Run(ep.sess.Events()) }()
	go c.pump(ep, c.openTap(ep))
	go c.watch(watchCtx, ep)

	c.cur = ep
	c.st.Sessions++
	c.st.Device = ep.rec.DeviceName()
	c.st.LastError = ""
	log.SessionStart(ep.sess.ID(), snap.Transcription.Model, ep.rec.DeviceName())
	c.setState(Active, "started")

	if c.pendingStop || c.shutdown {
		c.requestStop("queued_stop")
	}
}

func (c *Controller) openTap(ep *episode) ChunkTap {
	if c.deps.Tap == nil {
		return nil
	}
	tap, err := c.deps.Tap(ep.sess.ID(), ep.snap)
	if err != nil {
		log.Warnf("debug capture disabled for %s: %v", ep.sess.ID(), err)
		return nil
	}
	return tap
}

type overrunMsg struct {
	gen  int
	warn audio.OverrunWarning
}

// pump forwards chunks from the engine to the session until the engine's
// channel is closed. The tap is fed through its own queue so a slow writer
// never delays transmission.
func (c *Controller) pump(ep *episode, tap ChunkTap) {
	defer close(ep.pumpDone)

	var tapCh chan audio.Chunk
	tapDone := make(chan struct{})
	if tap != nil {
		tapCh = make(chan audio.Chunk, tapQueueSize)
		go func() {
			defer close(tapDone)
			for ch := range tapCh {
				if err := tap.Write(ch); err != nil {
					log.Warnf("debug capture write: %v", err)
				}
			}
			if err := tap.Close(); err != nil {
				log.Warnf("debug capture close: %v", err)
			}
		}()
	} else {
		close(tapDone)
	}

	for ch := range ep.rec.Chunks() {
		if ch.Dropped > 0 {
			c.post(overrunMsg{gen: ep.gen, warn: audio.OverrunWarning{
				Seq:     ch.Seq,
				Samples: ch.Dropped,
				Total:   ep.rec.Overruns(),
			}})
		}
		if tapCh != nil {
			select {
			case tapCh <- ch:
			default:
				log.Debugf("debug capture behind, chunk %d skipped", ch.Seq)
			}
		}
		if err := ep.sess.Send(ch); err != nil && !errors.Is(err, transcriber.ErrSessionClosed) {
			log.Warnf("send chunk %d: %v", ch.Seq, err)
		}
	}
	if tapCh != nil {
		close(tapCh)
	}
	<-tapDone
}

type faultMsg struct {
	gen int
	err error
}

type deviceFaultMsg struct {
	gen int
	err error
}

func (c *Controller) watch(ctx context.Context, ep *episode) {
	devErrs := ep.rec.Err()
	faults := ep.sess.Faults()
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-faults:
			c.post(faultMsg{gen: ep.gen, err: err})
		case err, ok := <-devErrs:
			if !ok {
				devErrs = nil
				continue
			}
			c.post(deviceFaultMsg{gen: ep.gen, err: err})
		}
	}
}

type reconnectedMsg struct {
	gen int
	err error
}

func (c *Controller) onFault(m faultMsg) {
	if !c.current(m.gen) || c.state != Active {
		log.Debugf("fault outside active recording ignored: %v", m.err)
		return
	}
	c.report(m.err)
	ep := c.cur
	if ep.reconnecting {
		c.publish()
		return
	}
	ep.reconnecting = true
	c.st.Reconnecting = true
	c.publish()

	ctx := c.ctx
	go func() {
		rctx, cancel := context.WithTimeout(ctx, reconnectTimeout)
		err := ep.sess.Reconnect(rctx)
		cancel()
		c.post(reconnectedMsg{gen: ep.gen, err: err})
	}()
}

func (c *Controller) onReconnected(m reconnectedMsg) {
	if !c.current(m.gen) {
		return
	}
	ep := c.cur
	ep.reconnecting = false
	c.st.Reconnecting = false
	if m.err != nil {
		c.report(m.err)
		c.beginStop("reconnect_failed", true)
		return
	}
	c.st.Reconnects++
	log.Infof("stream %s reconnected", ep.sess.ID())
	c.publish()
	if c.pendingStop || c.shutdown {
		c.beginStop("queued_stop", false)
	}
}

func (c *Controller) onDeviceFault(m deviceFaultMsg) {
	if !c.current(m.gen) || c.state != Active {
		return
	}
	c.report(m.err)
	c.requestStop("device_fault")
}

// requestStop stops the active recording, or defers the stop until an
// in-flight reconnect has finished.
func (c *Controller) requestStop(trigger string) {
	if c.cur.reconnecting {
		c.pendingStop = true
		return
	}
	c.beginStop(trigger, false)
}

type stoppedMsg struct {
	gen    int
	audio  audio.Stats
	stream transcriber.Stats
	sink   sink.Stats
	err    error
}

// beginStop stops the engine first so no further chunks are produced, then
// closes the session: gracefully within close_timeout, or immediately when
// force is set.
func (c *Controller) beginStop(trigger string, force bool) {
	ep := c.cur
	c.pendingStop = false
	c.setState(Stopping, trigger)
	ep.cancel()

	timeout := ep.snap.Transcription.CloseTimeout()
	go func() {
		m := stoppedMsg{gen: ep.gen}
		m.audio = ep.rec.Stop()
		<-ep.pumpDone
		if force {
			ep.sess.Abort()
		} else {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			m.err = ep.sess.Close(ctx)
			cancel()
		}
		m.sink = <-ep.sinkDone
		m.stream = ep.sess.Stats()
		c.post(m)
	}()
}

func (c *Controller) onStopped(m stoppedMsg) {
	if !c.current(m.gen) {
		return
	}
	ep := c.cur
	if m.err != nil {
		c.report(m.err)
	}
	log.SessionEnd(ep.sess.ID(), m.sink.Finals, time.Since(ep.started))
	log.Infof("session %s: audio=%.1fs chunks=%d overruns=%d sent=%d finals=%d anomalies=%d",
		ep.sess.ID(), m.audio.Audio.Seconds(), m.audio.Chunks, m.audio.Overruns,
		m.stream.SentChunks, m.sink.Finals, m.sink.Anomalies)
	c.enterIdle("stopped")
}

type interimMsg struct {
	gen  int
	text string
}

type finalMsg struct {
	gen  int
	text string
}

type anomalyMsg struct {
	gen int
	a   *sink.Anomaly
}

// sinkObserver forwards sink activity into the controller loop.
type sinkObserver struct {
	c   *Controller
	gen int
}

func (o sinkObserver) OnInterim(text string) { o.c.post(interimMsg{gen: o.gen, text: text}) }
func (o sinkObserver) OnFinal(text string)   { o.c.post(finalMsg{gen: o.gen, text: text}) }
func (o sinkObserver) OnAnomaly(a *sink.Anomaly) {
	o.c.post(anomalyMsg{gen: o.gen, a: a})
}
