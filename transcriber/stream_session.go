package transcriber

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"voxkey/audio"
	"voxkey/log"
)

const (
	streamFinalizeIdle = 200 * time.Millisecond
	streamFinalizeMax  = 1000 * time.Millisecond
	closeStreamGrace   = 500 * time.Millisecond
	receiverDrainMax   = 2 * time.Second
	maxReplay          = 30 * time.Second
	sendQueueSize      = 64
	eventQueueSize     = 64

	// service timestamps are float seconds; ignore rounding when comparing
	finalOverlapTolerance = 10 * time.Millisecond
)

var errConnLost = errors.New("connection lost before finalize")

type Stats struct {
	ConnectDur     time.Duration
	SentChunks     int
	SentBytes      uint64
	RecvMessages   int
	RecvInterim    int
	RecvFinal      int
	Reconnects     int
	ReplayedChunks int
	FinalizeWait   time.Duration
	SessionDur     time.Duration
	Audio          time.Duration
}

type replayEntry struct {
	chunk audio.Chunk
	at    time.Duration // session-relative start of the chunk
}

// StreamSession owns one live transcription stream. Chunks passed to Send
// are transmitted in order by a single sender goroutine; results arrive on
// Events in the order the service emitted them.
//
// Audio sent since the last Final is kept so that Reconnect can replay it on
// a fresh connection.
type StreamSession struct {
	id        string
	transport Transport
	cfg       Config
	startedAt time.Time

	events        chan Event
	faults        chan error
	sendQ         chan audio.Chunk
	abort         chan struct{}
	abortOnce     sync.Once
	senderDone    chan struct{}
	finalized     chan struct{}
	finalizedOnce sync.Once
	teardownOnce  sync.Once
	closing       atomic.Bool

	intakeMu     sync.RWMutex
	intakeClosed bool

	mu           sync.Mutex
	conn         Conn
	gen          int
	broken       bool
	faulted      bool
	recvDone     chan struct{}
	replay       []replayEntry
	audioPos     time.Duration
	offset       time.Duration
	nextUtt      int
	haveFinal    bool // a Final arrived on the current connection
	lastFinalEnd time.Duration
	stats        Stats
}

// Open dials the service and starts streaming. Errors are *TransportError.
func Open(ctx context.Context, t Transport, cfg Config) (*StreamSession, error) {
	connectStart := time.Now()
	conn, err := t.Dial(ctx, cfg)
	if err != nil {
		return nil, &TransportError{Op: "dial", Err: err}
	}

	s := &StreamSession{
		id:         uuid.NewString(),
		transport:  t,
		cfg:        cfg,
		startedAt:  connectStart,
		events:     make(chan Event, eventQueueSize),
		faults:     make(chan error, 1),
		sendQ:      make(chan audio.Chunk, sendQueueSize),
		abort:      make(chan struct{}),
		senderDone: make(chan struct{}),
		finalized:  make(chan struct{}),
	}
	s.stats.ConnectDur = time.Since(connectStart)

	s.mu.Lock()
	s.attach(conn)
	s.mu.Unlock()
	go s.runSender()

	log.Debugf("stream_open: %s connect=%dms", s.id, s.stats.ConnectDur.Milliseconds())
	return s, nil
}

func (s *StreamSession) ID() string { return s.id }

// Events is closed once the session is torn down.
func (s *StreamSession) Events() <-chan Event { return s.events }

// Faults delivers *TransportError when the live connection breaks. At most
// one fault is reported per connection.
func (s *StreamSession) Faults() <-chan error { return s.faults }

func (s *StreamSession) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	st.SessionDur = time.Since(s.startedAt)
	st.Audio = s.audioPos
	return st
}

// attach installs conn as the live connection. Caller holds s.mu.
func (s *StreamSession) attach(conn Conn) {
	s.gen++
	s.conn = conn
	s.broken = false
	s.faulted = false
	done := make(chan struct{})
	s.recvDone = done
	go s.runReceiver(conn, s.gen, done)
}

func (s *StreamSession) Send(c audio.Chunk) error {
	s.intakeMu.RLock()
	defer s.intakeMu.RUnlock()
	if s.intakeClosed {
		return ErrSessionClosed
	}
	select {
	case s.sendQ <- c:
		return nil
	case <-s.abort:
		return ErrSessionClosed
	}
}

func (s *StreamSession) closeIntake() {
	s.intakeMu.Lock()
	defer s.intakeMu.Unlock()
	if !s.intakeClosed {
		s.intakeClosed = true
		close(s.sendQ)
	}
}

func (s *StreamSession) runSender() {
	defer close(s.senderDone)
	for {
		select {
		case c, ok := <-s.sendQ:
			if !ok {
				return
			}
			s.transmit(c)
		case <-s.abort:
			return
		}
	}
}

func (s *StreamSession) transmit(c audio.Chunk) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.replay = append(s.replay, replayEntry{chunk: c, at: s.audioPos})
	s.audioPos += c.Duration
	s.trimReplay(s.audioPos - maxReplay)

	if s.broken {
		return
	}
	if err := s.conn.Send(c.PCM); err != nil {
		s.fault("send", err)
		return
	}
	s.stats.SentChunks++
	s.stats.SentBytes += uint64(len(c.PCM))
}

// trimReplay drops buffered chunks that end at or before until. Caller
// holds s.mu.
func (s *StreamSession) trimReplay(until time.Duration) {
	i := 0
	for i < len(s.replay) && s.replay[i].at+s.replay[i].chunk.Duration <= until {
		i++
	}
	if i > 0 {
		s.replay = append(s.replay[:0], s.replay[i:]...)
	}
}

// fault marks the live connection broken and reports it once. Caller holds
// s.mu.
func (s *StreamSession) fault(op string, err error) {
	s.broken = true
	if s.faulted || s.closing.Load() {
		return
	}
	s.faulted = true
	terr := &TransportError{Op: op, Err: err}
	log.Warnf("stream %s: %v", s.id, terr)
	select {
	case s.faults <- terr:
	default:
	}
}

func (s *StreamSession) runReceiver(conn Conn, gen int, done chan struct{}) {
	defer close(done)
	for {
		msg, err := conn.Recv()
		if err != nil {
			s.mu.Lock()
			if gen == s.gen {
				s.fault("recv", err)
			}
			s.mu.Unlock()
			return
		}
		ev, ok := s.handle(msg, gen)
		if !ok {
			continue
		}
		select {
		case s.events <- ev:
		case <-s.abort:
			return
		}
	}
}

func seconds(f float64) time.Duration {
	return time.Duration(f * float64(time.Second))
}

func (s *StreamSession) handle(msg Message, gen int) (Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen {
		return Event{}, false
	}
	s.stats.RecvMessages++
	if msg.FromFinalize {
		s.finalizedOnce.Do(func() { close(s.finalized) })
	}

	switch msg.Type {
	case "", "Results":
	default:
		log.Debugf("stream %s: %s %s", s.id, msg.Type, msg.RequestID)
		return Event{}, false
	}

	start := s.offset + seconds(msg.Start)
	end := start + seconds(msg.Duration)
	ev := Event{
		Text:           msg.Transcript,
		Start:          start,
		End:            end,
		EndOfUtterance: msg.SpeechFinal,
		Confidence:     msg.Confidence,
	}

	if !msg.final() {
		s.stats.RecvInterim++
		if msg.Transcript == "" {
			return Event{}, false
		}
		ev.Kind = Interim
		ev.Utterance = s.nextUtt
		return ev, true
	}

	s.stats.RecvFinal++
	s.trimReplay(end)
	if msg.Transcript == "" {
		return Event{}, false
	}
	ev.Kind = Final
	if s.haveFinal && start+finalOverlapTolerance < s.lastFinalEnd {
		ev.Utterance = s.nextUtt - 1
	} else {
		ev.Utterance = s.nextUtt
		s.nextUtt++
	}
	s.haveFinal = true
	s.lastFinalEnd = max(s.lastFinalEnd, end)
	return ev, true
}

// Reconnect replaces a broken connection, replays the audio sent since the
// last Final and resumes live sending. Timestamps on the new connection are
// shifted so events stay session-relative.
func (s *StreamSession) Reconnect(ctx context.Context) error {
	if s.closing.Load() {
		return ErrSessionClosed
	}
	s.mu.Lock()
	old, oldDone := s.conn, s.recvDone
	s.gen++ // retire the old receiver
	s.broken = true
	s.mu.Unlock()

	old.Close()
	select {
	case <-oldDone:
	case <-ctx.Done():
		return &TransportError{Op: "reconnect", Err: ctx.Err()}
	}

	conn, err := s.transport.Dial(ctx, s.cfg)
	if err != nil {
		return &TransportError{Op: "reconnect", Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing.Load() {
		conn.Close()
		return ErrSessionClosed
	}
	// Replayed audio may overlap the last Final; the new connection's
	// results are never revisions of an earlier connection's utterances.
	s.haveFinal = false
	s.lastFinalEnd = 0
	s.offset = s.audioPos
	if len(s.replay) > 0 {
		s.offset = s.replay[0].at
	}
	s.attach(conn)
	for _, e := range s.replay {
		if err := conn.Send(e.chunk.PCM); err != nil {
			s.broken = true
			s.faulted = true
			return &TransportError{Op: "replay", Err: err}
		}
		s.stats.ReplayedChunks++
	}
	s.stats.Reconnects++
	log.Infof("stream_reconnect: %s replayed=%d offset=%dms", s.id, len(s.replay), s.offset.Milliseconds())
	return nil
}

// Close stops accepting chunks, drains the queue, asks the service to
// finalize and waits for the acknowledgement, then ends the stream. When ctx
// expires the transport is closed immediately. Events is closed on return.
func (s *StreamSession) Close(ctx context.Context) error {
	if !s.closing.CompareAndSwap(false, true) {
		return ErrSessionClosed
	}
	defer s.teardown()

	s.closeIntake()
	finalizeStart := time.Now()
	select {
	case <-s.senderDone:
	case <-ctx.Done():
		return &TransportError{Op: "close", Err: ctx.Err()}
	}

	s.mu.Lock()
	conn, broken, recvDone := s.conn, s.broken, s.recvDone
	s.mu.Unlock()
	if broken {
		return &TransportError{Op: "close", Err: errConnLost}
	}

	var err error
	if ferr := conn.Finalize(); ferr != nil {
		err = &TransportError{Op: "finalize", Err: ferr}
	} else {
		wait := s.cfg.FinalizeTimeout
		if wait <= 0 {
			wait = streamFinalizeMax
		}
		t := time.NewTimer(wait)
		select {
		case <-s.finalized:
			// trailing results may still follow the acknowledgement
			t.Reset(streamFinalizeIdle)
			select {
			case <-t.C:
			case <-recvDone:
			case <-ctx.Done():
			}
		case <-t.C:
			log.Warnf("stream %s: no finalize acknowledgement after %v", s.id, wait)
		case <-ctx.Done():
			err = &TransportError{Op: "finalize", Err: ctx.Err()}
		}
		t.Stop()
	}

	s.mu.Lock()
	s.stats.FinalizeWait = time.Since(finalizeStart)
	s.mu.Unlock()

	if err == nil {
		if cerr := conn.CloseStream(); cerr != nil {
			log.Debugf("stream %s: close stream: %v", s.id, cerr)
		} else {
			grace := time.NewTimer(closeStreamGrace)
			select {
			case <-recvDone:
			case <-grace.C:
			case <-ctx.Done():
			}
			grace.Stop()
		}
	}
	return err
}

// Abort tears the session down without finalizing.
func (s *StreamSession) Abort() {
	s.closing.Store(true)
	s.abortOnce.Do(func() { close(s.abort) })
	s.closeIntake()
	s.teardown()
}

func (s *StreamSession) teardown() {
	s.teardownOnce.Do(func() {
		s.abortOnce.Do(func() { close(s.abort) })

		s.mu.Lock()
		conn, recvDone := s.conn, s.recvDone
		s.gen++
		s.mu.Unlock()

		conn.Close()
		<-s.senderDone

		select {
		case <-recvDone:
			close(s.events)
		case <-time.After(receiverDrainMax):
			log.Warn("stream receiver drain timeout")
			go func() {
				<-recvDone
				close(s.events)
			}()
		}

		st := s.Stats()
		log.StreamMetrics(log.StreamMetricsData{
			Session:        s.id,
			ConnectMs:      float64(st.ConnectDur.Milliseconds()),
			FinalizeMs:     float64(st.FinalizeWait.Milliseconds()),
			TotalMs:        float64(st.SessionDur.Milliseconds()),
			AudioS:         st.Audio.Seconds(),
			SentChunks:     st.SentChunks,
			SentKB:         float64(st.SentBytes) / 1024,
			RecvMessages:   st.RecvMessages,
			RecvInterim:    st.RecvInterim,
			RecvFinal:      st.RecvFinal,
			Reconnects:     st.Reconnects,
			ReplayedChunks: st.ReplayedChunks,
		})
	})
}

// FormatStats renders session statistics as aligned report lines.
func FormatStats(st Stats) []string {
	return []string{
		fmt.Sprintf("audio:      %.1fs | %.1f KB PCM sent", st.Audio.Seconds(), float64(st.SentBytes)/1024),
		fmt.Sprintf("connect:    %dms", st.ConnectDur.Milliseconds()),
		fmt.Sprintf("sent:       %d chunks", st.SentChunks),
		fmt.Sprintf("recv:       %d msgs (%d final, %d interim)", st.RecvMessages, st.RecvFinal, st.RecvInterim),
		fmt.Sprintf("reconnect:  %d (%d chunks replayed)", st.Reconnects, st.ReplayedChunks),
		fmt.Sprintf("finalize:   %dms", st.FinalizeWait.Milliseconds()),
		fmt.Sprintf("total:      %dms", st.SessionDur.Milliseconds()),
	}
}
