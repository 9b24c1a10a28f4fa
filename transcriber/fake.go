package transcriber

import (
	"context"
	"errors"
	"io"
	"sync"
)

var errFakeClosed = errors.New("fake connection closed")

// FakeTransport hands out in-memory connections. Tests drive them through
// Push and Fail; Text, when set, is answered as one Final on Finalize.
type FakeTransport struct {
	Text string

	mu       sync.Mutex
	conns    []*FakeConn
	dialErrs []error
	dialed   chan *FakeConn
}

func NewFakeTransport(text string) *FakeTransport {
	return &FakeTransport{Text: text, dialed: make(chan *FakeConn, 16)}
}

// FailNextDial makes the next Dial return err. Calls queue up.
func (f *FakeTransport) FailNextDial(err error) {
	f.mu.Lock()
	f.dialErrs = append(f.dialErrs, err)
	f.mu.Unlock()
}

func (f *FakeTransport) Dial(ctx context.Context, cfg Config) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.dialErrs) > 0 {
		err := f.dialErrs[0]
		f.dialErrs = f.dialErrs[1:]
		return nil, err
	}
	c := &FakeConn{
		text:   f.Text,
		cfg:    cfg,
		inbox:  make(chan fakeItem, 64),
		closed: make(chan struct{}),
	}
	f.conns = append(f.conns, c)
	select {
	case f.dialed <- c:
	default:
	}
	return c, nil
}

// Dialed delivers every connection as it is created.
func (f *FakeTransport) Dialed() <-chan *FakeConn { return f.dialed }

func (f *FakeTransport) Conns() []*FakeConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*FakeConn(nil), f.conns...)
}

type fakeItem struct {
	msg Message
	err error
}

type FakeConn struct {
	text  string
	cfg   Config
	inbox chan fakeItem

	mu             sync.Mutex
	sent           [][]byte
	sentBytes      int
	sendErr        error
	ignoreFinalize bool
	finalized      bool
	streamClosed   bool
	closed         chan struct{}
	closeOnce      sync.Once
}

func (c *FakeConn) Send(pcm []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.closed:
		return errFakeClosed
	default:
	}
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, append([]byte(nil), pcm...))
	c.sentBytes += len(pcm)
	return nil
}

func (c *FakeConn) audioSeconds() float64 {
	rate := c.cfg.SampleRate * max(c.cfg.Channels, 1) * 2
	if rate == 0 {
		return 0
	}
	return float64(c.sentBytes) / float64(rate)
}

func (c *FakeConn) Finalize() error {
	c.mu.Lock()
	c.finalized = true
	ignore := c.ignoreFinalize
	dur := c.audioSeconds()
	c.mu.Unlock()
	if ignore {
		return nil
	}
	c.Push(Message{
		Type:         "Results",
		Transcript:   c.text,
		Duration:     dur,
		IsFinal:      true,
		SpeechFinal:  c.text != "",
		FromFinalize: true,
	})
	return nil
}

func (c *FakeConn) CloseStream() error {
	c.mu.Lock()
	c.streamClosed = true
	c.mu.Unlock()
	c.Fail(io.EOF)
	return nil
}

func (c *FakeConn) Recv() (Message, error) {
	select {
	case it := <-c.inbox:
		return it.msg, it.err
	case <-c.closed:
		return Message{}, errFakeClosed
	}
}

func (c *FakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// Push queues a message as if the service had sent it.
func (c *FakeConn) Push(m Message) {
	select {
	case c.inbox <- fakeItem{msg: m}:
	case <-c.closed:
	}
}

// Fail makes the next Recv return err, as if the connection dropped.
func (c *FakeConn) Fail(err error) {
	select {
	case c.inbox <- fakeItem{err: err}:
	case <-c.closed:
	}
}

// FailSends makes every later Send return err.
func (c *FakeConn) FailSends(err error) {
	c.mu.Lock()
	c.sendErr = err
	c.mu.Unlock()
}

// IgnoreFinalize stops the connection from acknowledging Finalize.
func (c *FakeConn) IgnoreFinalize() {
	c.mu.Lock()
	c.ignoreFinalize = true
	c.mu.Unlock()
}

func (c *FakeConn) Sent() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.sent...)
}

func (c *FakeConn) Finalized() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.finalized
}

func (c *FakeConn) StreamClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streamClosed
}

func (c *FakeConn) Closed() bool {
	select {
	case <-c.closed:
		return true
	default:
	}
	return false
}

// Config is the configuration the connection was dialed with.
func (c *FakeConn) Config() Config { return c.cfg }
