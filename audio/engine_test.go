package audio

import (
	"encoding/binary"
	"errors"
	"sync"
	"testing"
	"time"

	"voxkey/config"
	"voxkey/ring"
)

type manualContext struct {
	devices  []DeviceInfo
	openErr  error
	startErr error

	mu   sync.Mutex
	last *manualCapture
}

func (m *manualContext) Devices() ([]DeviceInfo, error) { return m.devices, nil }
func (m *manualContext) Close()                         {}

func (m *manualContext) NewCapture(dev *DeviceInfo, _ CaptureConfig) (CaptureDevice, error) {
	if m.openErr != nil {
		return nil, m.openErr
	}
	c := &manualCapture{startErr: m.startErr, name: "default"}
	if dev != nil {
		c.name = dev.Name
	}
	m.mu.Lock()
	m.last = c
	m.mu.Unlock()
	return c, nil
}

type manualCapture struct {
	name     string
	startErr error

	mu      sync.Mutex
	cb      DataCallback
	stopped bool
	closed  bool
}

func (c *manualCapture) Start() error { return c.startErr }
func (c *manualCapture) Stop() {
	c.mu.Lock()
	c.stopped = true
	c.mu.Unlock()
}
func (c *manualCapture) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}
func (c *manualCapture) SetCallback(cb DataCallback) {
	c.mu.Lock()
	c.cb = cb
	c.mu.Unlock()
}
func (c *manualCapture) ClearCallback() {
	c.mu.Lock()
	c.cb = nil
	c.mu.Unlock()
}
func (c *manualCapture) DeviceName() string { return c.name }

// feed delivers samples first..first+n-1 through the device callback.
func (c *manualCapture) feed(first, n int) {
	data := make([]byte, n*2)
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint16(data[i*2:], uint16(int16(first+i)))
	}
	c.mu.Lock()
	cb := c.cb
	c.mu.Unlock()
	if cb != nil {
		cb(data, uint32(n))
	}
}

func testAudio(chunkMS, ringChunks int) config.Audio {
	a := config.Default().Audio
	a.ChunkMS = chunkMS
	a.RingChunks = ringChunks
	return a
}

func startManual(t *testing.T, cfg config.Audio) (*Engine, *manualContext, *Running) {
	t.Helper()
	mc := &manualContext{}
	e := NewEngine(mc)
	r, err := e.Start(cfg)
	if err != nil {
		t.Fatal(err)
	}
	return e, mc, r
}

func recvChunk(t *testing.T, r *Running) Chunk {
	t.Helper()
	select {
	case c, ok := <-r.Chunks():
		if !ok {
			t.Fatal("chunk channel closed early")
		}
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for chunk")
	}
	return Chunk{}
}

func firstSample(c Chunk) int16 {
	return int16(binary.LittleEndian.Uint16(c.PCM))
}

func TestEngineGapFreeSequence(t *testing.T) {
	cfg := testAudio(10, 8) // 160 samples per chunk at 16 kHz mono
	_, mc, r := startManual(t, cfg)

	for i := 0; i < 10; i++ {
		mc.last.feed(i*160, 160)
		c := recvChunk(t, r)
		if c.Seq != uint64(i) {
			t.Fatalf("chunk %d has seq %d", i, c.Seq)
		}
		if c.Samples() != 160 || c.Dropped != 0 {
			t.Fatalf("chunk %d: samples=%d dropped=%d", i, c.Samples(), c.Dropped)
		}
		if c.Duration != 10*time.Millisecond {
			t.Errorf("chunk %d duration %v", i, c.Duration)
		}
		if got := firstSample(c); got != int16(i*160) {
			t.Fatalf("chunk %d starts with %d, want %d", i, got, i*160)
		}
	}

	// a partial tail is flushed on stop without waiting for a full chunk
	mc.last.feed(1600, 50)
	statsCh := make(chan Stats, 1)
	go func() { statsCh <- r.Stop() }()

	c := recvChunk(t, r)
	if c.Seq != 10 || c.Samples() != 50 {
		t.Fatalf("tail chunk seq=%d samples=%d, want 10/50", c.Seq, c.Samples())
	}
	if _, ok := <-r.Chunks(); ok {
		t.Fatal("chunk channel not closed after tail")
	}

	st := <-statsCh
	if st.Chunks != 11 || st.Overruns != 0 || st.Abandoned {
		t.Errorf("stats = %+v", st)
	}
	if st.Audio != 1650*time.Second/16000 {
		t.Errorf("audio duration = %v", st.Audio)
	}
	mc.last.mu.Lock()
	defer mc.last.mu.Unlock()
	if !mc.last.stopped || !mc.last.closed || mc.last.cb != nil {
		t.Error("device not stopped, cleared and closed")
	}
}

func TestEngineOverrunReported(t *testing.T) {
	cfg := testAudio(10, 2) // ring holds 320 samples
	_, mc, r := startManual(t, cfg)

	const fed = 1600
	mc.last.feed(0, fed) // far more than the ring holds while nobody reads

	statsCh := make(chan Stats, 1)
	go func() { statsCh <- r.Stop() }()

	var chunks []Chunk
	for c := range r.Chunks() {
		chunks = append(chunks, c)
	}
	st := <-statsCh

	if st.Overruns == 0 || r.Overruns() == 0 {
		t.Fatal("expected an overrun")
	}
	received := 0
	sawGap := false
	for i, c := range chunks {
		received += c.Samples()
		if i == 0 {
			continue
		}
		prev := chunks[i-1]
		jump := c.Seq - prev.Seq
		if c.Dropped == 0 {
			if jump != 1 {
				t.Errorf("seq %d -> %d without reported drop", prev.Seq, c.Seq)
			}
			continue
		}
		sawGap = true
		want := uint64(max(1, c.Dropped/160)) + 1
		if jump != want {
			t.Errorf("seq jump %d for %d dropped samples, want %d", jump, c.Dropped, want)
		}
	}
	if !sawGap && chunks[0].Dropped == 0 {
		t.Error("no chunk carries the dropped samples")
	}
	if uint64(received)+st.DroppedSamples != fed {
		t.Errorf("received %d + dropped %d != fed %d", received, st.DroppedSamples, fed)
	}
}

func TestEngineStopBoundedWithoutReader(t *testing.T) {
	cfg := testAudio(10, 8)
	mc := &manualContext{}
	e := NewEngine(mc)
	e.StopTimeout = 50 * time.Millisecond
	r, err := e.Start(cfg)
	if err != nil {
		t.Fatal(err)
	}
	mc.last.feed(0, 800) // five chunks, channel holds two

	start := time.Now()
	st := r.Stop()
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("Stop took %v", elapsed)
	}
	if !st.Abandoned {
		t.Error("expected pending chunks to be abandoned")
	}
	if !mc.last.closed {
		t.Error("device not released after timeout")
	}
	// second Stop returns the same stats immediately
	if again := r.Stop(); again != st {
		t.Errorf("second Stop = %+v, want %+v", again, st)
	}
}

func TestEngineCallbackPanicBecomesDeviceError(t *testing.T) {
	mc := &manualContext{}
	e := NewEngine(mc)
	e.write = func(*ring.Buffer, []byte) { panic("boom") }
	r, err := e.Start(testAudio(10, 8))
	if err != nil {
		t.Fatal(err)
	}

	mc.last.feed(0, 160)
	mc.last.feed(160, 160)

	select {
	case err := <-r.Err():
		var de *DeviceError
		if !errors.As(err, &de) || de.Op != "callback" {
			t.Fatalf("err = %v, want callback DeviceError", err)
		}
	case <-time.After(time.Second):
		t.Fatal("no device error after callback panic")
	}
	select {
	case err := <-r.Err():
		t.Fatalf("second fault reported: %v", err)
	default:
	}

	st := r.Stop()
	if st.CallbackFaults != 2 {
		t.Errorf("faults = %d, want 2", st.CallbackFaults)
	}
}

func TestEngineStartErrors(t *testing.T) {
	boom := errors.New("boom")
	tests := []struct {
		name   string
		ctx    *manualContext
		device string
		op     string
	}{
		{"unknown device", &manualContext{devices: []DeviceInfo{{ID: "1", Name: "USB Mic"}}}, "Studio", "find"},
		{"open fails", &manualContext{openErr: boom}, "", "open"},
		{"start fails", &manualContext{startErr: boom}, "", "start"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testAudio(10, 8)
			cfg.Device = tt.device
			_, err := NewEngine(tt.ctx).Start(cfg)
			var de *DeviceError
			if !errors.As(err, &de) {
				t.Fatalf("err = %v, want *DeviceError", err)
			}
			if de.Op != tt.op {
				t.Errorf("op = %q, want %q", de.Op, tt.op)
			}
			if tt.op == "start" && !tt.ctx.last.closed {
				t.Error("device not closed after failed start")
			}
		})
	}
}

func TestEngineGain(t *testing.T) {
	cfg := testAudio(10, 8)
	cfg.Gain = 2
	_, mc, r := startManual(t, cfg)
	defer r.Stop()

	mc.last.feed(20000, 160)
	c := recvChunk(t, r)
	if got := firstSample(c); got != 32767 {
		t.Errorf("clipped sample = %d, want 32767", got)
	}
}

func TestFindDevice(t *testing.T) {
	mc := &manualContext{devices: []DeviceInfo{
		{ID: "1", Name: "Built-in Microphone"},
		{ID: "2", Name: "USB Mic"},
		{ID: "3", Name: "usb mic"},
	}}
	tests := []struct {
		name string
		want string
	}{
		{"", ""},
		{"usb mic", "3"},
		{"built-in", "1"},
	}
	for _, tt := range tests {
		dev, err := FindDevice(mc, tt.name)
		if err != nil {
			t.Fatalf("FindDevice(%q): %v", tt.name, err)
		}
		got := ""
		if dev != nil {
			got = dev.ID
		}
		if got != tt.want {
			t.Errorf("FindDevice(%q) = %q, want %q", tt.name, got, tt.want)
		}
	}
	if _, err := FindDevice(mc, "headset"); !errors.Is(err, ErrNoDevice) {
		t.Errorf("missing device err = %v", err)
	}
}

func TestChunkLevel(t *testing.T) {
	silent := Chunk{PCM: make([]byte, 320)}
	if silent.Level() != 0 {
		t.Errorf("silence level = %f", silent.Level())
	}
	loud := make([]byte, 320)
	fullScale := int16(-32768)
	for i := 0; i < len(loud); i += 2 {
		binary.LittleEndian.PutUint16(loud[i:], uint16(fullScale))
	}
	if l := (Chunk{PCM: loud}).Level(); l < 0.99 {
		t.Errorf("full scale level = %f", l)
	}
}

func TestIsBluetooth(t *testing.T) {
	for name, want := range map[string]bool{
		"AirPods Pro":         true,
		"WH-1000XM4":          true,
		"Built-in Microphone": false,
		"Blue Yeti":           false,
	} {
		if got := IsBluetooth(name); got != want {
			t.Errorf("IsBluetooth(%q) = %v", name, got)
		}
	}
}

func TestFakeContextFeedsFile(t *testing.T) {
	pcm := make([]byte, 16000*2/4) // 250 ms of audio
	for i := 0; i < len(pcm); i += 2 {
		binary.LittleEndian.PutUint16(pcm[i:], 1000)
	}
	fc := NewFakeContextPCM(pcm, false)
	done := fc.AudioDone()

	r, err := NewEngine(fc).Start(testAudio(50, 8))
	if err != nil {
		t.Fatal(err)
	}
	c := recvChunk(t, r)
	if c.Level() == 0 {
		t.Error("first chunk is silent")
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("AudioDone not closed")
	}
	go func() {
		for range r.Chunks() {
		}
	}()
	r.Stop()
}
