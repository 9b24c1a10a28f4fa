package audio

import (
	"fmt"
	"os"
	"sync"
	"time"
)

const fakeFrameSize = 1024

// FakeContext replays a mono PCM16 WAV file as if it came from a
// microphone. In realtime mode frames are paced at the configured sample
// rate; otherwise they are fed about sixty times faster. Silence follows
// once the file is exhausted.
type FakeContext struct {
	pcm      []byte
	realtime bool

	mu        sync.Mutex
	audioDone chan struct{}
}

func NewFakeContext(wavPath string, realtime bool) (*FakeContext, error) {
	data, err := os.ReadFile(wavPath)
	if err != nil {
		return nil, err
	}
	if len(data) > WAVHeaderSize {
		data = data[WAVHeaderSize:]
	}
	return NewFakeContextPCM(data, realtime), nil
}

// NewFakeContextPCM is NewFakeContext for raw PCM16LE already in memory.
func NewFakeContextPCM(pcm []byte, realtime bool) *FakeContext {
	return &FakeContext{pcm: pcm, realtime: realtime, audioDone: make(chan struct{})}
}

// AudioDone is closed when a capture opened from this context has fed the
// whole file. Each completion arms a fresh channel for the next recording.
func (f *FakeContext) AudioDone() <-chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.audioDone
}

func (f *FakeContext) finish() {
	f.mu.Lock()
	close(f.audioDone)
	f.audioDone = make(chan struct{})
	f.mu.Unlock()
}

func (f *FakeContext) Devices() ([]DeviceInfo, error) {
	return []DeviceInfo{{ID: "fake", Name: "fake"}}, nil
}

func (f *FakeContext) Close() {}

func (f *FakeContext) NewCapture(_ *DeviceInfo, config CaptureConfig) (CaptureDevice, error) {
	if config.SampleRate == 0 || config.Channels == 0 {
		return nil, fmt.Errorf("fake capture: invalid format %d Hz x %d", config.SampleRate, config.Channels)
	}
	return &FakeCapture{ctx: f, config: config}, nil
}

type FakeCapture struct {
	ctx    *FakeContext
	config CaptureConfig

	mu       sync.Mutex
	cb       DataCallback
	stopCh   chan struct{}
	feedDone chan struct{}
}

func (f *FakeCapture) SetCallback(cb DataCallback) {
	f.mu.Lock()
	f.cb = cb
	f.mu.Unlock()
}

func (f *FakeCapture) ClearCallback() {
	f.mu.Lock()
	f.cb = nil
	f.mu.Unlock()
}

func (f *FakeCapture) DeviceName() string { return "fake" }

func (f *FakeCapture) callback() DataCallback {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cb
}

func (f *FakeCapture) Start() error {
	f.mu.Lock()
	f.stopCh = make(chan struct{})
	f.feedDone = make(chan struct{})
	stop, feedDone := f.stopCh, f.feedDone
	f.mu.Unlock()

	frameBytes := 2 * int(f.config.Channels)
	chunkBytes := fakeFrameSize * frameBytes
	interval := time.Duration(fakeFrameSize) * time.Second / time.Duration(f.config.SampleRate)
	if !f.ctx.realtime {
		interval = time.Millisecond
	}

	go func() {
		defer close(feedDone)
		buf := make([]byte, chunkBytes)
		silence := make([]byte, chunkBytes)
		pcm := f.ctx.pcm
		pos := 0
		finished := false
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			if cb := f.callback(); cb != nil {
				if pos < len(pcm) {
					end := min(pos+chunkBytes, len(pcm))
					n := copy(buf, pcm[pos:end])
					n -= n % frameBytes
					cb(buf[:n], uint32(n/frameBytes))
					pos = end
				} else {
					if !finished {
						finished = true
						f.ctx.finish()
					}
					cb(silence, fakeFrameSize)
				}
			}
			select {
			case <-stop:
				return
			case <-ticker.C:
			}
		}
	}()
	return nil
}

func (f *FakeCapture) Stop() {
	f.mu.Lock()
	stop, feedDone := f.stopCh, f.feedDone
	f.mu.Unlock()
	if stop == nil {
		return
	}
	select {
	case <-stop:
	default:
		close(stop)
	}
	<-feedDone
}

func (f *FakeCapture) Close() {}
