package audio

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"voxkey/config"
	"voxkey/log"
	"voxkey/ring"
)

// DefaultStopTimeout bounds how long Stop waits for the chunker to hand over
// its last chunks.
const DefaultStopTimeout = 2 * time.Second

// Chunk is a fixed-duration slice of PCM16LE audio. The final chunk of a
// recording may be shorter. Seq increases by one per chunk; a larger jump
// means whole chunks were lost to an overrun, and Dropped then holds the
// number of samples missing right before this chunk.
type Chunk struct {
	Seq        uint64
	PCM        []byte
	SampleRate int
	Channels   int
	Duration   time.Duration
	Dropped    int
}

// Samples is the number of interleaved samples in the chunk.
func (c Chunk) Samples() int { return len(c.PCM) / 2 }

// Level is the RMS amplitude of the chunk in [0, 1].
func (c Chunk) Level() float64 {
	n := c.Samples()
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i+1 < len(c.PCM); i += 2 {
		v := float64(int16(binary.LittleEndian.Uint16(c.PCM[i:]))) / 32768.0
		sum += v * v
	}
	return math.Sqrt(sum / float64(n))
}

type Stats struct {
	Chunks         uint64
	Overruns       uint64
	DroppedSamples uint64
	CallbackFaults uint64
	Audio          time.Duration
	Abandoned      bool // StopTimeout hit and pending chunks were discarded
}

type Engine struct {
	ctx         Context
	StopTimeout time.Duration

	write func(*ring.Buffer, []byte)
}

func NewEngine(ctx Context) *Engine {
	return &Engine{ctx: ctx, StopTimeout: DefaultStopTimeout}
}

// Start opens the configured device and begins capturing. Errors are
// *DeviceError.
func (e *Engine) Start(cfg config.Audio) (*Running, error) {
	dev, err := FindDevice(e.ctx, cfg.Device)
	if err != nil {
		return nil, err
	}
	if dev != nil && IsBluetooth(dev.Name) {
		log.Warnf("bluetooth input %s: expect reduced audio quality", describe(dev))
	}

	capture, err := e.ctx.NewCapture(dev, CaptureConfig{
		SampleRate:   uint32(cfg.SampleRate),
		Channels:     uint32(cfg.Channels),
		BufferFrames: uint32(cfg.BufferSize),
	})
	if err != nil {
		return nil, &DeviceError{Op: "open", Device: cfg.Device, Err: err}
	}

	timeout := e.StopTimeout
	if timeout <= 0 {
		timeout = DefaultStopTimeout
	}
	r := &Running{
		device:       capture,
		name:         capture.DeviceName(),
		ring:         ring.New(cfg.RingCapacity()),
		write:        e.write,
		chunkSamples: cfg.ChunkSamples(),
		sampleRate:   cfg.SampleRate,
		channels:     cfg.Channels,
		gain:         cfg.Gain,
		timeout:      timeout,
		chunks:       make(chan Chunk, 2),
		errs:         make(chan error, 1),
		abandon:      make(chan struct{}),
		done:         make(chan struct{}),
	}
	if r.write == nil {
		r.write = (*ring.Buffer).WriteBytes
	}
	if r.gain == 0 {
		r.gain = 1
	}

	capture.SetCallback(r.onData)
	if err := capture.Start(); err != nil {
		capture.ClearCallback()
		capture.Close()
		return nil, &DeviceError{Op: "start", Device: r.name, Err: err}
	}
	log.Info("capture_start: " + r.name)

	go r.run()
	return r, nil
}

// Running is an open capture. It must be released with Stop.
type Running struct {
	device       CaptureDevice
	name         string
	ring         *ring.Buffer
	write        func(*ring.Buffer, []byte)
	chunkSamples int
	sampleRate   int
	channels     int
	gain         float64
	timeout      time.Duration

	chunks  chan Chunk
	errs    chan error
	abandon chan struct{}
	done    chan struct{}

	frames   atomic.Uint64
	faults   atomic.Uint64
	overruns atomic.Uint64
	dropped  atomic.Uint64
	emitted  atomic.Uint64

	stopOnce sync.Once
	stats    Stats
}

// Chunks is closed after Stop once the final partial chunk was delivered.
func (r *Running) Chunks() <-chan Chunk { return r.chunks }

// Err delivers at most one *DeviceError raised from the device callback.
func (r *Running) Err() <-chan error { return r.errs }

func (r *Running) Overruns() uint64 { return r.overruns.Load() }

func (r *Running) DeviceName() string { return r.name }

// onData runs on the device thread. It only writes into the ring; a panic
// is counted and reported, never propagated into the backend.
func (r *Running) onData(data []byte, frameCount uint32) {
	defer func() {
		if p := recover(); p != nil {
			if r.faults.Add(1) == 1 {
				r.fail(&DeviceError{Op: "callback", Device: r.name, Err: fmt.Errorf("panic: %v", p)})
			}
		}
	}()
	r.write(r.ring, data)
	r.frames.Add(uint64(frameCount))
}

func (r *Running) fail(err error) {
	select {
	case r.errs <- err:
	default:
	}
}

func (r *Running) run() {
	defer close(r.done)
	defer close(r.chunks)

	buf := make([]int16, r.chunkSamples)
	var seq uint64
	for {
		n, dropped, err := r.ring.Read(buf)
		if dropped > 0 {
			seq += uint64(max(1, dropped/r.chunkSamples))
			total := r.overruns.Add(1)
			r.dropped.Add(uint64(dropped))
			log.Overrun(seq, dropped, total)
		}
		if n > 0 {
			c := r.encode(seq, buf[:n], dropped)
			seq++
			select {
			case r.chunks <- c:
				r.emitted.Add(1)
			case <-r.abandon:
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func (r *Running) encode(seq uint64, samples []int16, dropped int) Chunk {
	pcm := make([]byte, len(samples)*2)
	for i, s := range samples {
		if r.gain != 1 {
			v := float64(s) * r.gain
			s = int16(max(-32768, min(32767, v)))
		}
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(s))
	}
	frames := len(samples) / r.channels
	return Chunk{
		Seq:        seq,
		PCM:        pcm,
		SampleRate: r.sampleRate,
		Channels:   r.channels,
		Duration:   time.Duration(frames) * time.Second / time.Duration(r.sampleRate),
		Dropped:    dropped,
	}
}

// Stop halts the device, flushes the partial chunk and releases the device.
// Chunks not taken within the stop timeout are discarded. Safe to call more
// than once.
func (r *Running) Stop() Stats {
	r.stopOnce.Do(func() {
		r.device.Stop()
		r.device.ClearCallback()
		r.ring.Close()

		t := time.NewTimer(r.timeout)
		abandoned := false
		select {
		case <-r.done:
		case <-t.C:
			abandoned = true
			close(r.abandon)
			<-r.done
			log.Warnf("capture stop timed out after %v, pending chunks discarded", r.timeout)
		}
		t.Stop()
		r.device.Close()

		r.stats = Stats{
			Chunks:         r.emitted.Load(),
			Overruns:       r.overruns.Load(),
			DroppedSamples: r.dropped.Load(),
			CallbackFaults: r.faults.Load(),
			Audio:          time.Duration(r.frames.Load()) * time.Second / time.Duration(r.sampleRate),
			Abandoned:      abandoned,
		}
		log.Infof("capture_stop: %s chunks=%d overruns=%d", r.name, r.stats.Chunks, r.stats.Overruns)
	})
	return r.stats
}
