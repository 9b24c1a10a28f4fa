// Package ring implements the single-producer single-consumer sample queue
// between the hardware capture callback and the chunker.
//
// The producer side never blocks and never allocates. When the consumer
// falls behind, the oldest unread samples are overwritten and counted as an
// overrun. Sample slots are atomics so a consumer racing an overwrite sees a
// failed compare-and-swap on the read index instead of torn data.
package ring

import (
	"errors"
	"sync"
	"sync/atomic"
)

// ErrClosed is returned by Read once the buffer has been closed and fewer
// samples than requested remain.
var ErrClosed = errors.New("ring: closed")

type Buffer struct {
	slots []atomic.Int32
	size  uint64

	w atomic.Uint64 // samples ever written; producer-owned
	r atomic.Uint64 // samples ever consumed or discarded

	overruns atomic.Uint64
	dropped  atomic.Uint64

	notify    chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	seenDropped uint64 // consumer-owned
}

func New(capacity int) *Buffer {
	if capacity < 1 {
		capacity = 1
	}
	return &Buffer{
		slots:  make([]atomic.Int32, capacity),
		size:   uint64(capacity),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

func (b *Buffer) Cap() int { return int(b.size) }

// Len returns the number of unread samples.
func (b *Buffer) Len() int {
	return int(b.w.Load() - b.r.Load())
}

// Overruns returns how many writes had to discard unread samples.
func (b *Buffer) Overruns() uint64 { return b.overruns.Load() }

// Dropped returns the total number of samples discarded by overruns.
func (b *Buffer) Dropped() uint64 { return b.dropped.Load() }

// Write appends samples. Safe to call from the capture callback.
func (b *Buffer) Write(samples []int16) {
	n := uint64(len(samples))
	if n == 0 {
		return
	}
	if n > b.size {
		// Only the newest size samples can survive; feed in slices so the
		// read index never passes the write index.
		for len(samples) > int(b.size) {
			b.Write(samples[:b.size])
			samples = samples[b.size:]
		}
		b.Write(samples)
		return
	}
	w := b.w.Load()
	b.reserve(w + n)
	for i, s := range samples {
		b.slots[(w+uint64(i))%b.size].Store(int32(s))
	}
	b.w.Store(w + n)
	b.wake()
}

// WriteBytes appends PCM16 little-endian samples without an intermediate
// slice. A trailing odd byte is ignored.
func (b *Buffer) WriteBytes(pcm []byte) {
	n := uint64(len(pcm) / 2)
	if n == 0 {
		return
	}
	if n > b.size {
		for uint64(len(pcm)/2) > b.size {
			b.WriteBytes(pcm[:b.size*2])
			pcm = pcm[b.size*2:]
		}
		b.WriteBytes(pcm)
		return
	}
	w := b.w.Load()
	b.reserve(w + n)
	for i := uint64(0); i < n; i++ {
		s := int16(uint16(pcm[2*i]) | uint16(pcm[2*i+1])<<8)
		b.slots[(w+i)%b.size].Store(int32(s))
	}
	b.w.Store(w + n)
	b.wake()
}

// reserve makes room so that end-r <= size, discarding the oldest samples.
func (b *Buffer) reserve(end uint64) {
	for {
		r := b.r.Load()
		if end-r <= b.size {
			return
		}
		next := end - b.size
		if b.r.CompareAndSwap(r, next) {
			b.dropped.Add(next - r)
			b.overruns.Add(1)
			return
		}
	}
}

func (b *Buffer) wake() {
	select {
	case b.notify <- struct{}{}:
	default:
	}
}

// Read fills dst, blocking until len(dst) samples are available. It returns
// the number of samples copied and how many samples were dropped by
// overruns since the previous Read. After Close, Read returns the remaining
// samples (possibly zero) together with ErrClosed.
//
// Read must only be called from a single goroutine.
func (b *Buffer) Read(dst []int16) (n int, dropped int, err error) {
	want := uint64(len(dst))
	for {
		r := b.r.Load()
		avail := b.w.Load() - r

		closed := false
		if avail < want {
			select {
			case <-b.done:
				closed = true
			default:
			}
			if !closed {
				select {
				case <-b.notify:
				case <-b.done:
				}
				continue
			}
		}

		take := min(avail, want)
		for i := uint64(0); i < take; i++ {
			dst[i] = int16(b.slots[(r+i)%b.size].Load())
		}
		if !b.r.CompareAndSwap(r, r+take) {
			// The producer overwrote part of what we copied.
			continue
		}

		total := b.dropped.Load()
		dropped = int(total - b.seenDropped)
		b.seenDropped = total

		if closed && take < want {
			return int(take), dropped, ErrClosed
		}
		return int(take), dropped, nil
	}
}

// Close wakes a blocked Read. Safe to call more than once.
func (b *Buffer) Close() {
	b.closeOnce.Do(func() { close(b.done) })
}

// Closed reports whether Close has been called.
func (b *Buffer) Closed() bool {
	select {
	case <-b.done:
		return true
	default:
		return false
	}
}
