//go:build darwin

package beep

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gen2brain/malgo"
)

// malgoPlayer keeps one playback device open and swaps the buffer it
// drains from the data callback.
type malgoPlayer struct {
	ctx    *malgo.AllocatedContext
	mu     sync.Mutex
	device *malgo.Device

	buf atomic.Pointer[[]byte]
	pos atomic.Uint32
}

func NewPlayer() (Player, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("beep: %w", err)
	}
	p := &malgoPlayer{ctx: ctx}
	if err := p.initDevice(); err != nil {
		ctx.Uninit()
		return nil, fmt.Errorf("beep: %w", err)
	}
	return p, nil
}

func (p *malgoPlayer) initDevice() error {
	cfg := malgo.DefaultDeviceConfig(malgo.Playback)
	cfg.Playback.Format = malgo.FormatS16
	cfg.Playback.Channels = 1
	cfg.SampleRate = sampleRate
	dev, err := malgo.InitDevice(p.ctx.Context, cfg, malgo.DeviceCallbacks{Data: p.data})
	if err != nil {
		return err
	}
	p.device = dev
	return nil
}

func (p *malgoPlayer) data(out, _ []byte, frames uint32) {
	clear(out)
	b := p.buf.Load()
	if b == nil {
		return
	}
	pos := p.pos.Load()
	n := min(frames*2, uint32(len(*b))-pos)
	copy(out[:n], (*b)[pos:pos+n])
	p.pos.Store(pos + n)
}

func (p *malgoPlayer) Play(s Sound) {
	pcm := samples(s)
	b := make([]byte, len(pcm)*2)
	for i, v := range pcm {
		binary.LittleEndian.PutUint16(b[i*2:], uint16(v))
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.device.Stop()
	p.pos.Store(0)
	p.buf.Store(&b)
	if err := p.device.Start(); err != nil {
		// Recreate the device; it can go stale across sleep/wake.
		p.device.Uninit()
		if err := p.initDevice(); err != nil {
			p.buf.Store(nil)
			return
		}
		if err := p.device.Start(); err != nil {
			p.buf.Store(nil)
		}
	}
}
