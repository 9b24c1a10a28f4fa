// Package beep plays short audible cues when recording starts, ends or
// fails.
package beep

import (
	"math"
	"sync"

	"voxkey/controller"
)

const sampleRate = 44100

type Sound int

const (
	Start Sound = iota
	End
	Error
)

type tone struct {
	freq     float64
	duration float64
	volume   float64
	decay    float64
	double   bool
}

var tones = map[Sound]tone{
	Start: {freq: 1200, duration: 0.2, volume: 0.5, decay: 60},
	End:   {freq: 900, duration: 0.2, volume: 0.5, decay: 40},
	Error: {freq: 350, duration: 0.08, volume: 0.6, decay: 30, double: true},
}

const doubleGap = 0.05

// render generates mono 16-bit samples for s.
func render(s Sound) []int16 {
	t := tones[s]
	tick := generateTick(t.freq, t.duration, t.volume, t.decay)
	if !t.double {
		return tick
	}
	out := make([]int16, 0, len(tick)*2+int(sampleRate*doubleGap))
	out = append(out, tick...)
	out = append(out, make([]int16, int(sampleRate*doubleGap))...)
	return append(out, tick...)
}

func generateTick(freq, duration, volume, decay float64) []int16 {
	n := int(sampleRate * duration)
	samples := make([]int16, n)
	for i := range samples {
		t := float64(i) / sampleRate
		envelope := math.Exp(-t * decay)
		samples[i] = int16(math.Sin(2*math.Pi*freq*t) * 32767 * volume * envelope)
	}
	return samples
}

// Player plays a cue without blocking the caller.
type Player interface {
	Play(s Sound)
}

var (
	cache   = map[Sound][]int16{}
	cacheMu sync.Mutex
)

func samples(s Sound) []int16 {
	cacheMu.Lock()
	defer cacheMu.Unlock()
	if c, ok := cache[s]; ok {
		return c
	}
	c := render(s)
	cache[s] = c
	return c
}

// Cues maps controller status changes to sounds: a tick when recording
// starts, a lower tick when it ends and a double beep on a new error.
type Cues struct {
	p       Player
	prev    controller.State
	lastErr string
}

func NewCues(p Player) *Cues { return &Cues{p: p} }

func (c *Cues) OnStatus(st controller.Status) {
	switch {
	case st.State == controller.Active && c.prev != controller.Active:
		c.p.Play(Start)
	case st.State == controller.Idle && (c.prev == controller.Active || c.prev == controller.Stopping):
		c.p.Play(End)
	}
	if st.LastError != "" && st.LastError != c.lastErr {
		c.p.Play(Error)
	}
	c.prev, c.lastErr = st.State, st.LastError
}
