// Package debugcap records the audio of each dictation session to a FLAC
// file so the exact stream sent for transcription can be replayed.
package debugcap

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/mewkiz/flac"
	"github.com/mewkiz/flac/frame"
	"github.com/mewkiz/flac/meta"

	"voxkey/audio"
	"voxkey/config"
)

const bitsPerSample = 16

// Writer encodes chunks into a FLAC file, one frame per chunk.
type Writer struct {
	path     string
	channels int
	rate     int

	mu      sync.Mutex
	f       *os.File
	enc     *flac.Encoder
	samples uint64
	lastSeq uint64
	gaps    int
	closed  bool
}

// Create opens <dir>/<timestamp>_<session>.flac for the given audio format.
func Create(dir, session string, a config.Audio) (*Writer, error) {
	if a.Channels < 1 || a.Channels > 2 {
		return nil, fmt.Errorf("debug capture: unsupported channel count %d", a.Channels)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("debug capture dir: %w", err)
	}
	name := time.Now().Format("20060102-150405") + "_" + session + ".flac"
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("debug capture: %w", err)
	}
	block := uint16(max(a.ChunkSamples()/a.Channels, 16))
	info := &meta.StreamInfo{
		BlockSizeMin:  block,
		BlockSizeMax:  block,
		SampleRate:    uint32(a.SampleRate),
		NChannels:     uint8(a.Channels),
		BitsPerSample: bitsPerSample,
	}
	enc, err := flac.NewEncoder(f, info)
	if err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("creating flac encoder: %w", err)
	}
	enc.EnablePredictionAnalysis(true)
	return &Writer{path: path, channels: a.Channels, rate: a.SampleRate, f: f, enc: enc}, nil
}

func (w *Writer) Path() string { return w.path }

// Write appends one chunk. Chunks must be 16-bit little-endian PCM in the
// format the writer was created with.
func (w *Writer) Write(c audio.Chunk) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return os.ErrClosed
	}
	if w.samples > 0 && c.Seq != w.lastSeq+1 {
		w.gaps++
	}
	w.lastSeq = c.Seq

	n := len(c.PCM) / 2 / w.channels
	if n == 0 {
		return nil
	}
	subs := make([]*frame.Subframe, w.channels)
	for ch := range subs {
		s := make([]int32, n)
		for i := range n {
			off := (i*w.channels + ch) * 2
			s[i] = int32(int16(binary.LittleEndian.Uint16(c.PCM[off:])))
		}
		subs[ch] = &frame.Subframe{
			SubHeader: frame.SubHeader{Pred: frame.PredVerbatim},
			Samples:   s,
			NSamples:  n,
		}
	}
	layout := frame.ChannelsMono
	if w.channels == 2 {
		layout = frame.ChannelsLR
	}
	f := &frame.Frame{
		Header: frame.Header{
			BlockSize:     uint16(n),
			SampleRate:    uint32(w.rate),
			Channels:      layout,
			BitsPerSample: bitsPerSample,
		},
		Subframes: subs,
	}
	if err := w.enc.WriteFrame(f); err != nil {
		return fmt.Errorf("writing flac frame: %w", err)
	}
	w.samples += uint64(n)
	return nil
}

// Samples is the number of samples per channel written so far.
func (w *Writer) Samples() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.samples
}

// Gaps counts chunks whose sequence number did not follow the previous one.
func (w *Writer) Gaps() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.gaps
}

// Close finalizes the stream header and closes the file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	// The encoder rewrites StreamInfo through the seeker and closes the file.
	err := w.enc.Close()
	if cerr := w.f.Close(); err == nil && cerr != nil && !errors.Is(cerr, os.ErrClosed) {
		err = cerr
	}
	return err
}

// Read decodes a capture file back into interleaved samples.
func Read(path string) (samples []int16, rate, channels int, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, 0, err
	}
	defer f.Close()
	stream, err := flac.New(bufio.NewReader(f))
	if err != nil {
		return nil, 0, 0, fmt.Errorf("parsing flac: %w", err)
	}
	rate, channels = int(stream.Info.SampleRate), int(stream.Info.NChannels)
	for {
		fr, err := stream.ParseNext()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, 0, 0, fmt.Errorf("parsing flac frame: %w", err)
		}
		for i := range int(fr.BlockSize) {
			for _, sub := range fr.Subframes {
				samples = append(samples, int16(sub.Samples[i]))
			}
		}
	}
	return samples, rate, channels, nil
}
