package controller

import (
	"context"

	"voxkey/audio"
	"voxkey/config"
	"voxkey/keyboard"
	"voxkey/transcriber"
)

// Recording is a running capture; *audio.Running implements it.
type Recording interface {
	Chunks() <-chan audio.Chunk
	Err() <-chan error
	Overruns() uint64
	DeviceName() string
	Stop() audio.Stats
}

type Capture interface {
	Start(cfg config.Audio) (Recording, error)
}

// Session is a live transcription stream; *transcriber.StreamSession
// implements it.
type Session interface {
	ID() string
	Send(c audio.Chunk) error
	Events() <-chan transcriber.Event
	Faults() <-chan error
	Reconnect(ctx context.Context) error
	Close(ctx context.Context) error
	Abort()
	Stats() transcriber.Stats
}

type Dialer interface {
	Open(ctx context.Context, snap config.Snapshot) (Session, error)
}

// ChunkTap receives a copy of every chunk of a session, off the send path.
type ChunkTap interface {
	Write(c audio.Chunk) error
	Close() error
}

type Deps struct {
	Capture Capture
	Dialer  Dialer
	// Typer returns the output for a session given ui.output_mode.
	Typer  func(mode string) (keyboard.Typer, error)
	Config config.Snapshot

	// Optional inputs. A nil channel is never selected.
	Toggles <-chan struct{}
	Configs <-chan config.Snapshot

	Observers []StatusObserver
	// Tap, when set, opens a debug tap per session.
	Tap func(sessionID string, snap config.Snapshot) (ChunkTap, error)
	// OnConfig is called from the controller loop whenever a snapshot is
	// installed.
	OnConfig func(config.Snapshot)
}

type engineCapture struct{ e *audio.Engine }

func EngineCapture(e *audio.Engine) Capture { return engineCapture{e} }

func (c engineCapture) Start(cfg config.Audio) (Recording, error) {
	r, err := c.e.Start(cfg)
	if err != nil {
		return nil, err
	}
	return r, nil
}

type streamDialer struct{ t transcriber.Transport }

func StreamDialer(t transcriber.Transport) Dialer { return streamDialer{t} }

func (d streamDialer) Open(ctx context.Context, snap config.Snapshot) (Session, error) {
	s, err := transcriber.Open(ctx, d.t, transcriber.ConfigFrom(snap))
	if err != nil {
		return nil, err
	}
	return s, nil
}
