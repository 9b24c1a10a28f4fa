// Package transcriber streams PCM chunks to a live speech-recognition
// service and turns its responses into ordered transcript events.
package transcriber

import (
	"context"
	"errors"
	"fmt"
	"time"

	"voxkey/config"
)

var ErrSessionClosed = errors.New("transcription session closed")

// TransportError reports a failed dial, send or receive on the service
// connection. A session that hits one can be recovered with Reconnect.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transcriber %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

type EventKind int

const (
	Interim EventKind = iota
	Final
)

func (k EventKind) String() string {
	if k == Final {
		return "final"
	}
	return "interim"
}

// Event is one transcript result. Start and End are relative to the first
// audio sent in the session, across reconnects. Finals with the same
// Utterance index as an earlier Final are revisions of it.
type Event struct {
	Kind           EventKind
	Text           string
	Start          time.Duration
	End            time.Duration
	Utterance      int
	EndOfUtterance bool
	Confidence     float64
}

// Message is a decoded service message, independent of the wire format.
type Message struct {
	Type         string // Results, Metadata, UtteranceEnd, SpeechStarted
	Transcript   string
	Confidence   float64
	Start        float64 // seconds since the connection's first audio
	Duration     float64
	IsFinal      bool
	SpeechFinal  bool
	FromFinalize bool
	RequestID    string
}

func (m Message) final() bool {
	return m.IsFinal || m.SpeechFinal || m.FromFinalize
}

// Conn is one live connection to the service.
type Conn interface {
	Send(pcm []byte) error
	// Finalize asks the service to flush results for all audio sent so far.
	Finalize() error
	// CloseStream tells the service no more audio follows.
	CloseStream() error
	Recv() (Message, error)
	Close() error
}

type Transport interface {
	Dial(ctx context.Context, cfg Config) (Conn, error)
}

type Config struct {
	APIKey          string
	Endpoint        string
	Model           string
	Language        string
	SampleRate      int
	Channels        int
	Punctuate       bool
	SmartFormat     bool
	InterimResults  bool
	EndpointingMS   int
	FinalizeTimeout time.Duration
}

func ConfigFrom(s config.Snapshot) Config {
	return Config{
		APIKey:          s.DeepgramAPIKey,
		Endpoint:        s.Transcription.Endpoint,
		Model:           s.Transcription.Model,
		Language:        s.Transcription.Language,
		SampleRate:      s.Audio.SampleRate,
		Channels:        s.Audio.Channels,
		Punctuate:       s.Transcription.Punctuate,
		SmartFormat:     s.Transcription.SmartFormat,
		InterimResults:  s.Transcription.InterimResults,
		EndpointingMS:   s.Transcription.EndpointingMS,
		FinalizeTimeout: s.Transcription.FinalizeTimeout(),
	}
}
