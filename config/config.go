// Package config loads, validates and watches the voxkey TOML configuration.
//
// A Snapshot is an immutable value. Callers receive a fresh copy on every
// reload and decide themselves when to install it.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"

	"voxkey/log"
)

// ErrCreated is returned by Load when the config file did not exist and a
// default one was written in its place.
var ErrCreated = errors.New("default config created")

const APIKeyEnv = "DEEPGRAM_API_KEY"

type Snapshot struct {
	DeepgramAPIKey string        `toml:"deepgram_api_key" validate:"required"`
	Hotkey         Hotkey        `toml:"hotkey"`
	Audio          Audio         `toml:"audio"`
	Transcription  Transcription `toml:"transcription"`
	UI             UI            `toml:"ui"`
}

type Hotkey struct {
	Modifiers []string `toml:"modifiers" validate:"dive,oneof=ctrl shift alt super"`
	Key       string   `toml:"key" validate:"required"`
}

type Audio struct {
	// Device is matched against device names; empty means system default.
	Device     string  `toml:"device"`
	SampleRate int     `toml:"sample_rate" validate:"oneof=8000 16000 22050 24000 32000 44100 48000"`
	Channels   int     `toml:"channels" validate:"min=1,max=2"`
	BufferSize int     `toml:"buffer_size" validate:"min=64,max=16384"`
	ChunkMS    int     `toml:"chunk_ms" validate:"min=10,max=1000"`
	RingChunks int     `toml:"ring_chunks" validate:"min=2,max=64"`
	Gain       float64 `toml:"gain" validate:"gt=0,lte=32"`
}

type Transcription struct {
	Model             string `toml:"model" validate:"required"`
	Language          string `toml:"language"`
	Punctuate         bool   `toml:"punctuate"`
	SmartFormat       bool   `toml:"smart_format"`
	InterimResults    bool   `toml:"interim_results"`
	EndpointingMS     int    `toml:"endpointing_ms" validate:"min=0,max=10000"`
	FinalizeTimeoutMS int    `toml:"finalize_timeout_ms" validate:"min=50,max=10000"`
	CloseTimeoutMS    int    `toml:"close_timeout_ms" validate:"min=100,max=30000,gtefield=FinalizeTimeoutMS"`
	Endpoint          string `toml:"endpoint" validate:"omitempty,url"`
}

type UI struct {
	ShowTrayIcon bool   `toml:"show_tray_icon"`
	Sounds       bool   `toml:"sounds"`
	OutputMode   string `toml:"output_mode" validate:"oneof=type paste"`
	Separator    string `toml:"separator"`
	MetricsAddr  string `toml:"metrics_addr" validate:"omitempty,hostname_port"`
}

func Default() Snapshot {
	return Snapshot{
		Hotkey: Hotkey{
			Modifiers: []string{"ctrl", "shift"},
			Key:       "space",
		},
		Audio: Audio{
			SampleRate: 16000,
			Channels:   1,
			BufferSize: 1024,
			ChunkMS:    100,
			RingChunks: 8,
			Gain:       1,
		},
		Transcription: Transcription{
			Model:             "nova-3",
			Language:          "en",
			Punctuate:         true,
			SmartFormat:       true,
			InterimResults:    true,
			EndpointingMS:     300,
			FinalizeTimeoutMS: 1000,
			CloseTimeoutMS:    3000,
		},
		UI: UI{
			ShowTrayIcon: true,
			Sounds:       true,
			OutputMode:   "type",
			Separator:    " ",
		},
	}
}

// ChunkSamples is the number of interleaved samples in one chunk.
func (a Audio) ChunkSamples() int {
	return a.SampleRate * a.Channels * a.ChunkMS / 1000
}

func (a Audio) ChunkDuration() time.Duration {
	return time.Duration(a.ChunkMS) * time.Millisecond
}

// RingCapacity is the ring buffer size in samples, never below two chunks.
func (a Audio) RingCapacity() int {
	return a.ChunkSamples() * max(a.RingChunks, 2)
}

func (t Transcription) FinalizeTimeout() time.Duration {
	return time.Duration(t.FinalizeTimeoutMS) * time.Millisecond
}

func (t Transcription) CloseTimeout() time.Duration {
	return time.Duration(t.CloseTimeoutMS) * time.Millisecond
}

func DefaultPath() (string, error) {
	d, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("config dir: %w", err)
	}
	return filepath.Join(d, "voxkey", "config.toml"), nil
}

// Load reads and validates the file at path. A missing file is replaced by
// the defaults and ErrCreated is returned so the user can add an API key.
func Load(path string) (Snapshot, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		if err := Save(path, Default()); err != nil {
			return Snapshot{}, err
		}
		return Snapshot{}, fmt.Errorf("%w at %s, add your Deepgram API key", ErrCreated, path)
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes TOML on top of the defaults, applies the environment
// override for the API key and validates the result.
func Parse(data []byte) (Snapshot, error) {
	s := Default()
	md, err := toml.Decode(string(data), &s)
	if err != nil {
		return Snapshot{}, fmt.Errorf("parse config: %w", err)
	}
	for _, key := range md.Undecoded() {
		log.Warnf("config: unknown key %s", key)
	}
	if v := os.Getenv(APIKeyEnv); v != "" {
		s.DeepgramAPIKey = v
	}
	if err := Validate(s); err != nil {
		return Snapshot{}, err
	}
	return s, nil
}

func Save(path string, s Snapshot) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(s); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("toml"), ",", 2)[0]
			if name == "" || name == "-" {
				return fld.Name
			}
			return name
		})
	})
	return validate
}

// Validate reports every invalid field as "section.key: rule".
func Validate(s Snapshot) error {
	err := getValidator().Struct(s)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("validate config: %w", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, e := range verrs {
		// Namespace is "Snapshot.audio.sample_rate"; drop the root.
		field := e.Namespace()
		if i := strings.IndexByte(field, '.'); i >= 0 {
			field = field[i+1:]
		}
		msg := field + ": " + e.Tag()
		if e.Param() != "" {
			msg += "=" + e.Param()
		}
		msgs = append(msgs, msg)
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}
