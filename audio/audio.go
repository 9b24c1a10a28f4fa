// Package audio captures microphone input and cuts it into fixed-duration
// PCM16 chunks.
//
// A Context enumerates input devices and opens CaptureDevices. The Engine
// wires a device callback into a lock-free ring buffer and runs a chunker
// goroutine that turns the buffered samples into Chunks.
package audio

import (
	"fmt"
	"strings"
)

const WAVHeaderSize = 44

var btKeywords = []string{
	"airpods", "beats", "bose", "wh-1000", "wf-1000",
	"sony wh-", "sony wf-",
	"jabra", "galaxy buds", "pixel buds", "powerbeats",
	"jbl ", "sennheiser momentum", "plantronics",
	"tozo", "anker soundcore", "skullcandy",
	"bluetooth", " bt ", " bt)", " bt]",
}

// IsBluetooth guesses from the device name whether it is a Bluetooth headset,
// which usually means a narrowband microphone.
func IsBluetooth(name string) bool {
	lower := strings.ToLower(name)
	for _, kw := range btKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// DataCallback receives interleaved PCM16LE frames from the device thread.
// data is only valid for the duration of the call.
type DataCallback func(data []byte, frameCount uint32)

type CaptureConfig struct {
	SampleRate   uint32
	Channels     uint32
	BufferFrames uint32 // device period; 0 lets the backend choose
}

type DeviceInfo struct {
	ID   string // opaque platform-specific identifier
	Name string
}

type Context interface {
	Devices() ([]DeviceInfo, error)
	NewCapture(device *DeviceInfo, config CaptureConfig) (CaptureDevice, error)
	Close()
}

type CaptureDevice interface {
	Start() error
	Stop()
	Close()
	SetCallback(cb DataCallback)
	ClearCallback()
	DeviceName() string
}

// FindDevice resolves a configured device name. An empty name selects the
// system default and returns nil. Exact matches win over case-insensitive
// substring matches.
func FindDevice(ctx Context, name string) (*DeviceInfo, error) {
	if name == "" {
		return nil, nil
	}
	devices, err := ctx.Devices()
	if err != nil {
		return nil, &DeviceError{Op: "enumerate", Device: name, Err: err}
	}
	for i := range devices {
		if devices[i].Name == name {
			return &devices[i], nil
		}
	}
	lower := strings.ToLower(name)
	for i := range devices {
		if strings.Contains(strings.ToLower(devices[i].Name), lower) {
			return &devices[i], nil
		}
	}
	return nil, &DeviceError{Op: "find", Device: name, Err: ErrNoDevice}
}

func describe(dev *DeviceInfo) string {
	if dev == nil {
		return "system default"
	}
	return fmt.Sprintf("%q", dev.Name)
}
