package audio

import (
	"errors"
	"fmt"
)

var ErrNoDevice = errors.New("no matching input device")

// DeviceError is returned when a capture device cannot be found, opened or
// started, and is delivered on Running.Err when the device callback faults.
type DeviceError struct {
	Op     string
	Device string
	Err    error
}

func (e *DeviceError) Error() string {
	dev := e.Device
	if dev == "" {
		dev = "system default"
	}
	return fmt.Sprintf("audio %s %s: %v", e.Op, dev, e.Err)
}

func (e *DeviceError) Unwrap() error { return e.Err }

// OverrunWarning describes samples the ring buffer dropped because the
// chunker fell behind the device. The session keeps running.
type OverrunWarning struct {
	Seq     uint64 // first chunk after the gap
	Samples int
	Total   uint64 // overruns so far in this session
}

func (w OverrunWarning) Error() string {
	return fmt.Sprintf("audio overrun before chunk %d: %d samples dropped (%d total)", w.Seq, w.Samples, w.Total)
}
