//go:build !linux

package main

import (
	"runtime"

	"golang.design/x/hotkey/mainthread"
)

func init() {
	runtime.LockOSThread()
}

// Hotkey registration and the tray need the main thread on macOS and
// Windows; run starts on a goroutine and calls into it through mainthread.
func main() {
	mainthread.Init(run)
}
