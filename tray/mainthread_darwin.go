//go:build darwin

package tray

import "golang.design/x/hotkey/mainthread"

func runOnMain(f func()) { mainthread.Call(f) }
