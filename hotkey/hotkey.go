// Package hotkey delivers global key-combination presses.
package hotkey

import (
	"context"
	"fmt"
	"strings"

	"voxkey/config"
)

type Hotkey interface {
	Register() error
	Unregister()
	Keydown() <-chan struct{}
	Keyup() <-chan struct{}
}

// Describe renders a binding as "Ctrl+Shift+Space".
func Describe(hk config.Hotkey) string {
	parts := make([]string, 0, len(hk.Modifiers)+1)
	for _, m := range hk.Modifiers {
		parts = append(parts, titled(m))
	}
	parts = append(parts, titled(hk.Key))
	return strings.Join(parts, "+")
}

func titled(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func unknownKey(key string) error {
	return fmt.Errorf("hotkey: unsupported key %q", key)
}

// Toggles turns key-down edges into toggle requests. Key-up edges are
// drained and ignored. Presses the reader has not consumed yet are counted
// and delivered in turn, so a quick double tap yields two toggles.
func Toggles(ctx context.Context, hk Hotkey) <-chan struct{} {
	out := make(chan struct{})
	go func() {
		pending := 0
		for {
			var send chan<- struct{}
			if pending > 0 {
				send = out
			}
			select {
			case <-ctx.Done():
				return
			case <-hk.Keydown():
				pending++
			case <-hk.Keyup():
			case send <- struct{}{}:
				pending--
			}
		}
	}()
	return out
}
