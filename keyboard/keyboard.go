// Package keyboard emits recognized text into the focused application,
// either as synthesized keystrokes or through the clipboard.
package keyboard

import (
	"fmt"

	cb "github.com/atotto/clipboard"

	"voxkey/log"
)

const (
	ModeType  = "type"
	ModePaste = "paste"
)

// Typer emits text at the current cursor position.
type Typer interface {
	Type(text string) error
}

// New returns the Typer for mode and initializes the underlying input
// device so the first Type call is not delayed.
func New(mode string) (Typer, error) {
	switch mode {
	case ModeType, "":
		if err := initKeys(); err != nil {
			return nil, fmt.Errorf("keyboard: %w", err)
		}
		return keys{}, nil
	case ModePaste:
		if err := initPaste(); err != nil {
			return nil, fmt.Errorf("keyboard: %w", err)
		}
		return paster{}, nil
	default:
		return nil, fmt.Errorf("keyboard: unknown output mode %q", mode)
	}
}

type keys struct{}

// Type sends text as key taps. Text containing characters the keymap cannot
// produce goes through the clipboard instead of being typed partially.
func (keys) Type(text string) error {
	if !typeable(text) {
		log.Debugf("keyboard: %d chars not typeable, pasting", len(text))
		return paster{}.Type(text)
	}
	return typeKeys(text)
}

type paster struct{}

func (paster) Type(text string) error {
	if err := cb.WriteAll(text); err != nil {
		return fmt.Errorf("clipboard: %w", err)
	}
	return sendPaste()
}

// ReadClipboard returns the current clipboard text.
func ReadClipboard() (string, error) {
	return cb.ReadAll()
}

// Copy puts text on the clipboard without pasting it.
func Copy(text string) error {
	if err := cb.WriteAll(text); err != nil {
		return fmt.Errorf("clipboard: %w", err)
	}
	return nil
}
