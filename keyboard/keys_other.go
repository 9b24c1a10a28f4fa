//go:build !linux

package keyboard

import (
	"sync"

	"github.com/micmonay/keybd_event"
)

var (
	kb     keybd_event.KeyBonding
	kbOnce sync.Once
	kbErr  error
)

func initPaste() error {
	kbOnce.Do(func() {
		kb, kbErr = keybd_event.NewKeyBonding()
	})
	return kbErr
}

func initKeys() error { return initPaste() }

// Without a per-character keymap every text goes through the clipboard.
func typeable(string) bool { return false }

func typeKeys(text string) error { return paster{}.Type(text) }

func sendPaste() error {
	if err := initPaste(); err != nil {
		return err
	}
	kb.Clear()
	kb.SetKeys(keybd_event.VK_V)
	setPasteModifier(&kb)
	return kb.Launching()
}
