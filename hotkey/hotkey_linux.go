//go:build linux

package hotkey

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"voxkey/config"
)

const (
	evKey      = 1
	keyPress   = 1
	keyRelease = 0
)

const inputEventSize = 24

type modMask uint8

const (
	modCtrl modMask = 1 << iota
	modShift
	modAlt
	modSuper
)

var modNames = map[string]modMask{
	"ctrl":  modCtrl,
	"shift": modShift,
	"alt":   modAlt,
	"super": modSuper,
}

var modCodes = map[uint16]modMask{
	29: modCtrl, 97: modCtrl,
	42: modShift, 54: modShift,
	56: modAlt, 100: modAlt,
	125: modSuper, 126: modSuper,
}

var keyCodes = func() map[string]uint16 {
	m := map[string]uint16{
		"space": 57, "enter": 28, "tab": 15, "esc": 1, "backspace": 14,
		"f1": 59, "f2": 60, "f3": 61, "f4": 62, "f5": 63, "f6": 64,
		"f7": 65, "f8": 66, "f9": 67, "f10": 68, "f11": 87, "f12": 88,
	}
	letters := [26]uint16{
		30, 48, 46, 32, 18, 33, 34, 35, 23, 36,
		37, 38, 50, 49, 24, 25, 16, 19, 31, 20,
		22, 47, 17, 45, 21, 44,
	}
	for i, c := range letters {
		m[string(rune('a'+i))] = c
	}
	digits := [10]uint16{11, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	for i, c := range digits {
		m[string(rune('0'+i))] = c
	}
	return m
}()

// matcher tracks modifier state for one keyboard and reports edges of the
// configured combination.
type matcher struct {
	want modMask
	key  uint16
	held modMask
	down bool
}

func newMatcher(hk config.Hotkey) (*matcher, error) {
	key, ok := keyCodes[strings.ToLower(hk.Key)]
	if !ok {
		return nil, unknownKey(hk.Key)
	}
	m := &matcher{key: key}
	for _, name := range hk.Modifiers {
		bit, ok := modNames[strings.ToLower(name)]
		if !ok {
			return nil, fmt.Errorf("hotkey: unsupported modifier %q", name)
		}
		m.want |= bit
	}
	return m, nil
}

func (m *matcher) feed(code uint16, value int32) (down, up bool) {
	if bit, ok := modCodes[code]; ok {
		switch value {
		case keyPress:
			m.held |= bit
		case keyRelease:
			m.held &^= bit
		}
		return false, false
	}
	if code != m.key {
		return false, false
	}
	switch {
	case value == keyPress && !m.down && m.held&m.want == m.want:
		m.down = true
		return true, false
	case value == keyRelease && m.down:
		m.down = false
		return false, true
	}
	return false, false
}

type linuxHotkey struct {
	binding config.Hotkey
	keydown chan struct{}
	keyup   chan struct{}
	files   []*os.File
	stop    chan struct{}
	once    sync.Once
}

func New(hk config.Hotkey) (Hotkey, error) {
	if _, err := newMatcher(hk); err != nil {
		return nil, err
	}
	return &linuxHotkey{
		binding: hk,
		keydown: make(chan struct{}, 1),
		keyup:   make(chan struct{}, 1),
	}, nil
}

func (h *linuxHotkey) Register() error {
	keyboards, err := findKeyboards()
	if err != nil {
		return fmt.Errorf("finding keyboards: %w", err)
	}
	if len(keyboards) == 0 {
		return fmt.Errorf("no keyboard devices found (is user in 'input' group?)")
	}

	h.stop = make(chan struct{})

	for _, path := range keyboards {
		f, err := os.Open(path)
		if err != nil {
			continue
		}
		h.files = append(h.files, f)
		m, _ := newMatcher(h.binding)
		go h.readEvents(f, m)
	}

	if len(h.files) == 0 {
		return fmt.Errorf("could not open any keyboard device (run: sudo usermod -aG input $USER, then re-login)")
	}

	return nil
}

func (h *linuxHotkey) readEvents(f *os.File, m *matcher) {
	buf := make([]byte, inputEventSize*16)

	for {
		select {
		case <-h.stop:
			return
		default:
		}

		n, err := f.Read(buf)
		if err != nil {
			return
		}

		for i := 0; i+inputEventSize <= n; i += inputEventSize {
			evType := binary.LittleEndian.Uint16(buf[i+16:])
			evCode := binary.LittleEndian.Uint16(buf[i+18:])
			evValue := int32(binary.LittleEndian.Uint32(buf[i+20:]))

			if evType != evKey {
				continue
			}

			down, up := m.feed(evCode, evValue)
			if down {
				select {
				case h.keydown <- struct{}{}:
				default:
				}
			}
			if up {
				select {
				case h.keyup <- struct{}{}:
				default:
				}
			}
		}
	}
}

func (h *linuxHotkey) Unregister() {
	h.once.Do(func() {
		if h.stop != nil {
			close(h.stop)
		}
		for _, f := range h.files {
			f.Close()
		}
	})
}

func (h *linuxHotkey) Keydown() <-chan struct{} {
	return h.keydown
}

func (h *linuxHotkey) Keyup() <-chan struct{} {
	return h.keyup
}

func findKeyboards() ([]string, error) {
	entries, err := os.ReadDir("/dev/input")
	if err != nil {
		return nil, err
	}

	var keyboards []string
	for _, e := range entries {
		if !strings.HasPrefix(e.Name(), "event") {
			continue
		}
		path := filepath.Join("/dev/input", e.Name())
		if isKeyboard(e.Name()) {
			keyboards = append(keyboards, path)
		}
	}
	return keyboards, nil
}

func isKeyboard(eventName string) bool {
	capsPath := filepath.Join("/sys/class/input", eventName, "device", "capabilities", "key")
	data, err := os.ReadFile(capsPath)
	if err != nil {
		return false
	}
	caps := strings.TrimSpace(string(data))
	return len(caps) > 10
}

func Diagnose() (string, error) {
	keyboards, err := findKeyboards()
	if err != nil {
		return "", fmt.Errorf("cannot scan input devices: %w", err)
	}
	if len(keyboards) == 0 {
		return "", fmt.Errorf("no keyboard devices found (is user in 'input' group?)")
	}

	var opened string
	for _, path := range keyboards {
		f, err := os.Open(path)
		if err == nil {
			f.Close()
			opened = path
			break
		}
	}
	if opened == "" {
		return "", fmt.Errorf("found %d keyboard(s) but cannot open any (run: sudo usermod -aG input $USER)", len(keyboards))
	}

	return fmt.Sprintf("%d keyboard(s) found, opened %s", len(keyboards), opened), nil
}
