// Package tray shows the recording state in the system tray and offers
// start/stop, device selection and quit.
package tray

import (
	"sync"
	"time"

	"voxkey/controller"
)

// errorDisplay is how long a failure stays in the tooltip.
const errorDisplay = 10 * time.Second

type Actions struct {
	Toggle       func()
	CopyLast     func(text string)
	SelectDevice func(name string)
	Quit         func()
}

type view struct {
	Icon        icon
	Tooltip     string
	RecordTitle string
	CopyEnabled bool
	Devices     bool
}

type Tray struct {
	hotkey  string
	actions Actions
	now     func() time.Time

	mu         sync.Mutex
	st         controller.Status
	lastErr    string
	errUntil   time.Time
	errTimer   *time.Timer
	devices    []string
	selected   string
	render     func(view)
	setDevices func([]string, string)
}

// New creates a tray for the given hotkey description, e.g. "Ctrl+Shift+Space".
func New(hotkey string, a Actions) *Tray {
	return &Tray{hotkey: hotkey, actions: a, now: time.Now}
}

func (t *Tray) OnStatus(st controller.Status) {
	t.mu.Lock()
	if st.LastError != "" && st.LastError != t.lastErr {
		t.errUntil = t.now().Add(errorDisplay)
		if t.errTimer != nil {
			t.errTimer.Stop()
		}
		t.errTimer = time.AfterFunc(errorDisplay, t.refresh)
	}
	t.lastErr = st.LastError
	t.st = st
	v, render := t.viewLocked(), t.render
	t.mu.Unlock()
	if render != nil {
		render(v)
	}
}

func (t *Tray) refresh() {
	t.mu.Lock()
	v, render := t.viewLocked(), t.render
	t.mu.Unlock()
	if render != nil {
		render(v)
	}
}

// SetDevices replaces the device menu. The selected device is checked.
func (t *Tray) SetDevices(names []string, selected string) {
	t.mu.Lock()
	t.devices = append([]string(nil), names...)
	t.selected = selected
	set := t.setDevices
	t.mu.Unlock()
	if set != nil {
		set(names, selected)
	}
}

func (t *Tray) viewLocked() view {
	st := t.st
	v := view{
		Icon:        iconIdle,
		Tooltip:     "voxkey – " + t.hotkey + " to dictate",
		RecordTitle: "Start Recording",
		CopyEnabled: st.LastText != "",
		Devices:     st.State == controller.Idle,
	}
	switch st.State {
	case controller.Starting:
		v.Icon = iconBusy
		v.Tooltip = "voxkey – connecting"
		v.RecordTitle = "Stop Recording"
	case controller.Active:
		v.Icon = iconRecording
		v.Tooltip = "voxkey – listening"
		v.RecordTitle = "Stop Recording"
		if st.Reconnecting {
			v.Icon = iconWarning
			v.Tooltip = "voxkey – reconnecting"
		}
	case controller.Stopping:
		v.Icon = iconBusy
		v.Tooltip = "voxkey – finishing"
	}
	if t.lastErr != "" && t.now().Before(t.errUntil) {
		v.Tooltip = "voxkey – " + t.lastErr
		if st.State == controller.Idle {
			v.Icon = iconWarning
		}
	}
	return v
}
