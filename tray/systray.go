package tray

import (
	"fyne.io/systray"
)

type menu struct {
	record  *systray.MenuItem
	copy    *systray.MenuItem
	devices *systray.MenuItem
	items   []*systray.MenuItem
	names   []string
}

// Start registers the tray icon and returns a function that removes it.
// The tray's main loop is driven by the caller's platform main thread.
func (t *Tray) Start() (stop func()) {
	start, end := systray.RunWithExternalLoop(t.onReady, func() {})
	runOnMain(start)
	return end
}

func (t *Tray) onReady() {
	systray.SetTitle("")
	m := &menu{}

	m.record = systray.AddMenuItem("Start Recording", "Start or stop dictation")
	m.copy = systray.AddMenuItem("Copy Last Text", "Copy the last transcript to the clipboard")
	m.copy.Disable()
	systray.AddSeparator()
	m.devices = systray.AddMenuItem("Input Device", "Select input device")
	systray.AddSeparator()
	quit := systray.AddMenuItem("Quit", "Quit voxkey")

	go func() {
		for {
			select {
			case <-m.record.ClickedCh:
				if t.actions.Toggle != nil {
					t.actions.Toggle()
				}
			case <-m.copy.ClickedCh:
				t.mu.Lock()
				text := t.st.LastText
				t.mu.Unlock()
				if t.actions.CopyLast != nil && text != "" {
					t.actions.CopyLast(text)
				}
			case <-quit.ClickedCh:
				if t.actions.Quit != nil {
					t.actions.Quit()
				}
				return
			}
		}
	}()

	t.mu.Lock()
	t.render = func(v view) { m.apply(v) }
	t.setDevices = func(names []string, selected string) { t.fillDevices(m, names, selected) }
	names, selected := t.devices, t.selected
	v := t.viewLocked()
	t.mu.Unlock()

	t.fillDevices(m, names, selected)
	m.apply(v)
}

func (m *menu) apply(v view) {
	if v.Icon == iconIdle {
		systray.SetTemplateIcon(iconIdleHi, iconIdleLo)
	} else {
		systray.SetIcon(v.Icon.bytes())
	}
	systray.SetTooltip(v.Tooltip)
	m.record.SetTitle(v.RecordTitle)
	if v.CopyEnabled {
		m.copy.Enable()
	} else {
		m.copy.Disable()
	}
	if v.Devices {
		m.devices.Enable()
	} else {
		m.devices.Disable()
	}
}

// fillDevices reuses existing submenu items and adds more as needed;
// systray cannot remove items, so surplus ones are hidden.
func (t *Tray) fillDevices(m *menu, names []string, selected string) {
	t.mu.Lock()
	m.names = names
	t.mu.Unlock()
	for i, item := range m.items {
		if i >= len(names) {
			item.Hide()
			item.Uncheck()
			continue
		}
		item.SetTitle(names[i])
		item.Show()
		if names[i] == selected {
			item.Check()
		} else {
			item.Uncheck()
		}
	}
	for i := len(m.items); i < len(names); i++ {
		item := m.devices.AddSubMenuItemCheckbox(names[i], names[i], names[i] == selected)
		m.items = append(m.items, item)
		go t.watchDevice(m, item, i)
	}
}

func (t *Tray) watchDevice(m *menu, item *systray.MenuItem, idx int) {
	for range item.ClickedCh {
		t.mu.Lock()
		var name string
		if idx < len(m.names) {
			name = m.names[idx]
		}
		t.selected = name
		t.mu.Unlock()
		if name == "" {
			continue
		}
		for j, it := range m.items {
			if j == idx {
				it.Check()
			} else {
				it.Uncheck()
			}
		}
		if t.actions.SelectDevice != nil {
			t.actions.SelectDevice(name)
		}
	}
}
