package tray

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"voxkey/controller"
)

func newTestTray() (*Tray, *time.Time, *[]view) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	var rendered []view
	t := New("Ctrl+Shift+Space", Actions{})
	t.now = func() time.Time { return now }
	t.render = func(v view) { rendered = append(rendered, v) }
	return t, &now, &rendered
}

func TestViewFollowsState(t *testing.T) {
	tr, _, rendered := newTestTray()

	steps := []struct {
		st    controller.Status
		icon  icon
		title string
		tip   string
	}{
		{controller.Status{State: controller.Idle}, iconIdle, "Start Recording", "Ctrl+Shift+Space"},
		{controller.Status{State: controller.Starting}, iconBusy, "Stop Recording", "connecting"},
		{controller.Status{State: controller.Active}, iconRecording, "Stop Recording", "listening"},
		{controller.Status{State: controller.Active, Reconnecting: true}, iconWarning, "Stop Recording", "reconnecting"},
		{controller.Status{State: controller.Stopping}, iconBusy, "Start Recording", "finishing"},
	}
	for i, s := range steps {
		tr.OnStatus(s.st)
		v := (*rendered)[len(*rendered)-1]
		if v.Icon != s.icon {
			t.Errorf("step %d: icon = %d, want %d", i, v.Icon, s.icon)
		}
		if v.RecordTitle != s.title {
			t.Errorf("step %d: title = %q, want %q", i, v.RecordTitle, s.title)
		}
		if !strings.Contains(v.Tooltip, s.tip) {
			t.Errorf("step %d: tooltip %q missing %q", i, v.Tooltip, s.tip)
		}
	}
	if len(*rendered) != len(steps) {
		t.Errorf("rendered %d times, want %d", len(*rendered), len(steps))
	}
}

func TestErrorShownForLimitedTime(t *testing.T) {
	tr, now, rendered := newTestTray()

	tr.OnStatus(controller.Status{State: controller.Idle, LastError: "microphone unavailable"})
	v := (*rendered)[len(*rendered)-1]
	if v.Icon != iconWarning || !strings.Contains(v.Tooltip, "microphone unavailable") {
		t.Fatalf("error not shown: %+v", v)
	}

	*now = now.Add(errorDisplay + time.Second)
	tr.refresh()
	v = (*rendered)[len(*rendered)-1]
	if v.Icon != iconIdle || strings.Contains(v.Tooltip, "microphone") {
		t.Errorf("error still shown after %v: %+v", errorDisplay, v)
	}

	// Same error again does not restart the display window.
	tr.OnStatus(controller.Status{State: controller.Idle, LastError: "microphone unavailable"})
	v = (*rendered)[len(*rendered)-1]
	if strings.Contains(v.Tooltip, "microphone") {
		t.Errorf("repeated error redisplayed: %+v", v)
	}
}

func TestCopyAndDevicesEnabled(t *testing.T) {
	tr, _, rendered := newTestTray()

	tr.OnStatus(controller.Status{State: controller.Idle})
	v := (*rendered)[0]
	if v.CopyEnabled {
		t.Error("copy enabled without text")
	}
	if !v.Devices {
		t.Error("device menu disabled while idle")
	}

	tr.OnStatus(controller.Status{State: controller.Active, LastText: "hello"})
	v = (*rendered)[1]
	if !v.CopyEnabled {
		t.Error("copy disabled with text")
	}
	if v.Devices {
		t.Error("device menu enabled while recording")
	}
}

func TestSetDevicesBeforeStart(t *testing.T) {
	tr := New("F9", Actions{})
	tr.SetDevices([]string{"a", "b"}, "b")
	if len(tr.devices) != 2 || tr.selected != "b" {
		t.Errorf("devices = %v selected = %q", tr.devices, tr.selected)
	}
}

func TestIconsArePNG(t *testing.T) {
	sig := []byte("\x89PNG")
	for _, i := range []icon{iconIdle, iconBusy, iconRecording, iconWarning} {
		if !bytes.HasPrefix(i.bytes(), sig) {
			t.Errorf("icon %d is not a PNG", i)
		}
	}
}
