package log

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func setupLogDir(t *testing.T) string {
	t.Helper()
	tmp := t.TempDir()
	SetDir(tmp)
	t.Cleanup(func() {
		Close()
		SetDir("")
		SetDebug(false)
		SetConsole(nil)
	})
	return tmp
}

func readDiag(t *testing.T, dir string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, "diagnostics_log.txt"))
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

func TestResolveDirFlag(t *testing.T) {
	got, err := ResolveDir("/tmp/mylog")
	if err != nil {
		t.Fatal(err)
	}
	if got != "/tmp/mylog" {
		t.Errorf("got %q, want /tmp/mylog", got)
	}
}

func TestResolveDirFlagRelative(t *testing.T) {
	got, err := ResolveDir("logs")
	if err != nil {
		t.Fatal(err)
	}
	wd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	want := filepath.Join(wd, "logs")
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestResolveDirEnv(t *testing.T) {
	t.Setenv("VOXKEY_LOG_PATH", "/tmp/voxkey-env-log")
	got, err := ResolveDir("")
	if err != nil {
		t.Fatal(err)
	}
	if got != "/tmp/voxkey-env-log" {
		t.Errorf("got %q, want /tmp/voxkey-env-log", got)
	}
}

func TestResolveDirFlagBeatsEnv(t *testing.T) {
	t.Setenv("VOXKEY_LOG_PATH", "/tmp/from-env")
	got, err := ResolveDir("/tmp/from-flag")
	if err != nil {
		t.Fatal(err)
	}
	if got != "/tmp/from-flag" {
		t.Errorf("got %q, want /tmp/from-flag", got)
	}
}

func TestResolveDirDefault(t *testing.T) {
	t.Setenv("VOXKEY_LOG_PATH", "")
	got, err := ResolveDir("")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(got, "voxkey") {
		t.Errorf("default dir %q does not mention voxkey", got)
	}
}

func TestInitCreatesFiles(t *testing.T) {
	tmp := setupLogDir(t)

	if err := Init(); err != nil {
		t.Fatal(err)
	}

	for _, name := range []string{"diagnostics_log.txt", "transcribe_log.txt"} {
		path := filepath.Join(tmp, name)
		if _, err := os.Stat(path); err != nil {
			t.Errorf("%s not created: %v", name, err)
		}
	}
}

func TestTranscriptionText(t *testing.T) {
	tmp := setupLogDir(t)

	if err := Init(); err != nil {
		t.Fatal(err)
	}

	TranscriptionText("hello world")

	data, err := os.ReadFile(filepath.Join(tmp, "transcribe_log.txt"))
	if err != nil {
		t.Fatal(err)
	}
	line := string(data)
	if !strings.Contains(line, "hello world") {
		t.Errorf("transcribe_log.txt missing text, got: %q", line)
	}
	// format: "2006-01-02 15:04:05\t[pid]\ttext\n"
	if strings.Count(line, "\t") != 2 {
		t.Errorf("expected tab-separated format, got: %q", line)
	}
}

func TestDebugLevel(t *testing.T) {
	tmp := setupLogDir(t)

	if err := Init(); err != nil {
		t.Fatal(err)
	}
	Debug("hidden_debug")
	Close()
	if strings.Contains(readDiag(t, tmp), "hidden_debug") {
		t.Error("debug line written at info level")
	}

	SetDebug(true)
	if err := Init(); err != nil {
		t.Fatal(err)
	}
	Debugf("visible_%s", "debug")
	Close()
	if !strings.Contains(readDiag(t, tmp), "visible_debug") {
		t.Error("debug line missing with SetDebug(true)")
	}
}

func TestConsoleMirror(t *testing.T) {
	setupLogDir(t)
	var buf bytes.Buffer
	SetConsole(&buf)

	if err := Init(); err != nil {
		t.Fatal(err)
	}
	Info("mirrored")
	if !strings.Contains(buf.String(), "mirrored") {
		t.Errorf("console missing line, got %q", buf.String())
	}
}

func TestStructuredHelpers(t *testing.T) {
	tmp := setupLogDir(t)

	if err := Init(); err != nil {
		t.Fatal(err)
	}
	StateChange("idle", "starting", "toggle")
	Overrun(7, 320, 2)
	Anomaly(3, "hello", "hello there")
	SessionStart("abc", "nova-3", "fake")
	SessionEnd("abc", 4, 2*time.Second)
	StreamMetrics(StreamMetricsData{Session: "abc", SentChunks: 12, RecvFinal: 4, Reconnects: 1})
	Close()

	got := readDiag(t, tmp)
	for _, want := range []string{
		"state", "from=idle", "to=starting",
		"audio_overrun", "seq=7", "dropped_samples=320",
		"service_anomaly", "utterance=3",
		"session_start", "model=nova-3",
		"session_end", "finals=4",
		"stream_transcription", "sent_chunks=12", "reconnects=1",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("diagnostics log missing %q", want)
		}
	}
}

func TestLoggingBeforeInitIsNoop(t *testing.T) {
	Close()
	Info("nothing")
	Warnf("nothing %d", 1)
	TranscriptionText("nothing")
	StateChange("a", "b", "c")
}

func TestCloseIdempotent(t *testing.T) {
	setupLogDir(t)

	if err := Init(); err != nil {
		t.Fatal(err)
	}
	Close()
	Close() // should not panic
}
