package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"slices"
	"time"

	"golang.org/x/term"

	"voxkey/audio"
	"voxkey/beep"
	"voxkey/config"
	"voxkey/controller"
	"voxkey/debugcap"
	"voxkey/doctor"
	"voxkey/hotkey"
	"voxkey/keyboard"
	"voxkey/log"
	"voxkey/metrics"
	"voxkey/shutdown"
	"voxkey/transcriber"
	"voxkey/tray"
	"voxkey/tui"
)

var version = "dev"

const devicePollInterval = 3 * time.Second

type options struct {
	configPath string
	debug      bool
	logPath    string
	device     string
	setup      bool
	tui        bool
	testWAV    string
	fakeText   string
	metrics    string
	doctor     bool
}

func parseFlags() options {
	var o options
	flag.StringVar(&o.configPath, "config", "", "config file path (default: OS config dir)")
	flag.BoolVar(&o.debug, "debug", false, "debug logging and per-session FLAC capture")
	flag.StringVar(&o.logPath, "logpath", "", "log directory path (default: OS-specific location, use ./ for current dir)")
	flag.StringVar(&o.device, "device", "", "use named microphone device")
	flag.BoolVar(&o.setup, "setup", false, "select microphone device and save it to the config")
	flag.BoolVar(&o.tui, "tui", false, "show terminal status view")
	flag.StringVar(&o.testWAV, "test", "", "test mode: capture from WAV file, fake transcription, stdin-driven")
	flag.StringVar(&o.fakeText, "fake-text", "hello world", "text the fake transcriber returns in test mode")
	flag.StringVar(&o.metrics, "metrics", "", "serve Prometheus metrics on address (e.g. localhost:9464)")
	flag.BoolVar(&o.doctor, "doctor", false, "run interactive system diagnostics and exit")
	versionFlag := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *versionFlag {
		fmt.Printf("voxkey %s\n", version)
		os.Exit(0)
	}
	return o
}

func setupLogging(o options) {
	dir, err := log.ResolveDir(o.logPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to resolve log directory: %v\n", err)
		os.Exit(1)
	}
	log.SetDir(dir)
	if err := log.EnsureDir(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not create log directory: %v\n", err)
	}

	crashPath := filepath.Join(log.Dir(), "crash_log.txt")
	if f, err := os.OpenFile(crashPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644); err == nil {
		fmt.Fprintf(f, "\n=== Session %s [pid=%d] ===\n", time.Now().Format("2006-01-02 15:04:05"), os.Getpid())
		debug.SetCrashOutput(f, debug.CrashOptions{})
	}

	log.SetDebug(o.debug)
	if !o.tui && o.testWAV == "" && term.IsTerminal(int(os.Stderr.Fd())) {
		log.SetConsole(os.Stderr)
	}
	if err := log.Init(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not init logging: %v\n", err)
	}
}

func run() {
	o := parseFlags()
	setupLogging(o)
	defer log.Close()

	if o.testWAV != "" {
		runTestMode(o)
		return
	}

	cfgPath := o.configPath
	if cfgPath == "" {
		p, err := config.DefaultPath()
		if err != nil {
			fatal(err)
		}
		cfgPath = p
	}
	snap, err := config.Load(cfgPath)
	if err != nil {
		if errors.Is(err, config.ErrCreated) {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			os.Exit(1)
		}
		fatal(err)
	}

	actx, err := audio.NewContext()
	if err != nil {
		fatal(fmt.Errorf("initializing audio: %w", err))
	}
	defer actx.Close()

	if o.doctor {
		override := overrides(o)
		override(&snap)
		code := doctor.Run(doctor.Env{
			Snap:      snap,
			Audio:     actx,
			Transport: transcriber.NewDeepgram(),
			Hotkey:    hotkey.New,
			Output: func() (string, error) {
				if _, err := keyboard.New(snap.UI.OutputMode); err != nil {
					return "", err
				}
				return keyboard.Verify()
			},
			Out:        os.Stdout,
			HotkeyWait: 10 * time.Second,
			Listen:     3 * time.Second,
		})
		actx.Close()
		log.Close()
		os.Exit(code)
	}

	if o.setup {
		if err := setupDevice(actx, cfgPath, &snap); err != nil {
			log.Warnf("device selection failed: %v", err)
			fmt.Printf("Warning: device selection failed: %v\n", err)
		}
	}

	sigCtx, stopSignals := shutdown.Context(context.Background())
	defer stopSignals()
	ctx, cancel := context.WithCancel(sigCtx)
	defer cancel()
	go func() {
		<-ctx.Done()
		if sigCtx.Err() != nil {
			log.Info("signal received, shutting down")
		}
	}()

	override := overrides(o)
	override(&snap)

	configs, err := config.Watch(ctx, cfgPath)
	if err != nil {
		log.Warnf("config hot reload disabled: %v", err)
	}

	binder := newHotkeyBinder(ctx)
	if err := binder.bind(snap.Hotkey); err != nil {
		fatal(err)
	}

	var observers []controller.StatusObserver

	addr := snap.UI.MetricsAddr
	var metricsServer *metrics.Server
	if addr != "" {
		m := metrics.New()
		observers = append(observers, m)
		metricsServer = metrics.NewServer(addr, m)
		metricsServer.Start()
		log.Infof("metrics listening on %s", addr)
	}

	var ctrl *controller.Controller
	toggle := func() { ctrl.Toggle() }

	var tr *tray.Tray
	if snap.UI.ShowTrayIcon {
		tr = tray.New(hotkey.Describe(snap.Hotkey), tray.Actions{
			Toggle: toggle,
			CopyLast: func(text string) {
				if err := keyboard.Copy(text); err != nil {
					log.Warnf("copy last text: %v", err)
				}
			},
			SelectDevice: func(name string) {
				s := ctrl.Config()
				s.Audio.Device = name
				log.Info("device_selected: " + name)
				ctrl.ApplyConfig(s)
			},
			Quit: cancel,
		})
		observers = append(observers, tr)
	}

	var ui *tui.UI
	if o.tui {
		ui = tui.New(hotkey.Describe(snap.Hotkey), version, tui.Actions{Toggle: toggle, Quit: cancel})
		observers = append(observers, ui)
	}
	if snap.UI.Sounds {
		if p, err := beep.NewPlayer(); err != nil {
			log.Warnf("sound cues disabled: %v", err)
		} else {
			observers = append(observers, beep.NewCues(p))
		}
	}

	deps := controller.Deps{
		Capture:   controller.EngineCapture(audio.NewEngine(actx)),
		Dialer:    controller.StreamDialer(transcriber.NewDeepgram()),
		Typer:     keyboard.New,
		Config:    snap,
		Toggles:   binder.toggles(),
		Configs:   withOverrides(ctx, configs, override),
		Observers: observers,
		OnConfig: func(s config.Snapshot) {
			binder.request(s.Hotkey)
		},
	}
	if o.debug {
		deps.Tap = captureTap(filepath.Join(log.Dir(), "captures"))
	}
	ctrl = controller.New(deps)
	go ctrl.Run(ctx)

	log.Infof("voxkey %s ready, %s to dictate", version, hotkey.Describe(snap.Hotkey))

	if tr != nil {
		stopTray := tr.Start()
		defer stopTray()
		go watchDevices(ctx, actx, tr, ctrl)
	}

	if ui != nil {
		go func() {
			<-ctx.Done()
			ui.Quit()
		}()
		if err := ui.Run(); err != nil {
			log.Errorf("TUI error: %v", err)
		}
		cancel()
	} else {
		if !snap.UI.ShowTrayIcon {
			fmt.Printf("voxkey %s: press %s to dictate, Ctrl+C to quit\n", version, hotkey.Describe(snap.Hotkey))
		}
		<-ctx.Done()
	}

	<-ctrl.Done()
	binder.close()
	if metricsServer != nil {
		sctx, scancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := metricsServer.Shutdown(sctx); err != nil {
			log.Warnf("metrics shutdown: %v", err)
		}
		scancel()
	}
	st := ctrl.Status()
	log.Infof("exit sessions=%d finals=%d overruns=%d reconnects=%d", st.Sessions, st.Finals, st.Overruns, st.Reconnects)
}

func fatal(err error) {
	log.Errorf("fatal: %v", err)
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	log.Close()
	os.Exit(1)
}

// overrides returns the command-line settings that win over the config file,
// applied to the initial snapshot and to every reload.
func overrides(o options) func(*config.Snapshot) {
	return func(s *config.Snapshot) {
		if o.device != "" {
			s.Audio.Device = o.device
		}
		if o.metrics != "" {
			s.UI.MetricsAddr = o.metrics
		}
	}
}

func withOverrides(ctx context.Context, in <-chan config.Snapshot, apply func(*config.Snapshot)) <-chan config.Snapshot {
	if in == nil {
		return nil
	}
	out := make(chan config.Snapshot)
	go func() {
		defer close(out)
		for s := range in {
			apply(&s)
			select {
			case out <- s:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// setupDevice lets the user pick a microphone and saves the choice.
func setupDevice(actx audio.Context, cfgPath string, snap *config.Snapshot) error {
	dev, err := audio.SelectDevice(actx, snap.Audio.Device)
	if err != nil || dev == nil {
		return err
	}
	snap.Audio.Device = dev.Name
	saved := *snap
	if os.Getenv(config.APIKeyEnv) != "" {
		saved.DeepgramAPIKey = ""
	}
	if err := config.Save(cfgPath, saved); err != nil {
		return err
	}
	fmt.Printf("Saved device %q to %s\n", dev.Name, cfgPath)
	return nil
}

func captureTap(dir string) func(string, config.Snapshot) (controller.ChunkTap, error) {
	return func(id string, snap config.Snapshot) (controller.ChunkTap, error) {
		w, err := debugcap.Create(dir, id, snap.Audio)
		if err != nil {
			return nil, err
		}
		log.Debugf("debug capture: %s", w.Path())
		return w, nil
	}
}

// watchDevices keeps the tray's device menu in sync with hotplug events.
func watchDevices(ctx context.Context, actx audio.Context, tr *tray.Tray, ctrl *controller.Controller) {
	var last []string
	ticker := time.NewTicker(devicePollInterval)
	defer ticker.Stop()
	for {
		devices, err := actx.Devices()
		if err == nil {
			names := make([]string, len(devices))
			for i := range devices {
				names[i] = devices[i].Name
			}
			if !slices.Equal(last, names) {
				sel := ctrl.Config().Audio.Device
				if sel != "" && last != nil && !slices.Contains(names, sel) {
					log.Info("device_disconnected: " + sel)
				}
				last = names
				tr.SetDevices(names, sel)
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
