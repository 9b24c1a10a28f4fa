package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"voxkey/audio"
	"voxkey/config"
	"voxkey/controller"
	"voxkey/hotkey"
	"voxkey/keyboard"
	"voxkey/log"
	"voxkey/transcriber"
)

// runTestMode runs the full pipeline against a WAV file, a fake transcriber
// and a keystroke recorder. Commands on stdin drive the hotkey:
//
//	KEYDOWN, KEYUP        press or release the hotkey
//	WAIT                  block until the current recording is back to idle
//	WAIT_AUDIO_DONE       block until the WAV file has been fully captured
//	SLEEP <ms>
//	QUIT
//
// On exit every Type call is printed to stdout as "TYPED <text>".
func runTestMode(o options) {
	actx, err := audio.NewFakeContext(o.testWAV, true)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading WAV: %v\n", err)
		os.Exit(1)
	}

	snap := config.Default()
	snap.DeepgramAPIKey = "test"
	if o.device != "" {
		snap.Audio.Device = o.device
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hk := hotkey.NewFake()
	rec := keyboard.NewRecorder()
	idle := make(chan struct{}, 16)
	prev := controller.Idle

	deps := controller.Deps{
		Capture: controller.EngineCapture(audio.NewEngine(actx)),
		Dialer:  controller.StreamDialer(transcriber.NewFakeTransport(o.fakeText)),
		Typer:   func(string) (keyboard.Typer, error) { return rec, nil },
		Config:  snap,
		Toggles: hotkey.Toggles(ctx, hk),
		Observers: []controller.StatusObserver{controller.StatusFunc(func(st controller.Status) {
			if st.State == controller.Idle && prev != controller.Idle {
				select {
				case idle <- struct{}{}:
				default:
				}
			}
			prev = st.State
		})},
	}
	if o.debug {
		deps.Tap = captureTap(filepath.Join(log.Dir(), "captures"))
	}
	ctrl := controller.New(deps)
	go ctrl.Run(ctx)

	quit := func() {
		cancel()
		<-ctrl.Done()
		for _, text := range rec.Calls() {
			fmt.Printf("TYPED %s\n", text)
		}
		st := ctrl.Status()
		log.Infof("test mode exit sessions=%d finals=%d", st.Sessions, st.Finals)
		log.Close()
		os.Exit(0)
	}

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		cmd := strings.TrimSpace(scanner.Text())
		switch cmd {
		case "KEYDOWN":
			hk.SimKeydown()
		case "KEYUP":
			hk.SimKeyup()
		case "WAIT":
			<-idle
		case "WAIT_AUDIO_DONE":
			<-actx.AudioDone()
		case "QUIT":
			quit()
		default:
			if ms, ok := strings.CutPrefix(cmd, "SLEEP "); ok {
				if n, err := strconv.Atoi(ms); err == nil {
					time.Sleep(time.Duration(n) * time.Millisecond)
				}
			}
		}
	}
	quit()
}
