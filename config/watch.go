package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"voxkey/log"
)

// Debounce is how long Watch waits after the last file event before reloading.
// Editors often write a file in several steps.
var Debounce = 500 * time.Millisecond

// Watch reloads path whenever it changes and delivers each valid snapshot on
// the returned channel. Invalid files are logged and dropped. The channel
// holds only the most recent snapshot if the reader falls behind, and is
// closed when ctx is done.
//
// The parent directory is watched so that editors replacing the file through
// rename are still seen.
func Watch(ctx context.Context, path string) (<-chan Snapshot, error) {
	path = filepath.Clean(path)
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(path)); err != nil {
		w.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}
	log.Info("config_watch: " + path)

	out := make(chan Snapshot, 1)
	go func() {
		defer close(out)
		defer w.Close()

		timer := time.NewTimer(Debounce)
		timer.Stop()
		for {
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != path {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
					continue
				}
				timer.Reset(Debounce)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Warnf("config watcher: %v", err)
			case <-timer.C:
				data, err := os.ReadFile(path)
				if err != nil {
					log.Warnf("config reload: %v", err)
					continue
				}
				snap, err := Parse(data)
				if err != nil {
					log.Warnf("config reload rejected: %v", err)
					continue
				}
				log.Info("config_reloaded")
				publishLatest(out, snap)
			}
		}
	}()
	return out, nil
}

func publishLatest(out chan Snapshot, snap Snapshot) {
	for {
		select {
		case out <- snap:
			return
		default:
		}
		select {
		case <-out:
		default:
		}
	}
}
