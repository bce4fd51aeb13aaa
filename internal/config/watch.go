package config

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	appLog "taskrecur/internal/log"
)

const watchDebounce = 250 * time.Millisecond

// Watch reloads path whenever it changes and passes each valid config to
// onChange. Invalid files are logged and skipped. It returns when ctx is done.
func Watch(ctx context.Context, path string, onChange func(*Config)) error {
	dir := filepath.Dir(path)
	target := filepath.Clean(path)

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	// Watch the directory: Save replaces the file via rename.
	// 파일 자체를 watch 하면 rename 이후 inode 가 바뀌어 이벤트가 끊긴다.
	if err := w.Add(dir); err != nil {
		return err
	}

	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	defer func() {
		timerMu.Lock()
		if timer != nil {
			timer.Stop()
		}
		timerMu.Unlock()
	}()
	reload := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(watchDebounce, func() {
			if ctx.Err() != nil {
				return
			}
			cfg, err := Load(path)
			if err != nil {
				appLog.Error("config reload failed", err, "config_path", path)
				return
			}
			appLog.Info("config reloaded", "config_path", path)
			onChange(cfg)
		})
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				reload()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			appLog.Error("config watch error", err, "config_path", path)
		}
	}
}
