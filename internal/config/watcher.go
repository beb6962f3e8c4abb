package config

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"reverie/internal/logging"
)

// Watcher reloads the config file on change and hands the result to a
// callback. Only budget caps are expected to change at runtime; consumers
// decide what to apply. Reload is debounced because editors fire several
// events per save.
type Watcher struct {
	path     string
	onChange func(*Config)

	mu      sync.Mutex
	pending *time.Timer
	watcher *fsnotify.Watcher
	done    chan struct{}
}

const reloadDebounce = 500 * time.Millisecond

// NewWatcher starts watching path. The callback runs on the watcher
// goroutine; it must not block.
func NewWatcher(path string, onChange func(*Config)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fs watcher: %w", err)
	}
	// Watch the directory, not the file: editors replace files on save,
	// which drops a direct file watch.
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watch %s: %w", path, err)
	}

	w := &Watcher{
		path:     path,
		onChange: onChange,
		watcher:  fsw,
		done:     make(chan struct{}),
	}
	go w.loop()
	logging.Boot("config watcher started for %s", path)
	return w, nil
}

func (w *Watcher) loop() {
	defer close(w.done)
	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.scheduleReload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.Get(logging.CategoryBoot).Warn("config watcher error: %v", err)
		}
	}
}

func (w *Watcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.pending != nil {
		w.pending.Stop()
	}
	w.pending = time.AfterFunc(reloadDebounce, func() {
		cfg, err := Load(w.path)
		if err != nil {
			logging.Get(logging.CategoryBoot).Warn("config reload rejected: %v", err)
			return
		}
		logging.Boot("config reloaded from %s", w.path)
		w.onChange(cfg)
	})
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.pending != nil {
		w.pending.Stop()
	}
	w.mu.Unlock()
	err := w.watcher.Close()
	<-w.done
	return err
}
