package config

import (
	"log"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const watchDebounce = 200 * time.Millisecond

// Watcher reloads a config file when it changes on disk and publishes the new
// value on Changes. Invalid files are logged and skipped.
type Watcher struct {
	path      string
	fsWatcher *fsnotify.Watcher
	changes   chan *Config
	done      chan struct{}
	stopOnce  sync.Once

	mu    sync.Mutex
	timer *time.Timer
}

// NewWatcher watches the directory containing path. The directory must exist.
func NewWatcher(path string) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsWatcher.Add(filepath.Dir(path)); err != nil {
		_ = fsWatcher.Close()
		return nil, err
	}

	w := &Watcher{
		path:      path,
		fsWatcher: fsWatcher,
		changes:   make(chan *Config, 1),
		done:      make(chan struct{}),
	}
	go w.processEvents()
	return w, nil
}

// Changes delivers each successfully reloaded config. Only the latest pending
// value is kept if the consumer falls behind.
func (w *Watcher) Changes() <-chan *Config {
	return w.changes
}

// Stop stops watching. Safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		_ = w.fsWatcher.Close()
		w.mu.Lock()
		if w.timer != nil {
			w.timer.Stop()
		}
		w.mu.Unlock()
	})
}

func (w *Watcher) processEvents() {
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			log.Printf("[config] watcher error: %v", err)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != filepath.Clean(w.path) {
		return
	}
	// Rename covers editors that write a temp file and move it into place.
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(watchDebounce, w.reload)
}

func (w *Watcher) reload() {
	cfg, err := LoadFile(w.path)
	if err != nil {
		log.Printf("[config] reload of %s failed: %v", w.path, err)
		return
	}
	if err := cfg.Validate(); err != nil {
		log.Printf("[config] ignoring invalid %s: %v", w.path, err)
		return
	}

	select {
	case <-w.done:
		return
	default:
	}

	// Replace any value the consumer has not picked up yet.
	select {
	case <-w.changes:
	default:
	}
	select {
	case w.changes <- cfg:
		log.Printf("[config] reloaded %s", w.path)
	default:
	}
}
