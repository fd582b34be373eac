package config

import (
	"fmt"
	"sync"

	"github.com/rjeczalik/notify"
)

// Watcher reloads a Config from disk whenever its file changes, without
// restarting the process (spec.md §6's config keys are all safely
// reloadable at runtime: new btcd/proxy entries, maxclients, diff clamps).
type Watcher struct {
	path string
	ch   chan notify.EventInfo
	stop chan struct{}

	mu  sync.RWMutex
	cur *Config
}

// WatchFunc is invoked with the newly loaded config after each reload.
type WatchFunc func(cfg *Config)

// NewWatcher loads path once and begins watching it for writes.
func NewWatcher(path string, onReload WatchFunc) (*Watcher, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		path: path,
		ch:   make(chan notify.EventInfo, 1),
		stop: make(chan struct{}),
		cur:  cfg,
	}

	if err := notify.Watch(path, w.ch, notify.Write, notify.Rename); err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}

	go w.run(onReload)
	return w, nil
}

func (w *Watcher) run(onReload WatchFunc) {
	for {
		select {
		case <-w.stop:
			return
		case ev := <-w.ch:
			logger.Info("config file changed, reloading", "path", w.path, "event", ev.Event())
			cfg, err := Load(w.path)
			if err != nil {
				logger.Error("config reload failed, keeping previous config", "err", err)
				continue
			}
			w.mu.Lock()
			w.cur = cfg
			w.mu.Unlock()
			if onReload != nil {
				onReload(cfg)
			}
		}
	}
}

// Current returns the most recently loaded config.
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.cur
}

// Close stops watching the file.
func (w *Watcher) Close() {
	notify.Stop(w.ch)
	close(w.stop)
}
