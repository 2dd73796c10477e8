package cliconfig

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/bft-labs/niftysave/internal/ports"
)

// DefaultDebounce is how long the watcher waits after the last write before
// reloading.
const DefaultDebounce = 100 * time.Millisecond

// Watcher reloads the config file on change and hands the result to a
// callback. Flags that were set on the command line keep their values.
type Watcher struct {
	path     string
	base     Config
	changed  map[string]bool
	apply    func(Config)
	logger   ports.Logger
	debounce time.Duration

	mu    sync.Mutex
	timer *time.Timer
}

// NewWatcher watches path. base is the configuration before the file was
// applied; apply is called with every valid reload.
func NewWatcher(path string, base Config, changed map[string]bool, apply func(Config), logger ports.Logger) *Watcher {
	return &Watcher{
		path:     path,
		base:     base,
		changed:  changed,
		apply:    apply,
		logger:   logger,
		debounce: DefaultDebounce,
	}
}

// Run watches the file's directory until ctx is done. Editors often replace
// files instead of writing in place, so the directory is watched rather than
// the file.
func (w *Watcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		return err
	}
	name := filepath.Base(w.path)

	for {
		select {
		case <-ctx.Done():
			w.mu.Lock()
			if w.timer != nil {
				w.timer.Stop()
			}
			w.mu.Unlock()
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != name {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.scheduleReload(ctx)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("config watcher error", ports.Err(err))
		}
	}
}

func (w *Watcher) scheduleReload(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		if ctx.Err() != nil {
			return
		}
		w.reload()
	})
}

// reload keeps the previous configuration when the new file is invalid.
func (w *Watcher) reload() {
	cfg, err := w.load()
	if err != nil {
		w.logger.Warn("ignoring config change", ports.String("path", w.path), ports.Err(err))
		return
	}
	w.logger.Info("config reloaded", ports.String("path", w.path))
	w.apply(cfg)
}

func (w *Watcher) load() (Config, error) {
	cfg := w.base
	fc, err := LoadFileConfig(w.path)
	if err != nil {
		return Config{}, err
	}
	if err := ApplyFileConfig(&cfg, fc, w.changed); err != nil {
		return Config{}, err
	}
	if err := ApplyEnvConfig(&cfg, w.changed); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
