package config

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Watcher observes the config file and marks the config dirty when it
// changes. Running work is never reconfigured mid-flight; callers pick up
// changes at the next run boundary via Current.
type Watcher struct {
	loader   *Loader
	watcher  *fsnotify.Watcher
	logger   zerolog.Logger
	current  atomic.Pointer[Config]
	dirty    atomic.Bool
	debounce time.Duration
	timerMu  sync.Mutex
	timer    *time.Timer
	stopCh   chan struct{}
}

// NewWatcher loads the config once and starts watching its file for changes.
func NewWatcher(loader *Loader, logger zerolog.Logger) (*Watcher, error) {
	cfg, err := loader.Load()
	if err != nil {
		return nil, err
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		loader:   loader,
		watcher:  fsWatcher,
		logger:   logger,
		debounce: 500 * time.Millisecond,
		stopCh:   make(chan struct{}),
	}
	w.current.Store(cfg)

	if path := loader.GetConfigPath(); path != "" {
		// The file may not exist yet; a failed add just means changes are
		// picked up only on explicit Reload.
		if err := fsWatcher.Add(path); err != nil {
			logger.Debug().Err(err).Str("path", path).Msg("Config file not watchable")
		}
	}

	go w.run()
	return w, nil
}

// Current returns the active config, reloading first when the file changed
// since the last call. Call it at run boundaries only.
func (w *Watcher) Current() *Config {
	if w.dirty.CompareAndSwap(true, false) {
		cfg, err := w.loader.Load()
		if err != nil {
			w.logger.Error().Err(err).Msg("Config reload failed, keeping previous config")
			return w.current.Load()
		}
		if err := cfg.Validate(); err != nil {
			w.logger.Error().Err(err).Msg("Reloaded config invalid, keeping previous config")
			return w.current.Load()
		}
		w.current.Store(cfg)
		w.logger.Info().Msg("Config reloaded")
	}
	return w.current.Load()
}

// Stop stops the file watcher.
func (w *Watcher) Stop() error {
	close(w.stopCh)
	return w.watcher.Close()
}

func (w *Watcher) run() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				w.logger.Debug().Str("op", event.Op.String()).Msg("Config change detected")
				w.scheduleMarkDirty()
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn().Err(err).Msg("Config watcher error")

		case <-w.stopCh:
			return
		}
	}
}

// scheduleMarkDirty debounces bursts of writes into one dirty flip.
func (w *Watcher) scheduleMarkDirty() {
	w.timerMu.Lock()
	defer w.timerMu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		w.dirty.Store(true)
	})
}
