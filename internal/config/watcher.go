package config

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// ChangeCallback receives a freshly loaded and validated configuration
type ChangeCallback func(cfg *Config)

// Watcher reloads the config file when it changes on disk
type Watcher struct {
	watcher            *fsnotify.Watcher
	loader             *Loader
	path               string
	stabilityThreshold time.Duration
	onChange           ChangeCallback
	logger             zerolog.Logger
	done               chan struct{}
	debounce           *time.Timer
	debounceMu         sync.Mutex
	stopOnce           sync.Once
}

// WatcherConfig holds configuration for the watcher
type WatcherConfig struct {
	Loader             *Loader
	StabilityThreshold time.Duration
	OnChange           ChangeCallback
	Logger             zerolog.Logger
}

// NewWatcher creates a new config watcher
func NewWatcher(config WatcherConfig) (*Watcher, error) {
	if config.Loader == nil {
		return nil, fmt.Errorf("loader is required")
	}
	if config.OnChange == nil {
		return nil, fmt.Errorf("change callback is required")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	if config.StabilityThreshold == 0 {
		config.StabilityThreshold = 200 * time.Millisecond
	}

	return &Watcher{
		watcher:            watcher,
		loader:             config.Loader,
		path:               filepath.Clean(config.Loader.GetConfigPath()),
		stabilityThreshold: config.StabilityThreshold,
		onChange:           config.OnChange,
		logger:             config.Logger,
		done:               make(chan struct{}),
	}, nil
}

// Start starts watching. The parent directory is watched so editors that
// replace the file by rename are still seen.
func (w *Watcher) Start() error {
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("failed to watch config directory: %w", err)
	}

	go w.eventLoop()

	w.logger.Info().Str("path", w.path).Msg("Config watcher started")
	return nil
}

// Stop stops the watcher
func (w *Watcher) Stop() error {
	w.stopOnce.Do(func() {
		close(w.done)
	})

	w.debounceMu.Lock()
	if w.debounce != nil {
		w.debounce.Stop()
		w.debounce = nil
	}
	w.debounceMu.Unlock()

	if err := w.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	return nil
}

func (w *Watcher) eventLoop() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.schedule()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("Config watcher error")

		case <-w.done:
			return
		}
	}
}

// schedule debounces bursts of writes into one reload
func (w *Watcher) schedule() {
	w.debounceMu.Lock()
	defer w.debounceMu.Unlock()

	if w.debounce != nil {
		w.debounce.Stop()
	}
	w.debounce = time.AfterFunc(w.stabilityThreshold, func() {
		select {
		case <-w.done:
			return
		default:
			w.reload()
		}
	})
}

func (w *Watcher) reload() {
	cfg, err := w.loader.Load()
	if err != nil {
		w.logger.Warn().Err(err).Msg("Config reload failed, keeping current config")
		return
	}
	if err := cfg.Validate(); err != nil {
		w.logger.Warn().Err(err).Msg("Reloaded config is invalid, keeping current config")
		return
	}

	w.logger.Info().Str("path", w.path).Msg("Config reloaded")
	w.onChange(cfg)
}
