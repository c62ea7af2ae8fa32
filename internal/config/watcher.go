package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/vyrodovalexey/connect/internal/observability"
)

// DefaultDebounceDelay coalesces bursts of file events.
const DefaultDebounceDelay = 100 * time.Millisecond

// ReloadCallback receives each valid reloaded configuration.
type ReloadCallback func(*Config)

// ErrorCallback receives load and validation failures.
type ErrorCallback func(error)

// Watcher reloads the configuration file when its content changes.
// Invalid files are reported and the previous configuration stays in
// effect.
type Watcher struct {
	path          string
	loader        *Loader
	fs            *fsnotify.Watcher
	callback      ReloadCallback
	errorCallback ErrorCallback
	logger        observability.Logger
	debounceDelay time.Duration

	mu         sync.RWMutex
	lastConfig *Config
	lastDigest [sha256.Size]byte
	cancel     context.CancelFunc
	done       chan struct{}
	closeOnce  sync.Once
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithDebounceDelay sets the debounce delay.
func WithDebounceDelay(delay time.Duration) WatcherOption {
	return func(w *Watcher) {
		w.debounceDelay = delay
	}
}

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) WatcherOption {
	return func(w *Watcher) {
		w.logger = logger
	}
}

// WithErrorCallback sets the error callback.
func WithErrorCallback(callback ErrorCallback) WatcherOption {
	return func(w *Watcher) {
		w.errorCallback = callback
	}
}

// WithLoader sets the loader used for reloads.
func WithLoader(loader *Loader) WatcherOption {
	return func(w *Watcher) {
		w.loader = loader
	}
}

// NewWatcher creates a watcher for path.
func NewWatcher(path string, callback ReloadCallback, opts ...WatcherOption) (*Watcher, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve path %s: %w", path, err)
	}

	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	w := &Watcher{
		path:          absPath,
		loader:        NewLoader(),
		fs:            fs,
		callback:      callback,
		logger:        observability.NopLogger(),
		debounceDelay: DefaultDebounceDelay,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Start loads the file and watches its directory, which also catches
// editors that replace the file by renaming. The initial load does not
// invoke the callback.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel != nil {
		return nil
	}

	cfg, digest, err := w.snapshot()
	if err != nil {
		return err
	}
	if err := w.fs.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(w.path), err)
	}
	w.lastConfig, w.lastDigest = cfg, digest

	ctx, w.cancel = context.WithCancel(ctx)
	w.done = make(chan struct{})
	go w.run(ctx, w.done)

	w.logger.Info("watching configuration file", observability.String("path", w.path))
	return nil
}

// Stop stops watching and releases the file watcher. It is safe to call
// more than once and on a watcher that never started.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	cancel, done := w.cancel, w.done
	w.cancel, w.done = nil, nil
	w.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}

	var err error
	w.closeOnce.Do(func() { err = w.fs.Close() })
	return err
}

// LastConfig returns the last valid configuration, or nil before Start.
func (w *Watcher) LastConfig() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.lastConfig
}

// ForceReload reloads now and invokes the callback even when the file
// content is unchanged.
func (w *Watcher) ForceReload() error {
	return w.reload(true)
}

func (w *Watcher) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	debounce := time.NewTimer(w.debounceDelay)
	debounce.Stop()
	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if !w.relevant(event) {
				continue
			}
			w.logger.Debug("config file event",
				observability.String("path", event.Name),
				observability.String("op", event.Op.String()),
			)
			debounce.Reset(w.debounceDelay)

		case <-debounce.C:
			_ = w.reload(false)

		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.logger.Error("config watcher error", observability.Error(err))
			w.reportError(err)
		}
	}
}

func (w *Watcher) relevant(event fsnotify.Event) bool {
	return filepath.Clean(event.Name) == w.path &&
		event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0
}

// reload applies the file when its content changed since the last
// applied version, or unconditionally when force is set.
func (w *Watcher) reload(force bool) error {
	cfg, digest, err := w.snapshot()
	if err != nil {
		w.logger.Error("configuration reload rejected",
			observability.String("path", w.path),
			observability.Error(err),
		)
		w.reportError(err)
		return err
	}

	w.mu.Lock()
	if !force && digest == w.lastDigest {
		w.mu.Unlock()
		w.logger.Debug("configuration unchanged", observability.String("path", w.path))
		return nil
	}
	w.lastConfig, w.lastDigest = cfg, digest
	w.mu.Unlock()

	w.logger.Info("configuration reloaded", observability.String("path", w.path))
	if w.callback != nil {
		w.callback(cfg)
	}
	return nil
}

// snapshot reads, parses and validates the file.
func (w *Watcher) snapshot() (*Config, [sha256.Size]byte, error) {
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, [sha256.Size]byte{}, fmt.Errorf("failed to read config file %s: %w", w.path, err)
	}

	cfg, err := w.loader.LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, [sha256.Size]byte{}, err
	}
	if err := ValidateConfig(cfg); err != nil {
		return nil, [sha256.Size]byte{}, err
	}
	return cfg, sha256.Sum256(data), nil
}

func (w *Watcher) reportError(err error) {
	if w.errorCallback != nil {
		w.errorCallback(err)
	}
}
