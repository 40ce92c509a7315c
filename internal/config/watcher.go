package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// DefaultWatchInterval is how often a [Watcher] polls its file.
const DefaultWatchInterval = 5 * time.Second

// Watcher polls a config file and reports validated changes as a
// [ConfigDiff]. An edit that fails to parse or validate is logged once and
// the previous config stays current. Edits that change nothing a diff can
// see (comments, formatting, touch) are not reported.
type Watcher struct {
	path     string
	interval time.Duration

	mu      sync.Mutex
	current *Config
	seen    fileStamp
}

// fileStamp identifies one version of the file on disk.
type fileStamp struct {
	mtime time.Time
	hash  [sha256.Size]byte
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. Non-positive values are ignored.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// NewWatcher loads and validates the file at path. Call [Watcher.Run] to
// start polling.
func NewWatcher(path string, opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{path: path, interval: DefaultWatchInterval}
	for _, opt := range opts {
		opt(w)
	}

	stamp, data, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	w.current = cfg
	w.seen = stamp
	return w, nil
}

// Current returns the most recently loaded valid config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Run polls until ctx is done, calling onChange with the new config and its
// diff against the previous one after every reportable edit. onChange runs
// on the polling goroutine.
func (w *Watcher) Run(ctx context.Context, onChange func(cfg *Config, d ConfigDiff)) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if cfg, d, ok := w.check(); ok && onChange != nil {
				onChange(cfg, d)
			}
		}
	}
}

// check reloads the file if it changed on disk since the last look.
func (w *Watcher) check() (*Config, ConfigDiff, bool) {
	info, err := os.Stat(w.path)
	if err != nil {
		slog.Warn("config watcher: cannot stat file", "path", w.path, "err", err)
		return nil, ConfigDiff{}, false
	}
	w.mu.Lock()
	unchanged := info.ModTime().Equal(w.seen.mtime)
	w.mu.Unlock()
	if unchanged {
		return nil, ConfigDiff{}, false
	}

	stamp, data, err := w.read()
	if err != nil {
		slog.Warn("config watcher: cannot read file", "path", w.path, "err", err)
		return nil, ConfigDiff{}, false
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	sameBytes := stamp.hash == w.seen.hash
	w.seen = stamp
	if sameBytes {
		return nil, ConfigDiff{}, false
	}

	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		slog.Warn("config watcher: keeping previous config", "path", w.path, "err", err)
		return nil, ConfigDiff{}, false
	}

	d := Diff(w.current, cfg)
	w.current = cfg
	if !d.Changed() {
		slog.Debug("config watcher: file changed without effect", "path", w.path)
		return nil, ConfigDiff{}, false
	}
	slog.Info("config watcher: configuration reloaded", "path", w.path)
	return cfg, d, true
}

func (w *Watcher) read() (fileStamp, []byte, error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return fileStamp{}, nil, err
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return fileStamp{}, nil, err
	}
	return fileStamp{mtime: info.ModTime(), hash: sha256.Sum256(data)}, data, nil
}
