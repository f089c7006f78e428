package config

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Loader watches a YAML config file and publishes immutable Snapshots.
// Readers always see a complete snapshot; a reload either swaps in a new one
// or keeps the last good one when the file fails to parse.
type Loader struct {
	path         string
	pollInterval time.Duration
	log          zerolog.Logger

	current atomic.Pointer[Snapshot]
	modTime atomic.Int64 // unix nanos of the last loaded file

	subMu sync.Mutex
	subs  []func(*Snapshot)

	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	done    chan struct{}

	// Debounce: coalesce rapid Write+Chmod events from editors.
	debounceMu    sync.Mutex
	debounceTimer *time.Timer

	reloads atomic.Int64
}

// NewLoader reads the file once so the loader starts with a valid snapshot.
func NewLoader(path string, pollInterval time.Duration, log zerolog.Logger) (*Loader, error) {
	if pollInterval <= 0 {
		pollInterval = 15 * time.Second
	}
	l := &Loader{
		path:         path,
		pollInterval: pollInterval,
		log:          log.With().Str("component", "config").Logger(),
		done:         make(chan struct{}),
	}
	if err := l.load(); err != nil {
		return nil, fmt.Errorf("initial config load: %w", err)
	}
	return l, nil
}

// Snapshot returns the current config snapshot. Never nil after NewLoader.
func (l *Loader) Snapshot() *Snapshot {
	return l.current.Load()
}

// Reloads returns how many times a new snapshot has been swapped in,
// excluding the initial load.
func (l *Loader) Reloads() int64 {
	return l.reloads.Load()
}

// Subscribe registers a callback invoked with each new snapshot. Callbacks
// run sequentially on the loader goroutine; a panic in one subscriber is
// recovered so the others still run.
func (l *Loader) Subscribe(fn func(*Snapshot)) {
	l.subMu.Lock()
	defer l.subMu.Unlock()
	l.subs = append(l.subs, fn)
}

// Start begins watching the file. Change detection is belt and braces: an
// fsnotify watch for prompt reloads plus an mtime poll for filesystems where
// inotify misses events (NFS, some container mounts).
func (l *Loader) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	l.cancel = cancel

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(l.path); err != nil {
		w.Close()
		return fmt.Errorf("watch %s: %w", l.path, err)
	}
	l.watcher = w

	go l.run(ctx)

	l.log.Info().
		Str("path", l.path).
		Dur("poll_interval", l.pollInterval).
		Msg("config loader started")
	return nil
}

// Stop cancels the watch loop and waits for it to exit.
func (l *Loader) Stop() {
	if l.cancel != nil {
		l.cancel()
	}
	if l.watcher != nil {
		l.watcher.Close()
	}
	<-l.done
	l.log.Info().Int64("reloads", l.reloads.Load()).Msg("config loader stopped")
}

func (l *Loader) run(ctx context.Context) {
	defer close(l.done)

	ticker := time.NewTicker(l.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			info, err := os.Stat(l.path)
			if err != nil {
				l.log.Warn().Err(err).Msg("config file stat failed")
				continue
			}
			if info.ModTime().UnixNano() != l.modTime.Load() {
				l.reload()
			}

		case event, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			l.scheduleReload()

		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			l.log.Error().Err(err).Msg("fsnotify error")
		}
	}
}

// scheduleReload debounces reloads by 500ms so editors that truncate and
// rewrite produce a single reload of the finished file.
func (l *Loader) scheduleReload() {
	l.debounceMu.Lock()
	defer l.debounceMu.Unlock()

	if l.debounceTimer != nil {
		l.debounceTimer.Reset(500 * time.Millisecond)
		return
	}
	l.debounceTimer = time.AfterFunc(500*time.Millisecond, func() {
		l.debounceMu.Lock()
		l.debounceTimer = nil
		l.debounceMu.Unlock()

		l.reload()

		// Atomic-rename saves replace the inode; re-add the watch so the
		// next save is still seen.
		if l.watcher != nil {
			_ = l.watcher.Add(l.path)
		}
	})
}

func (l *Loader) reload() {
	if err := l.load(); err != nil {
		l.log.Error().Err(err).Msg("config reload failed, keeping previous snapshot")
		return
	}
	l.reloads.Add(1)

	snap := l.current.Load()
	l.log.Info().
		Int("patterns", len(snap.Patterns)).
		Int("routes", len(snap.Routes)).
		Msg("config reloaded")
	l.notify(snap)
}

func (l *Loader) load() error {
	info, err := os.Stat(l.path)
	if err != nil {
		return err
	}
	raw, err := os.ReadFile(l.path)
	if err != nil {
		return err
	}
	snap, err := ParseSnapshot(raw)
	if err != nil {
		return err
	}
	l.current.Store(snap)
	l.modTime.Store(info.ModTime().UnixNano())
	return nil
}

func (l *Loader) notify(snap *Snapshot) {
	l.subMu.Lock()
	subs := make([]func(*Snapshot), len(l.subs))
	copy(subs, l.subs)
	l.subMu.Unlock()

	for _, fn := range subs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					l.log.Error().Interface("panic", r).Msg("config subscriber panicked")
				}
			}()
			fn(snap)
		}()
	}
}
