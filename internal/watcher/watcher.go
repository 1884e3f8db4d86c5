// Package watcher observes the local sync root and turns raw filesystem
// events into classified sync changes. The first path component under the
// root names the origin; everything below it is the origin-relative path.
package watcher

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rjeczalik/notify"

	"github.com/driveback/driveback/internal/syncfs"
)

const (
	eventBufferSize        = 64
	defaultDebounceTimeout = 50 * time.Millisecond
	defaultIgnoreTimeout   = time.Second
	cleanupInterval        = 15 * time.Second
)

// LocalChange is one debounced, classified local mutation ready for the
// sync engine.
type LocalChange struct {
	Change    syncfs.FileChange
	LocalPath string
	Metadata  syncfs.FileMetadata
	Target    syncfs.Target
}

type Watcher struct {
	rootDir string
	ignore  *IgnoreList

	raw     chan notify.EventInfo
	changes chan LocalChange

	// Paths the engine is about to write itself; their next event is noise.
	ignoreOnce map[string]time.Time
	ignoreMu   sync.Mutex

	pendingTimers map[string]*time.Timer
	debounceMu    sync.Mutex
	debounce      time.Duration
	closed        bool

	done chan struct{}
	wg   sync.WaitGroup
}

func New(rootDir string, ignore *IgnoreList) *Watcher {
	return &Watcher{
		rootDir:       rootDir,
		ignore:        ignore,
		ignoreOnce:    make(map[string]time.Time),
		pendingTimers: make(map[string]*time.Timer),
		debounce:      defaultDebounceTimeout,
		done:          make(chan struct{}),
	}
}

// SetDebounceTimeout overrides the per-path event coalescing window.
func (w *Watcher) SetDebounceTimeout(timeout time.Duration) {
	w.debounce = timeout
}

func (w *Watcher) Start(ctx context.Context) error {
	slog.Info("watcher start", "dir", w.rootDir)

	w.raw = make(chan notify.EventInfo, eventBufferSize)
	w.changes = make(chan LocalChange, eventBufferSize)

	events := notify.Create | notify.Write | notify.Remove | notify.Rename
	if err := notify.Watch(filepath.Join(w.rootDir, "..."), w.raw, events); err != nil {
		return err
	}

	w.wg.Add(2)
	go w.pump(ctx)
	go w.cleanupLoop(ctx)
	return nil
}

func (w *Watcher) Stop() {
	close(w.done)
	if w.raw != nil {
		notify.Stop(w.raw)
	}
	w.wg.Wait()
	slog.Info("watcher stopped")
}

// Changes delivers classified local changes. Closed on Stop.
func (w *Watcher) Changes() <-chan LocalChange {
	return w.changes
}

// IgnoreOnce suppresses the next event for path, for writes the sync itself
// is about to make.
func (w *Watcher) IgnoreOnce(path string) {
	w.ignoreMu.Lock()
	defer w.ignoreMu.Unlock()
	w.ignoreOnce[path] = time.Now().Add(defaultIgnoreTimeout)
}

func (w *Watcher) pump(ctx context.Context) {
	defer func() {
		w.debounceMu.Lock()
		for _, timer := range w.pendingTimers {
			timer.Stop()
		}
		w.closed = true
		close(w.changes)
		w.debounceMu.Unlock()
		w.wg.Done()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case event, ok := <-w.raw:
			if !ok {
				return
			}
			path := event.Path()
			if w.ignore != nil && w.ignore.ShouldIgnore(path) {
				continue
			}
			w.debounceEvent(path)
		}
	}
}

// debounceEvent coalesces the write burst a single file save produces into
// one classification after the debounce window.
func (w *Watcher) debounceEvent(path string) {
	w.debounceMu.Lock()
	defer w.debounceMu.Unlock()

	if timer, exists := w.pendingTimers[path]; exists {
		timer.Stop()
	}
	w.pendingTimers[path] = time.AfterFunc(w.debounce, func() {
		w.flushEvent(path)
	})
}

func (w *Watcher) flushEvent(path string) {
	w.debounceMu.Lock()
	delete(w.pendingTimers, path)
	w.debounceMu.Unlock()

	if w.consumeIgnoreOnce(path) {
		return
	}

	change, ok := w.classify(path)
	if !ok {
		return
	}

	// The send is non-blocking, so holding debounceMu here is safe and
	// fences it against the close in pump's shutdown path.
	w.debounceMu.Lock()
	defer w.debounceMu.Unlock()
	if w.closed {
		return
	}
	select {
	case w.changes <- change:
		slog.Debug("watcher change", "target", change.Target, "change", change.Change)
	default:
		slog.Warn("watcher dropped change", "reason", "channel full", "path", path)
	}
}

// classify stats the path and derives the change kind, local metadata, and
// sync target. Events on the root or directly on an origin directory carry
// no origin-relative path and are dropped.
func (w *Watcher) classify(path string) (LocalChange, bool) {
	rel, err := filepath.Rel(w.rootDir, path)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return LocalChange{}, false
	}

	origin, relPath, found := strings.Cut(filepath.ToSlash(rel), "/")
	if !found || relPath == "" {
		return LocalChange{}, false
	}
	target := syncfs.NewTarget(origin, relPath)

	info, err := os.Stat(path)
	switch {
	case os.IsNotExist(err):
		return LocalChange{
			Change:    syncfs.FileChange{Kind: syncfs.ChangeDelete, Type: syncfs.TypeUnknown},
			LocalPath: path,
			Target:    target,
		}, true
	case err != nil:
		slog.Warn("watcher stat failed", "path", path, "error", err)
		return LocalChange{}, false
	case info.IsDir():
		return LocalChange{
			Change:    syncfs.FileChange{Kind: syncfs.ChangeAddOrUpdate, Type: syncfs.TypeDirectory},
			LocalPath: path,
			Metadata:  syncfs.FileMetadata{Type: syncfs.TypeDirectory, LastModified: info.ModTime()},
			Target:    target,
		}, true
	default:
		return LocalChange{
			Change:    syncfs.FileChange{Kind: syncfs.ChangeAddOrUpdate, Type: syncfs.TypeFile},
			LocalPath: path,
			Metadata: syncfs.FileMetadata{
				Type: syncfs.TypeFile, Size: info.Size(), LastModified: info.ModTime(),
			},
			Target: target,
		}, true
	}
}

func (w *Watcher) consumeIgnoreOnce(path string) bool {
	w.ignoreMu.Lock()
	defer w.ignoreMu.Unlock()

	expiry, exists := w.ignoreOnce[path]
	if !exists {
		return false
	}
	delete(w.ignoreOnce, path)
	return time.Now().Before(expiry)
}

func (w *Watcher) cleanupLoop(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case <-ticker.C:
			w.ignoreMu.Lock()
			now := time.Now()
			for path, expiry := range w.ignoreOnce {
				if now.After(expiry) {
					delete(w.ignoreOnce, path)
				}
			}
			w.ignoreMu.Unlock()
		}
	}
}
