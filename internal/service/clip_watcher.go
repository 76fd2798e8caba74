package service

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/weiawesome/wes-io-live/broadcast-service/pkg/log"
)

const clipExtension = ".ivf"

// ClipSink receives the uri of every new clip.
type ClipSink func(ctx context.Context, uri string) error

// ClipWatcher appends clips dropped into a directory to the timeline.
type ClipWatcher struct {
	dir          string
	sink         ClipSink
	settleDelay  time.Duration
	pollInterval time.Duration

	mu    sync.Mutex
	known map[string]bool
}

// NewClipWatcher creates a watcher for dir.
func NewClipWatcher(dir string, sink ClipSink) *ClipWatcher {
	return &ClipWatcher{
		dir:          dir,
		sink:         sink,
		settleDelay:  50 * time.Millisecond,
		pollInterval: 500 * time.Millisecond,
		known:        make(map[string]bool),
	}
}

// Run scans the directory once, then adds clips as they appear until ctx is
// done. Existing clips are added in name order.
func (w *ClipWatcher) Run(ctx context.Context) error {
	dir, err := filepath.Abs(w.dir)
	if err != nil {
		return fmt.Errorf("failed to resolve watch dir: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create watch dir: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch directory %s: %w", dir, err)
	}

	l := log.L().With().Str("watch_dir", dir).Logger()
	l.Info().Msg("watching for clips")

	w.scan(ctx, dir)

	// Polling backs up fsnotify for files still being written when their
	// last event fired.
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) != 0 && isClip(event.Name) {
				w.add(ctx, event.Name)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			l.Warn().Err(err).Msg("clip watcher error")
		case <-ticker.C:
			w.scan(ctx, dir)
		}
	}
}

// Known returns the paths added so far.
func (w *ClipWatcher) Known() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, 0, len(w.known))
	for p := range w.known {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func (w *ClipWatcher) scan(ctx context.Context, dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	// ReadDir returns entries sorted by filename.
	for _, e := range entries {
		if e.IsDir() || !isClip(e.Name()) {
			continue
		}
		w.add(ctx, filepath.Join(dir, e.Name()))
	}
}

func (w *ClipWatcher) add(ctx context.Context, path string) {
	w.mu.Lock()
	if w.known[path] {
		w.mu.Unlock()
		return
	}
	w.mu.Unlock()

	if !w.isComplete(path) {
		return
	}

	w.mu.Lock()
	if w.known[path] {
		w.mu.Unlock()
		return
	}
	w.known[path] = true
	w.mu.Unlock()

	uri := (&url.URL{Scheme: "file", Path: path}).String()
	l := log.L().With().Str(log.FieldClipURI, uri).Logger()
	if err := w.sink(ctx, uri); err != nil {
		l.Error().Err(err).Msg("failed to add watched clip")
		return
	}
	l.Info().Msg("new clip detected")
}

// isComplete checks if a clip file is complete (not being written).
func (w *ClipWatcher) isComplete(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.Size() == 0 {
		return false
	}

	time.Sleep(w.settleDelay)

	info2, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.Size() == info2.Size()
}

func isClip(name string) bool {
	return strings.EqualFold(filepath.Ext(name), clipExtension)
}
