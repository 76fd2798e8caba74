package service

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type uriCollector struct {
	mu   sync.Mutex
	uris []string
	err  error
}

func (c *uriCollector) add(ctx context.Context, uri string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.uris = append(c.uris, uri)
	return c.err
}

func (c *uriCollector) list() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.uris...)
}

func startWatcher(t *testing.T, w *ClipWatcher) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})
}

func TestClipWatcherInitialScanAndNewFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.ivf"), []byte("clip"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.ivf"), []byte("clip"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("skip"), 0o644))

	c := &uriCollector{}
	w := NewClipWatcher(dir, c.add)
	w.settleDelay = time.Millisecond
	startWatcher(t, w)

	require.Eventually(t, func() bool { return len(c.list()) == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{
		"file://" + filepath.Join(dir, "a.ivf"),
		"file://" + filepath.Join(dir, "b.ivf"),
	}, c.list())

	require.NoError(t, os.WriteFile(filepath.Join(dir, "c.IVF"), []byte("clip"), 0o644))
	require.Eventually(t, func() bool { return len(c.list()) == 3 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "file://"+filepath.Join(dir, "c.IVF"), c.list()[2])

	// Rewriting a known clip does not add it again.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.ivf"), []byte("clip clip"), 0o644))
	time.Sleep(100 * time.Millisecond)
	assert.Len(t, c.list(), 3)
	assert.Len(t, w.Known(), 3)
}

func TestClipWatcherSkipsEmptyFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "late.ivf")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	c := &uriCollector{}
	w := NewClipWatcher(dir, c.add)
	w.settleDelay = time.Millisecond
	w.pollInterval = 20 * time.Millisecond
	startWatcher(t, w)

	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, c.list())

	require.NoError(t, os.WriteFile(path, []byte("now complete"), 0o644))
	require.Eventually(t, func() bool { return len(c.list()) == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestClipWatcherSinkErrorIsLogged(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.ivf"), []byte("clip"), 0o644))

	c := &uriCollector{err: errors.New("queue closed")}
	w := NewClipWatcher(dir, c.add)
	w.settleDelay = time.Millisecond
	startWatcher(t, w)

	require.Eventually(t, func() bool { return len(c.list()) == 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, c.list(), 1)
}

func TestClipWatcherCreatesMissingDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "incoming")
	c := &uriCollector{}
	w := NewClipWatcher(dir, c.add)
	startWatcher(t, w)

	require.Eventually(t, func() bool {
		_, err := os.Stat(dir)
		return err == nil
	}, time.Second, 10*time.Millisecond)
}
