package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/weiawesome/wes-io-live/broadcast-service/pkg/log"
	"github.com/weiawesome/wes-io-live/broadcast-service/pkg/storage"
)

const storageScheme = "storage://"

var ErrStorageDisabled = errors.New("clip storage is not configured")

// ClipFetcher resolves storage:// uris into local file:// uris by copying
// the object, and its .ogg audio companion when one exists, into cacheDir.
// A key ending in "/" resolves to every clip under that prefix in key order.
type ClipFetcher struct {
	store    storage.Storage
	cacheDir string

	mu sync.Mutex
}

func NewClipFetcher(store storage.Storage, cacheDir string) *ClipFetcher {
	return &ClipFetcher{store: store, cacheDir: cacheDir}
}

// Resolve returns the uris to append for uri. Non-storage uris are returned
// unchanged.
func (f *ClipFetcher) Resolve(ctx context.Context, uri string) ([]string, error) {
	if !strings.HasPrefix(uri, storageScheme) {
		return []string{uri}, nil
	}
	if f == nil || f.store == nil {
		return nil, ErrStorageDisabled
	}

	key := strings.TrimPrefix(uri, storageScheme)
	if key == "" {
		return nil, fmt.Errorf("empty storage key in %q", uri)
	}

	keys := []string{key}
	if strings.HasSuffix(key, "/") {
		files, err := f.store.List(ctx, key)
		if err != nil {
			return nil, err
		}
		keys = keys[:0]
		for _, file := range files {
			if isClip(file.Key) {
				keys = append(keys, file.Key)
			}
		}
		sort.Strings(keys)
		if len(keys) == 0 {
			return nil, fmt.Errorf("no clips under %q", uri)
		}
	}

	uris := make([]string, 0, len(keys))
	for _, k := range keys {
		local, err := f.fetch(ctx, k)
		if err != nil {
			return nil, err
		}
		uris = append(uris, "file://"+local)
	}
	return uris, nil
}

func (f *ClipFetcher) fetch(ctx context.Context, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	l := log.Ctx(ctx)

	local, err := f.download(ctx, key)
	if err != nil {
		return "", err
	}

	audioKey := strings.TrimSuffix(key, path.Ext(key)) + ".ogg"
	ok, err := f.store.Exists(ctx, audioKey)
	switch {
	case err != nil:
		l.Warn().Err(err).Str("key", audioKey).Msg("failed to check audio companion")
	case ok:
		if _, err := f.download(ctx, audioKey); err != nil {
			l.Warn().Err(err).Str("key", audioKey).Msg("failed to fetch audio companion")
		}
	}

	return local, nil
}

// download copies key into the cache unless a non-empty copy is already there.
func (f *ClipFetcher) download(ctx context.Context, key string) (string, error) {
	dst := filepath.Join(f.cacheDir, filepath.FromSlash(path.Clean("/"+key)))
	if info, err := os.Stat(dst); err == nil && info.Size() > 0 {
		return dst, nil
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", fmt.Errorf("failed to create cache directory: %w", err)
	}

	r, err := f.store.Read(ctx, key)
	if err != nil {
		return "", err
	}
	defer r.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), filepath.Base(dst)+".*.part")
	if err != nil {
		return "", fmt.Errorf("failed to create cache file: %w", err)
	}
	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to fetch %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}

	l := log.Ctx(ctx)
	l.Debug().Str("key", key).Str("path", dst).Msg("clip fetched from storage")
	return dst, nil
}
