package storage

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalStorage(t *testing.T) {
	ctx := context.Background()
	s, err := NewLocalStorage(LocalConfig{BasePath: t.TempDir()})
	require.NoError(t, err)

	require.NoError(t, s.Write(ctx, "shows/a.ivf", strings.NewReader("video"), 5))
	require.NoError(t, s.Write(ctx, "shows/a.ogg", strings.NewReader("audio"), -1))
	require.NoError(t, s.Write(ctx, "other/b.ivf", strings.NewReader("b"), 1))

	ok, err := s.Exists(ctx, "shows/a.ivf")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.Exists(ctx, "shows/missing.ivf")
	require.NoError(t, err)
	assert.False(t, ok)

	r, err := s.Read(ctx, "shows/a.ivf")
	require.NoError(t, err)
	data, err := io.ReadAll(r)
	require.NoError(t, r.Close())
	require.NoError(t, err)
	assert.Equal(t, "video", string(data))

	_, err = s.Read(ctx, "shows/missing.ivf")
	assert.ErrorIs(t, err, ErrNotFound)

	files, err := s.List(ctx, "shows/")
	require.NoError(t, err)
	keys := make([]string, 0, len(files))
	for _, f := range files {
		keys = append(keys, f.Key)
	}
	assert.ElementsMatch(t, []string{"shows/a.ivf", "shows/a.ogg"}, keys)
}

func TestNewSelectsBackend(t *testing.T) {
	s, err := New(context.Background(), Config{Type: TypeNone})
	require.NoError(t, err)
	assert.Nil(t, s)

	s, err = New(context.Background(), Config{Type: TypeLocal, Local: LocalConfig{BasePath: t.TempDir()}})
	require.NoError(t, err)
	assert.IsType(t, &LocalStorage{}, s)

	_, err = New(context.Background(), Config{Type: "gcs"})
	assert.Error(t, err)

	_, err = New(context.Background(), Config{Type: TypeS3})
	assert.Error(t, err)
}
