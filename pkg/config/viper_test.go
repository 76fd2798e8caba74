package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadWithoutFile(t *testing.T) {
	v, err := Load(t.TempDir(), "missing")
	require.NoError(t, err)
	assert.NotNil(t, v)
}

func TestLoadReadsYAML(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "service.yaml"), []byte("server:\n  port: 9000\n"), 0o644))

	v, err := Load(dir, "service")
	require.NoError(t, err)
	assert.Equal(t, 9000, v.GetInt("server.port"))
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("BROADCAST_TEST_KEY=from-file\n"), 0o644))
	t.Cleanup(func() { os.Unsetenv("BROADCAST_TEST_KEY") })

	require.NoError(t, LoadDotEnv(filepath.Join(dir, "absent.env"), path))
	assert.Equal(t, "from-file", os.Getenv("BROADCAST_TEST_KEY"))
	assert.Equal(t, "from-file", GetEnv("BROADCAST_TEST_KEY", "default"))
	assert.Equal(t, "default", GetEnv("BROADCAST_TEST_UNSET", "default"))
}

func TestBindFlags(t *testing.T) {
	v, err := Load(t.TempDir(), "missing")
	require.NoError(t, err)
	v.SetDefault("server.port", 8080)

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.Int("port", 1234, "")
	require.NoError(t, BindFlags(v, fs, map[string]string{"port": "server.port"}))
	assert.Equal(t, 8080, v.GetInt("server.port"), "unset flag must not override")

	require.NoError(t, fs.Parse([]string{"--port", "9999"}))
	require.NoError(t, BindFlags(v, fs, map[string]string{"port": "server.port"}))
	assert.Equal(t, 9999, v.GetInt("server.port"))

	assert.Error(t, BindFlags(v, fs, map[string]string{"nope": "x"}))
}
