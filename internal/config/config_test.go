package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewResolvesWorkDir(t *testing.T) {
	dir := t.TempDir()

	cfg, err := New("key-1", dir, DefaultServerURL, false)
	require.NoError(t, err)
	require.Equal(t, "key-1", cfg.APIKey)
	require.True(t, filepath.IsAbs(cfg.WorkDir))
	require.Equal(t, DefaultServerURL, cfg.ServerURL)
	require.False(t, cfg.NewSession)
}

func TestNewRequiresKey(t *testing.T) {
	_, err := New("", t.TempDir(), DefaultServerURL, false)
	require.Error(t, err)
}

func TestNewRejectsMissingDir(t *testing.T) {
	_, err := New("k", filepath.Join(t.TempDir(), "nope"), DefaultServerURL, false)
	require.Error(t, err)
}

func TestNewRejectsFileAsDir(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "f.txt")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0644))

	_, err := New("k", file, DefaultServerURL, false)
	require.Error(t, err)
}
