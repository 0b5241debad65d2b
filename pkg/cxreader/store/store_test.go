package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cxadc-tools/cxcapture/pkg/cxconfig"
)

func TestFileStore_Load_MissingFileReturnsDefault(t *testing.T) {
	s := NewFileStore(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	cfg, err := s.Load()
	require.NoError(t, err)
	require.Equal(t, cxconfig.Default(), cfg)
}

func TestFileStore_SaveThenLoad_RoundTrips(t *testing.T) {
	s := NewFileStore(filepath.Join(t.TempDir(), "cxadc0.yaml"))

	cfg := cxconfig.Default()
	cfg.Vmux = 1
	cfg.Level = 20
	require.NoError(t, s.Save(cfg))

	got, err := s.Load()
	require.NoError(t, err)
	require.Equal(t, cfg, got)
}

func TestFileStore_Load_MissingKeyUsesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "partial.yaml")
	require.NoError(t, os.WriteFile(path, []byte("vmux: 3\n"), 0o644))

	s := NewFileStore(path)
	cfg, err := s.Load()
	require.NoError(t, err)
	require.EqualValues(t, 3, cfg.Vmux)
	require.EqualValues(t, cxconfig.Default().Level, cfg.Level)
}

func TestMemoryStore_StartsAtDefault(t *testing.T) {
	s := NewMemoryStore()
	cfg, err := s.Load()
	require.NoError(t, err)
	require.Equal(t, cxconfig.Default(), cfg)
}
