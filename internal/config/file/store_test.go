package file

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"chunkvault/internal/config"

	"github.com/stretchr/testify/require"
)

func newTestStore(dir string) *Store {
	return NewStore(filepath.Join(dir, "config.json"))
}

func TestLoadMissingReturnsNil(t *testing.T) {
	s := newTestStore(t.TempDir())
	cfg, err := s.Load(context.Background())
	require.NoError(t, err)
	require.Nil(t, cfg)
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	s := newTestStore(t.TempDir())
	ctx := context.Background()

	last := 7
	cfg := &config.Config{
		Datastores: []config.DatastoreConfig{
			{
				ID:                 "default",
				RootPath:           "/srv/vault",
				Encryption:         config.EncryptionConfig{Mode: config.EncryptionNone},
				CompressionDefault: "zstd",
				Namespaces: []config.NamespaceConfig{
					{Path: "", Keep: config.KeepOptions{Last: &last}},
				},
			},
		},
	}

	require.NoError(t, s.Save(ctx, cfg))

	got, err := s.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, cfg, got)
}

func TestStoreCreatesDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "subdir", "nested")
	configPath := filepath.Join(dir, "config.json")

	s := NewStore(configPath)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, &config.Config{}))

	_, err := os.Stat(configPath)
	require.NoError(t, err)
}

func TestSaveOverwritesPreviousConfig(t *testing.T) {
	s := newTestStore(t.TempDir())
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, &config.Config{Datastores: []config.DatastoreConfig{{ID: "a"}}}))
	require.NoError(t, s.Save(ctx, &config.Config{Datastores: []config.DatastoreConfig{{ID: "b"}}}))

	got, err := s.Load(ctx)
	require.NoError(t, err)
	require.Len(t, got.Datastores, 1)
	require.Equal(t, "b", got.Datastores[0].ID)
}

func TestLoadRejectsFutureVersion(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"version": 99, "config": {}}`), 0644))

	s := NewStore(path)
	_, err := s.Load(context.Background())
	require.Error(t, err)
}
