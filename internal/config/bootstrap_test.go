package config_test

import (
	"context"
	"path/filepath"
	"testing"

	"chunkvault/internal/config"
	"chunkvault/internal/config/file"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := config.DefaultConfig("/srv/vault")
	require.Len(t, cfg.Datastores, 1)
	ds := cfg.Datastores[0]
	require.Equal(t, "default", ds.ID)
	require.Equal(t, "/srv/vault", ds.RootPath)
	require.Equal(t, config.EncryptionNone, ds.Encryption.Mode)
	require.Len(t, ds.Namespaces, 1)
	require.NotNil(t, ds.Namespaces[0].Keep.Last)
	require.Equal(t, 7, *ds.Namespaces[0].Keep.Last)
}

func TestBootstrapPersistsDefaultConfig(t *testing.T) {
	ctx := context.Background()
	store := file.NewStore(filepath.Join(t.TempDir(), "config.json"))

	existing, err := store.Load(ctx)
	require.NoError(t, err)
	require.Nil(t, existing)

	require.NoError(t, config.Bootstrap(ctx, store, "/srv/vault"))

	cfg, err := store.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, config.DefaultConfig("/srv/vault"), cfg)
}
