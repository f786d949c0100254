package config

import "context"

func intPtr(v int) *int { return &v }

// DefaultConfig returns the bootstrap configuration for first-run: a
// single unencrypted datastore at the given root, with a root namespace
// that keeps the 7 most recent snapshots and nothing else.
func DefaultConfig(rootPath string) *Config {
	return &Config{
		Datastores: []DatastoreConfig{
			{
				ID:                 "default",
				RootPath:           rootPath,
				Encryption:         EncryptionConfig{Mode: EncryptionNone},
				CompressionDefault: "zstd",
				Namespaces: []NamespaceConfig{
					{Path: "", Keep: KeepOptions{Last: intPtr(7)}},
				},
			},
		},
	}
}

// Bootstrap writes the default configuration to a store. Call this when
// Load returns nil (no config exists yet).
func Bootstrap(ctx context.Context, store Store, rootPath string) error {
	return store.Save(ctx, DefaultConfig(rootPath))
}
