// Package config provides configuration persistence for datastores and
// namespaces.
//
// Store persists and reloads the desired system configuration across
// restarts. This is control-plane state: it describes which datastores
// exist, where they live, and how they are retained. It does not perform
// chunk I/O, pruning, or garbage collection itself.
//
// Store does not:
//   - Inspect chunks or manifests
//   - Run prune or GC passes
//   - Hot-reload on its own; callers that want live updates watch the
//     config file with a Watcher (see watch.go), which bumps a shared
//     generation counter
package config

import "context"

// Store persists and loads datastore configuration.
//
// Config changes are not applied automatically: a running process
// only observes a new Config after an explicit Load (or a Watcher-signalled
// generation bump, see watch.go). Store is not on the chunk read/write hot
// path; persistence must never block a backup or restore session.
type Store interface {
	// Load reads the configuration. Returns nil config if none exists.
	Load(ctx context.Context) (*Config, error)

	// Save persists the configuration.
	Save(ctx context.Context, cfg *Config) error
}

// Config describes the desired system shape. It is declarative: it
// defines what datastores should exist, not how to create them.
type Config struct {
	Datastores []DatastoreConfig
}

// DatastoreConfig describes a single datastore root.
type DatastoreConfig struct {
	// ID is a unique identifier for this datastore.
	ID string

	// RootPath is the filesystem path containing .chunks/ and the
	// namespace/group/snapshot tree.
	RootPath string

	// Encryption selects whether chunks and the manifest are encrypted.
	Encryption EncryptionConfig

	// CompressionDefault is the compression applied to newly written
	// chunks when the caller does not override it ("zstd" or "none").
	CompressionDefault string

	// Namespaces lists the namespaces configured under this datastore,
	// each with its own retention policy.
	Namespaces []NamespaceConfig
}

// EncryptionMode selects the blob encryption variant for a datastore.
type EncryptionMode string

const (
	EncryptionNone          EncryptionMode = "none"
	EncryptionAuthenticated EncryptionMode = "authenticated"
	EncryptionEncrypted     EncryptionMode = "encrypted"
)

// EncryptionConfig describes how a datastore's blobs are protected.
type EncryptionConfig struct {
	Mode EncryptionMode

	// KeyFile points at the key material used to derive the encryption
	// key and, via PBKDF2, the id_key used for chunk digests. Empty when
	// Mode is EncryptionNone.
	KeyFile string
}

// NamespaceConfig describes one namespace's retention policy.
type NamespaceConfig struct {
	// Path is the namespace path, e.g. "" for the root namespace or
	// "team-a/ci" for a nested one.
	Path string

	// Keep is the retention policy applied by the prune engine.
	Keep KeepOptions
}

// KeepOptions mirrors the prune engine's retention knobs so that config
// persistence does not need to import the prune package. Each field
// counts how many of that bucket to retain; a nil pointer means the
// pass is skipped entirely (not "keep zero").
type KeepOptions struct {
	Last    *int
	Hourly  *int
	Daily   *int
	Weekly  *int
	Monthly *int
	Yearly  *int
}
