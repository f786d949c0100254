// Package chunkstore implements the content-addressed, insert-once chunk
// pool backing a datastore.
//
// Chunks live under <root>/.chunks/<hhhh>/<hex-digest>, sharded by the
// first four hex characters of the digest into 65536 directories, each
// created on first insert. Inserts are atomic: a chunk is written to a temp file
// in its shard directory, fsynced, then renamed into place; a rename
// racing another writer for the same digest is harmless because both
// writers produce byte-identical content.
package chunkstore

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"chunkvault/internal/blob"
	"chunkvault/internal/digest"
	"chunkvault/internal/logging"
	"chunkvault/internal/shared"
	"chunkvault/internal/vaulterr"
)

const chunksDirName = ".chunks"

// Store is a content-addressed chunk pool rooted at a single directory.
type Store struct {
	root      string
	lock      *shared.DirLock
	key       *blob.Key
	cryptMode string
	logger    *slog.Logger
}

// Config configures Open.
type Config struct {
	// Root is the datastore root directory; chunks live under
	// Root/.chunks.
	Root string

	// Key, when non-nil, is used to encrypt newly inserted chunks and
	// decrypt chunks read back out.
	Key *blob.Key

	// CryptMode records the datastore's configured crypt-mode string
	// ("none", "authenticated", or "encrypted", mirroring
	// config.EncryptionMode) for callers that need to stamp it onto a
	// manifest FileEntry without importing the config package here. When
	// empty, it is inferred from Key (nil -> "none", non-nil ->
	// "encrypted").
	CryptMode string

	Logger *slog.Logger
}

// Open prepares the chunk store at cfg.Root, creating the .chunks
// directory if it does not yet exist, and acquires a shared lock on it.
// GC takes its own exclusive lock on the datastore root for a whole run
// (see shared.OpenExclusiveDirLock); that is a different lock file from
// this one, so a GC run does not block Open and open stores do not block
// GC. No code path takes this store lock exclusively.
func Open(cfg Config) (*Store, error) {
	logger := logging.Default(cfg.Logger).With("component", "chunkstore")

	chunksDir := filepath.Join(cfg.Root, chunksDirName)
	if err := os.MkdirAll(chunksDir, 0755); err != nil {
		return nil, vaulterr.New(vaulterr.Fatal, fmt.Errorf("create chunks dir: %w", err))
	}

	lock, err := shared.OpenDirLock(chunksDir)
	if err != nil {
		return nil, vaulterr.New(vaulterr.Fatal, err)
	}

	cryptMode := cfg.CryptMode
	if cryptMode == "" {
		cryptMode = "none"
		if cfg.Key != nil {
			cryptMode = "encrypted"
		}
	}

	s := &Store{root: cfg.Root, lock: lock, key: cfg.Key, cryptMode: cryptMode, logger: logger}
	logger.Info("chunk store opened", "root", cfg.Root)
	return s, nil
}

// CryptMode reports the datastore's crypt-mode string, as recorded in a
// snapshot manifest's FileEntry.CryptMode.
func (s *Store) CryptMode() string {
	return s.cryptMode
}

// Close releases the store's lock handle.
func (s *Store) Close() error {
	return s.lock.Close()
}

// shardDir ensures and returns the shard directory for d, creating it
// lazily on first insert rather than eagerly enumerating all 65536
// shards up front (cheaper for small datastores, equivalent steady
// state).
func (s *Store) shardDir(d digest.Digest) (string, error) {
	dir := filepath.Join(s.root, chunksDirName, d.ShardPrefix())
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	return dir, nil
}

func (s *Store) path(d digest.Digest) string {
	return filepath.Join(s.root, chunksDirName, d.ShardPrefix(), d.String())
}

// Exists reports whether a chunk with digest d is already stored.
func (s *Store) Exists(ctx context.Context, d digest.Digest) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, vaulterr.New(vaulterr.Cancelled, err)
	}
	_, err := os.Stat(s.path(d))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, vaulterr.New(vaulterr.Transient, err)
}

// Insert stores plaintext under its content digest, framing it as a
// chunk blob (optionally compressed and/or encrypted per the store's
// key). Insert is idempotent: inserting the same digest twice succeeds
// and the second write is a no-op once the first is durable. A
// duplicate hit still touches the chunk's atime, since a dedup against
// an existing chunk is itself a fresh reference a concurrent GC's mark
// phase must see.
func (s *Store) Insert(ctx context.Context, d digest.Digest, plaintext []byte, compress bool) error {
	if err := ctx.Err(); err != nil {
		return vaulterr.New(vaulterr.Cancelled, err)
	}

	exists, err := s.Exists(ctx, d)
	if err != nil {
		return err
	}
	if exists {
		return s.Touch(ctx, d, time.Now())
	}

	framed, err := blob.Encode(blob.KindChunk, plaintext, compress, s.key)
	if err != nil {
		return err
	}

	dir, err := s.shardDir(d)
	if err != nil {
		return vaulterr.New(vaulterr.Transient, err)
	}

	tmp, err := os.CreateTemp(dir, d.String()+".tmp-*")
	if err != nil {
		return vaulterr.New(vaulterr.Transient, err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once renamed

	if _, err := tmp.Write(framed); err != nil {
		tmp.Close()
		return vaulterr.New(vaulterr.Transient, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return vaulterr.New(vaulterr.Transient, err)
	}
	if err := tmp.Close(); err != nil {
		return vaulterr.New(vaulterr.Transient, err)
	}

	finalPath := filepath.Join(dir, d.String())
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return vaulterr.New(vaulterr.Transient, err)
	}
	return nil
}

// Get reads back and decodes the chunk stored under digest d.
func (s *Store) Get(ctx context.Context, d digest.Digest) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, vaulterr.New(vaulterr.Cancelled, err)
	}

	data, err := os.ReadFile(s.path(d))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, vaulterr.Newf(vaulterr.NotFound, "chunk %s not found", d)
		}
		return nil, vaulterr.New(vaulterr.Transient, err)
	}

	plaintext, err := blob.Decode(data, s.key)
	if err != nil {
		return nil, err
	}
	return plaintext, nil
}

// Touch updates the chunk's atime to now, marking it live for the
// purposes of GC's mark/sweep cutoff.
func (s *Store) Touch(ctx context.Context, d digest.Digest, now time.Time) error {
	if err := ctx.Err(); err != nil {
		return vaulterr.New(vaulterr.Cancelled, err)
	}
	path := s.path(d)
	if err := os.Chtimes(path, now, now); err != nil {
		if os.IsNotExist(err) {
			return vaulterr.Newf(vaulterr.NotFound, "chunk %s not found", d)
		}
		return vaulterr.New(vaulterr.Transient, err)
	}
	return nil
}

// AccessTime returns the last atime recorded for digest d, used by GC's
// mark/sweep cutoff comparison.
func (s *Store) AccessTime(ctx context.Context, d digest.Digest) (time.Time, error) {
	if err := ctx.Err(); err != nil {
		return time.Time{}, vaulterr.New(vaulterr.Cancelled, err)
	}
	info, err := os.Stat(s.path(d))
	if err != nil {
		if os.IsNotExist(err) {
			return time.Time{}, vaulterr.Newf(vaulterr.NotFound, "chunk %s not found", d)
		}
		return time.Time{}, vaulterr.New(vaulterr.Transient, err)
	}
	return atimeOf(info), nil
}

// Stat reports a chunk's on-disk size and access time in one syscall,
// used by GC's sweep phase to accumulate disk usage while evaluating the
// safety-margin cutoff.
func (s *Store) Stat(ctx context.Context, d digest.Digest) (size int64, atime time.Time, err error) {
	if err := ctx.Err(); err != nil {
		return 0, time.Time{}, vaulterr.New(vaulterr.Cancelled, err)
	}
	info, err := os.Stat(s.path(d))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, time.Time{}, vaulterr.Newf(vaulterr.NotFound, "chunk %s not found", d)
		}
		return 0, time.Time{}, vaulterr.New(vaulterr.Transient, err)
	}
	return info.Size(), atimeOf(info), nil
}

// Remove deletes the chunk stored under digest d. Used by GC's sweep
// phase, which holds the datastore-level GC lock rather than this
// store's lock.
func (s *Store) Remove(ctx context.Context, d digest.Digest) error {
	if err := ctx.Err(); err != nil {
		return vaulterr.New(vaulterr.Cancelled, err)
	}
	if err := os.Remove(s.path(d)); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return vaulterr.New(vaulterr.Transient, err)
	}
	return nil
}

// Walk invokes fn once per chunk digest currently in the store. It is
// used by GC's sweep phase and by vaultctl's chunks list.
func (s *Store) Walk(ctx context.Context, fn func(digest.Digest) error) error {
	chunksDir := filepath.Join(s.root, chunksDirName)
	entries, err := os.ReadDir(chunksDir)
	if err != nil {
		return vaulterr.New(vaulterr.Transient, err)
	}
	for _, shard := range entries {
		if !shard.IsDir() {
			continue
		}
		shardPath := filepath.Join(chunksDir, shard.Name())
		files, err := os.ReadDir(shardPath)
		if err != nil {
			return vaulterr.New(vaulterr.Transient, err)
		}
		for _, f := range files {
			if f.IsDir() {
				continue
			}
			if err := ctx.Err(); err != nil {
				return vaulterr.New(vaulterr.Cancelled, err)
			}
			d, ok := digest.Parse(f.Name())
			if !ok {
				continue // orphaned temp file or foreign entry
			}
			if err := fn(d); err != nil {
				return err
			}
		}
	}
	return nil
}

// RawReader opens the framed (not decoded) bytes for digest d, for the
// verify engine, which checks the CRC and decodes the framing itself.
func (s *Store) RawReader(d digest.Digest) (io.ReadCloser, error) {
	f, err := os.Open(s.path(d))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, vaulterr.Newf(vaulterr.NotFound, "chunk %s not found", d)
		}
		return nil, vaulterr.New(vaulterr.Transient, err)
	}
	return f, nil
}
