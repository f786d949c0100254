package session

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"

	"chunkvault/internal/blob"
	"chunkvault/internal/chunkstore"
	"chunkvault/internal/digest"
	"chunkvault/internal/index"
	"chunkvault/internal/logging"
	"chunkvault/internal/shared"
	"chunkvault/internal/snapshot"
	"chunkvault/internal/vaulterr"

	lru "github.com/hashicorp/golang-lru/v2"
)

// defaultCacheSize bounds the restore session's digest-keyed chunk
// cache when the opened archives are too small for FindMostUsed to
// suggest a better figure.
const defaultCacheSize = 256

// RestoreSession reads back a sealed snapshot: it holds a shared lock on
// the snapshot directory for its lifetime and serves index and chunk
// reads, warming an LRU cache from each archive's most-referenced
// digests.
type RestoreSession struct {
	lock      *shared.DirLock
	root      string
	ref       snapshot.Ref
	store     *chunkstore.Store
	key       *blob.Key
	logger    *slog.Logger
	cache     *lru.Cache[digest.Digest, []byte]
	cacheSize int
	readers   map[string]*index.Reader
}

// OpenRestore acquires a shared lock on the snapshot and loads its
// manifest.
func OpenRestore(root string, ref snapshot.Ref, store *chunkstore.Store, key *blob.Key, logger *slog.Logger) (*RestoreSession, snapshot.Manifest, error) {
	lock, m, err := snapshot.Open(root, ref, key)
	if err != nil {
		return nil, snapshot.Manifest{}, err
	}

	cache, err := lru.New[digest.Digest, []byte](defaultCacheSize)
	if err != nil {
		lock.Close()
		return nil, snapshot.Manifest{}, vaulterr.New(vaulterr.Fatal, err)
	}

	r := &RestoreSession{
		lock:      lock,
		root:      root,
		ref:       ref,
		store:     store,
		key:       key,
		logger:    logging.Default(logger).With("component", "restore"),
		cache:     cache,
		cacheSize: defaultCacheSize,
		readers:   make(map[string]*index.Reader),
	}
	return r, m, nil
}

// Close releases the snapshot's shared lock.
func (r *RestoreSession) Close() error {
	return r.lock.Close()
}

// DownloadIndex opens (and caches) the named archive's index reader,
// resizing the chunk cache to fit the archive's most-referenced
// digests.
func (r *RestoreSession) DownloadIndex(name string) (*index.Reader, error) {
	if reader, ok := r.readers[name]; ok {
		return reader, nil
	}

	reader, err := index.OpenReader(filepath.Join(r.ref.Dir(r.root), name))
	if err != nil {
		return nil, err
	}
	r.readers[name] = reader

	if size := len(reader.FindMostUsed(4096)); size > r.cacheSize {
		r.cache.Resize(size)
		r.cacheSize = size
	}
	return reader, nil
}

// DownloadBlob reads back a non-index file stored alongside the
// snapshot's archives (the client log, an encryption-key hint),
// decoding its blob framing under the session's key.
func (r *RestoreSession) DownloadBlob(name string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(r.ref.Dir(r.root), name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, vaulterr.Newf(vaulterr.NotFound, "blob %s not found in snapshot", name)
		}
		return nil, vaulterr.New(vaulterr.Transient, err)
	}
	return blob.Decode(data, r.key)
}

// DownloadChunk returns a chunk's plaintext, serving from the LRU cache
// when present.
func (r *RestoreSession) DownloadChunk(ctx context.Context, d digest.Digest) ([]byte, error) {
	if data, ok := r.cache.Get(d); ok {
		return data, nil
	}
	data, err := r.store.Get(ctx, d)
	if err != nil {
		return nil, err
	}
	r.cache.Add(d, data)
	return data, nil
}

// WarmFromMostUsed primes the cache with an archive's top-k
// most-referenced chunks ahead of sequential reads.
func (r *RestoreSession) WarmFromMostUsed(ctx context.Context, reader *index.Reader, k int) {
	for _, d := range reader.FindMostUsed(k) {
		if _, ok := r.cache.Get(d); ok {
			continue
		}
		if data, err := r.store.Get(ctx, d); err == nil {
			r.cache.Add(d, data)
		}
	}
}
