// Package gc implements the datastore garbage collector: a mark phase
// that touches every chunk referenced by a live snapshot, and a sweep
// phase that removes chunks whose access time is older than a safety
// margin past the mark phase.
package gc

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"chunkvault/internal/blob"
	"chunkvault/internal/chunkstore"
	"chunkvault/internal/digest"
	"chunkvault/internal/index"
	"chunkvault/internal/logging"
	"chunkvault/internal/shared"
	"chunkvault/internal/snapshot"
	"chunkvault/internal/vaulterr"

	"golang.org/x/sync/errgroup"
)

// DefaultSafetyMargin bounds the race between a sweep reading a chunk's
// access time and a concurrent backup session that has just decided
// (via known_chunks) to skip re-uploading it without yet having called
// touch. It must exceed the mark phase's wall-clock time plus the
// longest permitted in-flight session; 24h comfortably covers both for
// the sessions this system is built around.
const DefaultSafetyMargin = 24 * time.Hour

// markWorkers bounds the number of snapshots processed concurrently
// during the mark phase.
const markWorkers = 8

// Report summarizes one GC pass.
type Report struct {
	RemovedChunks   int
	RemovedBytes    int64
	StillBad        int
	DiskBytes       int64
	IndexDataBytes  int64
	RemovedPartials int
}

// Config configures a GC pass over one datastore.
type Config struct {
	Root         string
	Store        *chunkstore.Store
	SafetyMargin time.Duration
	Logger       *slog.Logger

	// Key decrypts snapshot manifests during the mark phase. It must
	// match the key the datastore's snapshots were sealed with
	// (config.EncryptionConfig); nil only for EncryptionNone datastores.
	Key *blob.Key
}

// Run performs mark-then-sweep, serialized datastore-wide by an
// exclusive lock file under Root.
func Run(ctx context.Context, cfg Config) (Report, error) {
	margin := cfg.SafetyMargin
	if margin <= 0 {
		margin = DefaultSafetyMargin
	}
	logger := logging.Default(cfg.Logger).With("component", "gc")

	lock, err := shared.OpenExclusiveDirLock(cfg.Root)
	if err != nil {
		return Report{}, vaulterr.New(vaulterr.Conflict, err)
	}
	defer lock.Close()

	markStart := time.Now()

	indexBytes, err := mark(ctx, cfg.Root, cfg.Store, cfg.Key, logger)
	if err != nil {
		return Report{}, err
	}

	cutoff := markStart.Add(-margin)
	report, err := sweep(ctx, cfg.Store, cutoff, logger)
	if err != nil {
		return report, err
	}
	report.IndexDataBytes = indexBytes

	partials, err := sweepPartials(ctx, cfg.Root, cutoff, logger)
	if err != nil {
		return report, err
	}
	report.RemovedPartials = partials

	logger.Info("gc complete", "removed_chunks", report.RemovedChunks, "removed_bytes", report.RemovedBytes, "removed_partials", report.RemovedPartials)
	return report, nil
}

// touchSet remembers which digests the mark phase has already touched
// this pass, so a chunk referenced by thousands of deduplicated indexes
// gets one Chtimes call instead of thousands.
type touchSet struct {
	mu   sync.Mutex
	seen map[digest.Digest]struct{}
}

// claim reports whether the caller is the first to mark d this pass.
func (t *touchSet) claim(d digest.Digest) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.seen[d]; ok {
		return false
	}
	t.seen[d] = struct{}{}
	return true
}

func mark(ctx context.Context, root string, store *chunkstore.Store, key *blob.Key, logger *slog.Logger) (int64, error) {
	groups, err := snapshot.Groups(root)
	if err != nil {
		return 0, err
	}

	touched := &touchSet{seen: make(map[digest.Digest]struct{})}
	var indexBytes int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(markWorkers)

	for _, group := range groups {
		group := group
		g.Go(func() error {
			times, err := snapshot.List(root, group)
			if err != nil {
				return err
			}
			for _, t := range times {
				if err := gctx.Err(); err != nil {
					return err
				}
				n, err := markSnapshot(gctx, root, snapshot.Ref{Group: group, Time: t}, store, key, touched)
				if err != nil {
					logger.Warn("mark: skipping unreadable snapshot", "group", group.ID, "time", t, "error", err)
					continue
				}
				atomic.AddInt64(&indexBytes, n)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return 0, err
	}
	return indexBytes, nil
}

func markSnapshot(ctx context.Context, root string, ref snapshot.Ref, store *chunkstore.Store, key *blob.Key, touched *touchSet) (int64, error) {
	lock, m, err := snapshot.Open(root, ref, key)
	if err != nil {
		return 0, err
	}
	defer lock.Close()

	var indexBytes int64
	now := time.Now()
	for _, f := range m.Files {
		path := filepath.Join(ref.Dir(root), f.Name)
		if info, err := indexFileSize(path); err == nil {
			indexBytes += info
		}
		r, err := index.OpenReader(path)
		if err != nil {
			continue
		}
		for i := 0; i < r.Len(); i++ {
			if err := ctx.Err(); err != nil {
				return indexBytes, err
			}
			d, err := r.DigestAt(i)
			if err != nil {
				continue
			}
			if !touched.claim(d) {
				continue
			}
			_ = store.Touch(ctx, d, now)
		}
	}
	return indexBytes, nil
}

// sweepPartials removes `.tmp` snapshot directories abandoned by crashed
// or disconnected sessions, once they are older than the same cutoff
// that governs chunk sweeping: a `.tmp` directory younger than the
// cutoff may still belong to an in-flight session.
func sweepPartials(ctx context.Context, root string, cutoff time.Time, logger *slog.Logger) (int, error) {
	var removed int
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		if !info.IsDir() {
			return nil
		}
		name := filepath.Base(path)
		if name == ".chunks" {
			return filepath.SkipDir
		}
		if !strings.HasSuffix(name, ".tmp") {
			return nil
		}
		if info.ModTime().After(cutoff) {
			return filepath.SkipDir
		}
		if rerr := os.RemoveAll(path); rerr != nil {
			logger.Warn("sweep: failed to remove partial snapshot", "path", path, "error", rerr)
			return filepath.SkipDir
		}
		logger.Info("sweep: removed partial snapshot", "path", path)
		removed++
		return filepath.SkipDir
	})
	if err != nil {
		return removed, vaulterr.New(vaulterr.Cancelled, err)
	}
	return removed, nil
}

func indexFileSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func sweep(ctx context.Context, store *chunkstore.Store, cutoff time.Time, logger *slog.Logger) (Report, error) {
	var report Report

	err := store.Walk(ctx, func(d digest.Digest) error {
		if err := ctx.Err(); err != nil {
			return err
		}

		size, atime, err := store.Stat(ctx, d)
		if err != nil {
			logger.Warn("sweep: failed to stat chunk", "digest", d.String(), "err_kind", vaulterr.KindOf(err).String(), "error", err)
			report.StillBad++
			return nil
		}
		report.DiskBytes += size

		if atime.After(cutoff) {
			return nil
		}

		if err := store.Remove(ctx, d); err != nil {
			logger.Warn("sweep: failed to remove chunk", "digest", d.String(), "err_kind", vaulterr.KindOf(err).String(), "error", err)
			report.StillBad++
			return nil
		}
		report.RemovedChunks++
		report.RemovedBytes += size
		return nil
	})
	if err != nil {
		return report, err
	}
	return report, nil
}
