package gc_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"chunkvault/internal/blob"
	"chunkvault/internal/chunkstore"
	"chunkvault/internal/digest"
	"chunkvault/internal/gc"
	"chunkvault/internal/session"
	"chunkvault/internal/snapshot"

	"github.com/stretchr/testify/require"
)

func openStore(t *testing.T, root string) *chunkstore.Store {
	t.Helper()
	s, err := chunkstore.Open(chunkstore.Config{Root: root})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func backupOneChunk(t *testing.T, root string, store *chunkstore.Store, ref snapshot.Ref, payload []byte) digest.Digest {
	t.Helper()
	s, err := session.Open(context.Background(), root, ref, store, nil, nil, nil)
	require.NoError(t, err)

	h, err := s.CreateDynamicIndex("data.didx")
	require.NoError(t, err)

	idKey := digest.DeriveIDKey(nil)
	d := digest.Compute(payload, idKey)
	framed, err := blob.Encode(blob.KindChunk, payload, true, nil)
	require.NoError(t, err)

	require.NoError(t, s.UploadChunk(context.Background(), d, framed))
	require.NoError(t, s.AppendIndex(h, d, uint64(len(payload))))
	require.NoError(t, s.CloseIndex(h))
	require.NoError(t, s.Finish(context.Background(), nil))
	return d
}

func TestGCKeepsChunksReferencedByLiveSnapshot(t *testing.T) {
	root := t.TempDir()
	store := openStore(t, root)
	ref := snapshot.Ref{Group: snapshot.Group{Type: snapshot.TypeVM, ID: "100"}, Time: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}

	d := backupOneChunk(t, root, store, ref, []byte("keep me"))

	report, err := gc.Run(context.Background(), gc.Config{Root: root, Store: store, SafetyMargin: time.Nanosecond})
	require.NoError(t, err)
	require.Equal(t, 0, report.RemovedChunks)

	exists, err := store.Exists(context.Background(), d)
	require.NoError(t, err)
	require.True(t, exists)
}

func TestGCRemovesUnreferencedChunk(t *testing.T) {
	root := t.TempDir()
	store := openStore(t, root)

	var orphan digest.Digest
	orphan[0] = 0xAB
	require.NoError(t, store.Insert(context.Background(), orphan, []byte("nobody references this"), false))
	require.NoError(t, store.Touch(context.Background(), orphan, time.Now().Add(-48*time.Hour)))

	report, err := gc.Run(context.Background(), gc.Config{Root: root, Store: store, SafetyMargin: time.Hour})
	require.NoError(t, err)
	require.Equal(t, 1, report.RemovedChunks)

	exists, err := store.Exists(context.Background(), orphan)
	require.NoError(t, err)
	require.False(t, exists)
}

func TestGCSweepsStalePartialSnapshots(t *testing.T) {
	root := t.TempDir()
	store := openStore(t, root)

	// An abandoned partial upload, old enough to be past any grace
	// period, and a fresh one that may still belong to a live session.
	stale := filepath.Join(root, "vm", "100", "2026-01-01T00:00:00Z.tmp")
	require.NoError(t, os.MkdirAll(stale, 0755))
	old := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(stale, old, old))

	fresh := filepath.Join(root, "vm", "100", "2026-01-02T00:00:00Z.tmp")
	require.NoError(t, os.MkdirAll(fresh, 0755))

	report, err := gc.Run(context.Background(), gc.Config{Root: root, Store: store, SafetyMargin: time.Hour})
	require.NoError(t, err)
	require.Equal(t, 1, report.RemovedPartials)

	_, err = os.Stat(stale)
	require.True(t, os.IsNotExist(err))
	_, err = os.Stat(fresh)
	require.NoError(t, err)
}

func TestGCConcurrentBackupSurvivesSweep(t *testing.T) {
	// GC safety: a chunk uploaded by a backup committed while GC could
	// run must remain on disk, because its insert stamped a fresh atime
	// after the mark phase began.
	root := t.TempDir()
	store := openStore(t, root)

	oldRef := snapshot.Ref{Group: snapshot.Group{Type: snapshot.TypeVM, ID: "100"}, Time: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	backupOneChunk(t, root, store, oldRef, []byte("existed before gc"))

	newRef := snapshot.Ref{Group: snapshot.Group{Type: snapshot.TypeVM, ID: "100"}, Time: time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)}
	x := backupOneChunk(t, root, store, newRef, []byte("uploaded during gc window"))

	report, err := gc.Run(context.Background(), gc.Config{Root: root, Store: store, SafetyMargin: time.Hour})
	require.NoError(t, err)
	require.Equal(t, 0, report.RemovedChunks)

	exists, err := store.Exists(context.Background(), x)
	require.NoError(t, err)
	require.True(t, exists)
}

func TestGCReportsDiskBytes(t *testing.T) {
	root := t.TempDir()
	store := openStore(t, root)
	ref := snapshot.Ref{Group: snapshot.Group{Type: snapshot.TypeVM, ID: "100"}, Time: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	backupOneChunk(t, root, store, ref, []byte("measure my bytes"))

	report, err := gc.Run(context.Background(), gc.Config{Root: root, Store: store, SafetyMargin: time.Hour})
	require.NoError(t, err)
	require.Greater(t, report.DiskBytes, int64(0))
}
