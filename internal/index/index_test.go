package index_test

import (
	"path/filepath"
	"testing"

	"chunkvault/internal/digest"
	"chunkvault/internal/index"

	"github.com/stretchr/testify/require"
)

func mkDigest(b byte) digest.Digest {
	var d digest.Digest
	d[0] = b
	return d
}

func TestFixedIndexRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fixed.idx")
	w, err := index.Open(path, index.KindFixed, 4096)
	require.NoError(t, err)

	digests := []digest.Digest{mkDigest(1), mkDigest(2), mkDigest(3)}
	for _, d := range digests {
		require.NoError(t, w.Add(d, 4096))
	}
	ctime, id, err := w.Close()
	require.NoError(t, err)
	require.False(t, ctime.IsZero())

	r, err := index.OpenReader(path)
	require.NoError(t, err)
	require.Equal(t, index.KindFixed, r.Kind())
	require.Equal(t, 3, r.Len())
	require.Equal(t, id, r.UUID())

	for i, want := range digests {
		got, err := r.DigestAt(i)
		require.NoError(t, err)
		require.Equal(t, want, got)

		start, end, err := r.ChunkRange(i)
		require.NoError(t, err)
		require.Equal(t, uint64(i)*4096, start)
		require.Equal(t, uint64(i+1)*4096, end)
	}
}

func TestFixedIndexShortFinalChunk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fixed-short.idx")
	w, err := index.Open(path, index.KindFixed, 4096)
	require.NoError(t, err)

	require.NoError(t, w.Add(mkDigest(1), 4096))
	require.NoError(t, w.Add(mkDigest(2), 4096))
	require.NoError(t, w.Add(mkDigest(3), 1000)) // short final chunk
	_, _, err = w.Close()
	require.NoError(t, err)

	r, err := index.OpenReader(path)
	require.NoError(t, err)
	require.Equal(t, uint64(9192), r.TotalSize())

	start, end, err := r.ChunkRange(0)
	require.NoError(t, err)
	require.Equal(t, uint64(0), start)
	require.Equal(t, uint64(4096), end)

	start, end, err = r.ChunkRange(1)
	require.NoError(t, err)
	require.Equal(t, uint64(4096), start)
	require.Equal(t, uint64(8192), end)

	start, end, err = r.ChunkRange(2)
	require.NoError(t, err)
	require.Equal(t, uint64(8192), start)
	require.Equal(t, uint64(9192), end) // clamped to total_size, not the uniform 12288 stride
}

func TestDynamicIndexRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dynamic.idx")
	w, err := index.Open(path, index.KindDynamic, 0)
	require.NoError(t, err)

	sizes := []uint64{100, 250, 50}
	digests := []digest.Digest{mkDigest(10), mkDigest(20), mkDigest(30)}
	for i, d := range digests {
		require.NoError(t, w.Add(d, sizes[i]))
	}
	_, _, err = w.Close()
	require.NoError(t, err)

	r, err := index.OpenReader(path)
	require.NoError(t, err)
	require.Equal(t, index.KindDynamic, r.Kind())
	require.Equal(t, 3, r.Len())

	start, end, err := r.ChunkRange(0)
	require.NoError(t, err)
	require.Equal(t, uint64(0), start)
	require.Equal(t, uint64(100), end)

	start, end, err = r.ChunkRange(1)
	require.NoError(t, err)
	require.Equal(t, uint64(100), start)
	require.Equal(t, uint64(350), end)

	start, end, err = r.ChunkRange(2)
	require.NoError(t, err)
	require.Equal(t, uint64(350), start)
	require.Equal(t, uint64(400), end)
}

func TestFindMostUsed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dynamic.idx")
	w, err := index.Open(path, index.KindDynamic, 0)
	require.NoError(t, err)

	// digest "1" appears 3 times, "2" appears 2 times, "3" once.
	seq := []digest.Digest{mkDigest(1), mkDigest(2), mkDigest(1), mkDigest(3), mkDigest(2), mkDigest(1)}
	for _, d := range seq {
		require.NoError(t, w.Add(d, 10))
	}
	_, _, err = w.Close()
	require.NoError(t, err)

	r, err := index.OpenReader(path)
	require.NoError(t, err)

	top := r.FindMostUsed(2)
	require.Len(t, top, 2)
	require.Equal(t, mkDigest(1), top[0])
	require.Equal(t, mkDigest(2), top[1])
}

func TestDigestAtOutOfRange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fixed.idx")
	w, err := index.Open(path, index.KindFixed, 1024)
	require.NoError(t, err)
	require.NoError(t, w.Add(mkDigest(1), 1024))
	_, _, err = w.Close()
	require.NoError(t, err)

	r, err := index.OpenReader(path)
	require.NoError(t, err)
	_, err = r.DigestAt(5)
	require.Error(t, err)
}

func TestOpenReaderMissingFile(t *testing.T) {
	_, err := index.OpenReader(filepath.Join(t.TempDir(), "missing.idx"))
	require.Error(t, err)
}

func TestAbortDiscardsTempFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "aborted.idx")
	w, err := index.Open(path, index.KindFixed, 1024)
	require.NoError(t, err)
	require.NoError(t, w.Add(mkDigest(1), 1024))
	require.NoError(t, w.Abort())

	_, err = index.OpenReader(path)
	require.Error(t, err)
}
