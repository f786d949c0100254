package snapshot_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"chunkvault/internal/snapshot"

	"github.com/stretchr/testify/require"
)

func testRef() snapshot.Ref {
	return snapshot.Ref{
		Group: snapshot.Group{Namespace: "", Type: snapshot.TypeVM, ID: "100"},
		Time:  time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func TestCreateWriteSealThenOpen(t *testing.T) {
	root := t.TempDir()
	ref := testRef()

	h, err := snapshot.Create(root, ref)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(h.Dir(), "disk.img.fidx"), []byte("index bytes"), 0644))

	manifest := snapshot.Manifest{
		Files: []snapshot.FileEntry{
			{Name: "disk.img.fidx", Size: 11, SHA256: "deadbeef", CryptMode: "none"},
		},
	}
	require.NoError(t, h.Seal(context.Background(), manifest, nil))

	lock, got, err := snapshot.Open(root, ref, nil)
	require.NoError(t, err)
	defer lock.Close()
	require.Equal(t, manifest.Files, got.Files)
}

func TestCreateTwiceConflicts(t *testing.T) {
	root := t.TempDir()
	ref := testRef()

	h1, err := snapshot.Create(root, ref)
	require.NoError(t, err)
	defer h1.Abort()

	_, err = snapshot.Create(root, ref)
	require.Error(t, err)
}

func TestAbortRemovesTempDir(t *testing.T) {
	root := t.TempDir()
	ref := testRef()

	h, err := snapshot.Create(root, ref)
	require.NoError(t, err)
	require.NoError(t, h.Abort())

	_, err = os.Stat(h.Dir())
	require.True(t, os.IsNotExist(err))
}

func TestListOrdersNewestFirst(t *testing.T) {
	root := t.TempDir()
	group := snapshot.Group{Type: snapshot.TypeVM, ID: "100"}

	times := []time.Time{
		time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2026, 1, 3, 0, 0, 0, 0, time.UTC),
		time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC),
	}
	for _, ts := range times {
		ref := snapshot.Ref{Group: group, Time: ts}
		h, err := snapshot.Create(root, ref)
		require.NoError(t, err)
		require.NoError(t, h.Seal(context.Background(), snapshot.Manifest{}, nil))
	}

	listed, err := snapshot.List(root, group)
	require.NoError(t, err)
	require.Len(t, listed, 3)
	require.True(t, listed[0].Equal(times[1]))
	require.True(t, listed[1].Equal(times[2]))
	require.True(t, listed[2].Equal(times[0]))
}

func TestUpdateVerifyState(t *testing.T) {
	root := t.TempDir()
	ref := testRef()

	h, err := snapshot.Create(root, ref)
	require.NoError(t, err)
	require.NoError(t, h.Seal(context.Background(), snapshot.Manifest{}, nil))

	state := snapshot.VerifyState{Outcome: "ok", Timestamp: time.Now().UTC().Truncate(time.Second)}
	require.NoError(t, snapshot.UpdateVerifyState(root, ref, nil, state))

	lock, m, err := snapshot.Open(root, ref, nil)
	require.NoError(t, err)
	defer lock.Close()
	require.NotNil(t, m.VerifyState)
	require.Equal(t, "ok", m.VerifyState.Outcome)
}

func TestGroupsEnumeratesAllGroups(t *testing.T) {
	root := t.TempDir()
	groups := []snapshot.Group{
		{Type: snapshot.TypeVM, ID: "100"},
		{Type: snapshot.TypeCT, ID: "200"},
		{Namespace: "site-a", Type: snapshot.TypeVM, ID: "300"},
	}
	for _, g := range groups {
		ref := snapshot.Ref{Group: g, Time: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
		h, err := snapshot.Create(root, ref)
		require.NoError(t, err)
		require.NoError(t, h.Seal(context.Background(), snapshot.Manifest{}, nil))
	}

	got, err := snapshot.Groups(root)
	require.NoError(t, err)
	require.Len(t, got, 3)
}

func TestGroupValidate(t *testing.T) {
	require.NoError(t, snapshot.Group{Type: snapshot.TypeVM, ID: "100"}.Validate())
	require.Error(t, snapshot.Group{Type: snapshot.TypeVM}.Validate())
	require.Error(t, snapshot.Group{Type: "bogus", ID: "1"}.Validate())
}
