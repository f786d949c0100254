// Package snapshot implements the on-disk namespace/group/snapshot
// directory hierarchy, its manifest, and its locking rules.
//
// Directory structure beneath a datastore root:
//
//	<ns1>/<ns2>/.../<type>/<id>/<ISO-time>/{manifest, *.didx, *.fidx, *.blob}
//
// Namespaces are a tree of directories; the root namespace is the empty
// path. Creation writes into a `<time>.tmp` directory under an exclusive
// lock, writes the manifest last, fsyncs, and renames `<time>.tmp` to
// `<time>` before releasing the lock. Partial `.tmp` directories left by
// a crashed session are swept by GC after a grace period.
package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"chunkvault/internal/blob"
	"chunkvault/internal/shared"
	"chunkvault/internal/vaulterr"
)

// timeLayout is the ISO-8601-like on-disk directory name for a
// snapshot's time component.
const timeLayout = "2006-01-02T15:04:05Z"

// Type is the snapshot's backup target kind.
type Type string

const (
	TypeVM   Type = "vm"
	TypeCT   Type = "ct"
	TypeHost Type = "host"
)

// Group identifies a backup group: a namespace, type, and id.
type Group struct {
	Namespace string // "" for root namespace, else "a/b/c"
	Type      Type
	ID        string
}

// Ref identifies a single snapshot within a group.
type Ref struct {
	Group Group
	Time  time.Time
}

// IsRoot reports whether ns is the root namespace.
func IsRoot(ns string) bool { return ns == "" }

func (g Group) dir(root string) string {
	parts := []string{root}
	if !IsRoot(g.Namespace) {
		parts = append(parts, strings.Split(g.Namespace, "/")...)
	}
	parts = append(parts, string(g.Type), g.ID)
	return filepath.Join(parts...)
}

// Dir returns the sealed on-disk directory for this snapshot.
func (r Ref) Dir(root string) string {
	return filepath.Join(r.Group.dir(root), r.Time.UTC().Format(timeLayout))
}

func (r Ref) tmpDir(root string) string {
	return r.Dir(root) + ".tmp"
}

// FileEntry describes one archive within a snapshot's manifest.
type FileEntry struct {
	Name      string            `json:"name"`
	Size      uint64            `json:"size"`
	SHA256    string            `json:"sha256"`
	CryptMode string            `json:"crypt_mode"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// VerifyState records the outcome of the most recent verify pass. It is
// advisory: restore semantics never consult it.
type VerifyState struct {
	Outcome   string    `json:"outcome"` // "ok" or "failed"
	Timestamp time.Time `json:"timestamp"`
}

// Manifest is the JSON document listing every file in a snapshot.
type Manifest struct {
	Files       []FileEntry  `json:"files"`
	VerifyState *VerifyState `json:"verify_state,omitempty"`
}

const manifestFileName = "manifest"

// Handle represents a snapshot directory under construction. Callers
// write index and blob files into Dir(), then call Seal to commit the
// manifest and rename the directory into place.
type Handle struct {
	ref  Ref
	root string
	lock *shared.DirLock
}

// Create begins a new snapshot: it creates <time>.tmp under an
// exclusive lock and returns a Handle whose Dir() is where archive files
// should be written.
func Create(root string, ref Ref) (*Handle, error) {
	tmp := ref.tmpDir(root)
	if err := os.MkdirAll(filepath.Dir(tmp), 0755); err != nil {
		return nil, vaulterr.New(vaulterr.Transient, err)
	}
	if err := os.Mkdir(tmp, 0755); err != nil {
		if os.IsExist(err) {
			return nil, vaulterr.Newf(vaulterr.Conflict, "snapshot %s already being created", ref.Dir(root))
		}
		return nil, vaulterr.New(vaulterr.Transient, err)
	}

	lock, err := shared.OpenExclusiveDirLock(tmp)
	if err != nil {
		os.RemoveAll(tmp)
		return nil, err
	}

	return &Handle{ref: ref, root: root, lock: lock}, nil
}

// Dir returns the in-progress directory to write archive files into.
func (h *Handle) Dir() string {
	return h.ref.tmpDir(h.root)
}

// Seal writes the manifest last, fsyncs the directory, and renames it
// into place, committing the snapshot.
func (h *Handle) Seal(ctx context.Context, manifest Manifest, key *blob.Key) error {
	if err := ctx.Err(); err != nil {
		return vaulterr.New(vaulterr.Cancelled, err)
	}

	data, err := json.Marshal(manifest)
	if err != nil {
		return vaulterr.New(vaulterr.Fatal, err)
	}

	var framed []byte
	if key != nil {
		framed, err = blob.EncodeAuthenticated(data, false, key)
	} else {
		framed, err = blob.Encode(blob.KindBlob, data, false, nil)
	}
	if err != nil {
		return err
	}

	manifestPath := filepath.Join(h.Dir(), manifestFileName)
	if err := os.WriteFile(manifestPath, framed, 0644); err != nil {
		return vaulterr.New(vaulterr.Transient, err)
	}

	dirFile, err := os.Open(h.Dir())
	if err == nil {
		dirFile.Sync()
		dirFile.Close()
	}

	finalDir := h.ref.Dir(h.root)
	if err := os.Rename(h.Dir(), finalDir); err != nil {
		return vaulterr.New(vaulterr.Transient, err)
	}

	return h.lock.Close()
}

// Abort removes the in-progress snapshot directory without committing
// it, used on session abort/failure.
func (h *Handle) Abort() error {
	h.lock.Close()
	return os.RemoveAll(h.Dir())
}

// Open acquires a shared lock on a sealed snapshot and loads its
// manifest, for restore and verify.
func Open(root string, ref Ref, key *blob.Key) (*shared.DirLock, Manifest, error) {
	dir := ref.Dir(root)
	lock, err := shared.OpenDirLock(dir)
	if err != nil {
		return nil, Manifest{}, err
	}

	data, err := os.ReadFile(filepath.Join(dir, manifestFileName))
	if err != nil {
		lock.Close()
		if os.IsNotExist(err) {
			return nil, Manifest{}, vaulterr.Newf(vaulterr.NotFound, "snapshot %s has no manifest", dir)
		}
		return nil, Manifest{}, vaulterr.New(vaulterr.Transient, err)
	}

	plaintext, err := blob.Decode(data, key)
	if err != nil {
		lock.Close()
		return nil, Manifest{}, err
	}

	var m Manifest
	if err := json.Unmarshal(plaintext, &m); err != nil {
		lock.Close()
		return nil, Manifest{}, vaulterr.New(vaulterr.Corrupt, err)
	}
	return lock, m, nil
}

// UpdateVerifyState rewrites only the advisory verify_state field of a
// sealed snapshot's manifest, under an exclusive lock.
func UpdateVerifyState(root string, ref Ref, key *blob.Key, state VerifyState) error {
	dir := ref.Dir(root)
	lock, err := shared.OpenExclusiveDirLock(dir)
	if err != nil {
		return err
	}
	defer lock.Close()

	path := filepath.Join(dir, manifestFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return vaulterr.New(vaulterr.Transient, err)
	}
	plaintext, err := blob.Decode(data, key)
	if err != nil {
		return err
	}
	var m Manifest
	if err := json.Unmarshal(plaintext, &m); err != nil {
		return vaulterr.New(vaulterr.Corrupt, err)
	}
	m.VerifyState = &state

	out, err := json.Marshal(m)
	if err != nil {
		return vaulterr.New(vaulterr.Fatal, err)
	}
	var framed []byte
	if key != nil {
		framed, err = blob.EncodeAuthenticated(out, false, key)
	} else {
		framed, err = blob.Encode(blob.KindBlob, out, false, nil)
	}
	if err != nil {
		return err
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, framed, 0644); err != nil {
		return vaulterr.New(vaulterr.Transient, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return vaulterr.New(vaulterr.Transient, err)
	}
	return nil
}

// List returns every sealed (non-.tmp) snapshot time under group, newest
// first, taking the group lock for a stable ordering while the
// directory is read.
func List(root string, group Group) ([]time.Time, error) {
	dir := group.dir(root)
	lock, err := shared.OpenDirLock(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer lock.Close()

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, vaulterr.New(vaulterr.Transient, err)
	}

	var times []time.Time
	for _, e := range entries {
		if !e.IsDir() || strings.HasSuffix(e.Name(), ".tmp") {
			continue
		}
		t, err := time.Parse(timeLayout, e.Name())
		if err != nil {
			continue
		}
		times = append(times, t)
	}
	sort.Slice(times, func(i, j int) bool { return times[i].After(times[j]) })
	return times, nil
}

// Groups walks the entire datastore root and returns every backup group
// found, for callers (GC's mark phase, namespace listings) that need to
// enumerate groups rather than being told one in advance.
func Groups(root string) ([]Group, error) {
	var groups []Group
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if !info.IsDir() || path == root {
			return nil
		}
		name := filepath.Base(path)
		if name == ".chunks" {
			return filepath.SkipDir
		}
		switch Type(name) {
		case TypeVM, TypeCT, TypeHost:
		default:
			return nil
		}
		ids, err := os.ReadDir(path)
		if err != nil {
			return nil
		}
		rel, err := filepath.Rel(root, filepath.Dir(path))
		if err != nil {
			return nil
		}
		ns := rel
		if ns == "." {
			ns = ""
		}
		for _, id := range ids {
			if !id.IsDir() {
				continue
			}
			groups = append(groups, Group{Namespace: ns, Type: Type(name), ID: id.Name()})
		}
		return nil
	})
	if err != nil {
		return nil, vaulterr.New(vaulterr.Transient, err)
	}
	return groups, nil
}

// Validate checks that a Group's fields are well-formed.
func (g Group) Validate() error {
	if g.ID == "" {
		return vaulterr.New(vaulterr.Invalid, fmt.Errorf("snapshot: group id must not be empty"))
	}
	switch g.Type {
	case TypeVM, TypeCT, TypeHost:
	default:
		return vaulterr.Newf(vaulterr.Invalid, "snapshot: unknown type %q", g.Type)
	}
	return nil
}
