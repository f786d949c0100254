// Package session implements the backup and restore session protocols:
// a stateful conversation between one client and the server that
// accumulates (or reads back) a single snapshot.
//
// The transport itself (an ordered, reliable, multiplexed bidirectional
// byte stream with per-message boundaries) is an external collaborator;
// this package implements the state machine and what each operation does
// to server-side state, not wire framing.
package session

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"chunkvault/internal/blob"
	"chunkvault/internal/chunkstore"
	"chunkvault/internal/digest"
	"chunkvault/internal/index"
	"chunkvault/internal/logging"
	"chunkvault/internal/snapshot"
	"chunkvault/internal/vaulterr"
)

// State is a backup session's position in its state machine.
type State int

const (
	Initiated State = iota
	Active
	Committing
	Done
	Aborted
	Failed
)

func (s State) String() string {
	switch s {
	case Initiated:
		return "initiated"
	case Active:
		return "active"
	case Committing:
		return "committing"
	case Done:
		return "done"
	case Aborted:
		return "aborted"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// DefaultIdleTimeout is how long a session may go without any client
// traffic before WatchIdle aborts it. Per-chunk uploads carry no
// timeout of their own; the transport's keepalive is authoritative
// while a message is in flight, so this only covers a client that has
// gone silent between messages.
const DefaultIdleTimeout = 60 * time.Second

// registerKnownThreshold is the number of consecutive known-chunk
// register_known calls buffered before the session flushes them into the
// archive's index. Buffering is purely an efficiency contract; the
// on-disk result is identical whether entries are flushed immediately or
// in runs.
const registerKnownThreshold = 64

// ArchiveHandle identifies one archive (index) within an in-progress
// session. Operations on different handles proceed independently;
// operations on the same handle are serialized by the caller issuing
// them in order (the server does not reorder).
type ArchiveHandle int

type archive struct {
	mu          sync.Mutex
	name        string
	writer      *index.Writer
	closed      bool
	knownBuffer []knownEntry
}

type knownEntry struct {
	digest digest.Digest
	size   uint64
}

// Session is a server-side backup session accumulating one snapshot.
type Session struct {
	mu       sync.Mutex
	state    State
	store    *chunkstore.Store
	handle   *snapshot.Handle
	ref      snapshot.Ref
	key      *blob.Key
	logger   *slog.Logger
	archives map[ArchiveHandle]*archive
	nextH    ArchiveHandle
	known    map[digest.Digest]struct{}
	blobs    []snapshot.FileEntry

	lastActivity time.Time
	idleStop     func()
}

// Open creates a new session: it allocates the snapshot's `<time>.tmp`
// directory (Initiated → Active) and seeds the known-chunk cache from
// the previous snapshot of the same group, if one exists.
func Open(ctx context.Context, root string, ref snapshot.Ref, store *chunkstore.Store, key *blob.Key, previous *snapshot.Ref, logger *slog.Logger) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, vaulterr.New(vaulterr.Cancelled, err)
	}

	h, err := snapshot.Create(root, ref)
	if err != nil {
		return nil, err
	}

	s := &Session{
		state:        Active,
		store:        store,
		handle:       h,
		ref:          ref,
		key:          key,
		logger:       logging.Default(logger).With("component", "session"),
		archives:     make(map[ArchiveHandle]*archive),
		known:        make(map[digest.Digest]struct{}),
		lastActivity: time.Now(),
	}

	if previous != nil {
		if known, err := knownChunksOf(root, *previous, key); err == nil {
			for _, d := range known {
				s.known[d] = struct{}{}
			}
		}
	}

	s.logger.Info("session opened", "group", ref.Group.ID, "time", ref.Time)
	return s, nil
}

func knownChunksOf(root string, ref snapshot.Ref, key *blob.Key) ([]digest.Digest, error) {
	lock, m, err := snapshot.Open(root, ref, key)
	if err != nil {
		return nil, err
	}
	defer lock.Close()

	var out []digest.Digest
	for _, f := range m.Files {
		idxPath := filepath.Join(ref.Dir(root), f.Name)
		r, err := index.OpenReader(idxPath)
		if err != nil {
			continue
		}
		for i := 0; i < r.Len(); i++ {
			d, err := r.DigestAt(i)
			if err == nil {
				out = append(out, d)
			}
		}
	}
	return out, nil
}

// requireState is called with s.mu held by every client-driven
// operation, so it doubles as the idle clock: any message from the
// client resets the session's activity time.
func (s *Session) requireState(want State) error {
	s.lastActivity = time.Now()
	if s.state != want {
		return vaulterr.Newf(vaulterr.Conflict, "session: expected state %s, got %s", want, s.state)
	}
	return nil
}

// WatchIdle starts a watchdog that aborts the session once no client
// operation has arrived for timeout (DefaultIdleTimeout if
// non-positive). The watchdog stops on its own when the session leaves
// Active; the returned stop function halts it early.
func (s *Session) WatchIdle(timeout time.Duration) (stop func()) {
	if timeout <= 0 {
		timeout = DefaultIdleTimeout
	}

	s.mu.Lock()
	if s.idleStop != nil {
		existing := s.idleStop
		s.mu.Unlock()
		return existing
	}
	ch := make(chan struct{})
	var once sync.Once
	stop = func() { once.Do(func() { close(ch) }) }
	s.idleStop = stop
	s.mu.Unlock()

	go func() {
		ticker := time.NewTicker(timeout / 4)
		defer ticker.Stop()
		for {
			select {
			case <-ch:
				return
			case <-ticker.C:
				s.mu.Lock()
				state := s.state
				idle := time.Since(s.lastActivity)
				s.mu.Unlock()
				if state != Active {
					return
				}
				if idle >= timeout {
					s.logger.Warn("session idle timeout, aborting", "idle", idle)
					s.Abort()
					return
				}
			}
		}
	}()
	return stop
}

// CreateFixedIndex opens a new fixed-stride archive within the session.
func (s *Session) CreateFixedIndex(name string, chunkSize uint64) (ArchiveHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireState(Active); err != nil {
		return 0, err
	}
	w, err := index.Open(filepath.Join(s.handle.Dir(), name), index.KindFixed, chunkSize)
	if err != nil {
		return 0, err
	}
	h := s.nextH
	s.nextH++
	s.archives[h] = &archive{name: name, writer: w}
	return h, nil
}

// CreateDynamicIndex opens a new variable-stride archive within the
// session.
func (s *Session) CreateDynamicIndex(name string) (ArchiveHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireState(Active); err != nil {
		return 0, err
	}
	w, err := index.Open(filepath.Join(s.handle.Dir(), name), index.KindDynamic, 0)
	if err != nil {
		return 0, err
	}
	h := s.nextH
	s.nextH++
	s.archives[h] = &archive{name: name, writer: w}
	return h, nil
}

// UploadBlob stores small metadata (a client log, an encryption-key
// hint) directly as a blob file alongside the indexes.
func (s *Session) UploadBlob(name string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireState(Active); err != nil {
		return err
	}
	framed, err := blob.Encode(blob.KindBlob, data, true, s.key)
	if err != nil {
		return err
	}
	path := filepath.Join(s.handle.Dir(), name)
	if err := writeFileAtomic(path, framed); err != nil {
		return err
	}
	sum := sha256.Sum256(data)
	s.blobs = append(s.blobs, snapshot.FileEntry{
		Name:      name,
		Size:      uint64(len(data)),
		SHA256:    fmt.Sprintf("%x", sum),
		CryptMode: s.store.CryptMode(),
	})
	return nil
}

// KnownChunks returns the digests the session already considers present
// (uploaded this session, or known from the previous snapshot).
func (s *Session) KnownChunks() map[digest.Digest]struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[digest.Digest]struct{}, len(s.known))
	for d := range s.known {
		out[d] = struct{}{}
	}
	return out
}

// UploadChunk inserts a chunk into the store. It is idempotent:
// uploading the same digest twice succeeds and the second call is a
// no-op once the first is durable. For unencrypted chunks the server
// recomputes the digest of the decoded plaintext and rejects a mismatch;
// when the session has a key it checks the CRC and decodes the chunk
// under that key (so the AEAD tag is checked) but does not recompute the
// digest, since the session holds no id_key.
func (s *Session) UploadChunk(ctx context.Context, d digest.Digest, framed []byte) error {
	s.mu.Lock()
	if err := s.requireState(Active); err != nil {
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return vaulterr.New(vaulterr.Cancelled, err)
	}

	if err := blob.VerifyCRC(framed); err != nil {
		return err
	}

	plaintext, err := blob.Decode(framed, s.key)
	if err != nil {
		return err
	}

	if s.key == nil {
		idKey := digest.DeriveIDKey(nil)
		got := digest.Compute(plaintext, idKey)
		if got != d {
			return vaulterr.Newf(vaulterr.Corrupt, "uploaded chunk digest mismatch")
		}
	}

	if err := s.store.Insert(ctx, d, plaintext, false); err != nil {
		return err
	}

	s.mu.Lock()
	s.known[d] = struct{}{}
	s.mu.Unlock()
	return nil
}

// AppendIndex verifies digest d is present in the store (uploaded this
// session or previously known) and appends it to the archive's index.
func (s *Session) AppendIndex(h ArchiveHandle, d digest.Digest, size uint64) error {
	s.mu.Lock()
	a, ok := s.archives[h]
	known := s.isKnownLocked(d)
	err := s.requireState(Active)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	if !ok {
		return vaulterr.Newf(vaulterr.Invalid, "session: unknown archive handle %d", h)
	}
	if !known {
		return vaulterr.Newf(vaulterr.NotFound, "session: chunk not known to server")
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return vaulterr.New(vaulterr.Conflict, fmt.Errorf("session: archive %q already closed", a.name))
	}
	// A "new" entry interrupts a buffered run of register_known entries:
	// they must land in the index first to preserve the client's order.
	if err := flushKnownLocked(a); err != nil {
		return err
	}
	return a.writer.Add(d, size)
}

func (s *Session) isKnownLocked(d digest.Digest) bool {
	_, ok := s.known[d]
	return ok
}

// IsKnown reports whether the session already considers digest d
// present, without copying the whole known set the way KnownChunks
// does. The uploader consults this once per chunk.
func (s *Session) IsKnown(d digest.Digest) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isKnownLocked(d)
}

// RegisterKnown declares a chunk known without uploading its bytes (the
// merge-known-chunks optimization): the client has determined the
// server already holds this digest, typically because it is unchanged
// from the previous backup. Consecutive known entries are buffered and
// flushed as a run, either when registerKnownThreshold is reached or
// when a differently-handled entry interrupts the run; this buffering
// never changes the on-disk index, only how it is assembled.
func (s *Session) RegisterKnown(h ArchiveHandle, d digest.Digest, size uint64) error {
	s.mu.Lock()
	a, ok := s.archives[h]
	known := s.isKnownLocked(d)
	stateErr := s.requireState(Active)
	s.mu.Unlock()
	if stateErr != nil {
		return stateErr
	}
	if !ok {
		return vaulterr.Newf(vaulterr.Invalid, "session: unknown archive handle %d", h)
	}
	if !known {
		return vaulterr.Newf(vaulterr.NotFound, "session: register_known for unknown chunk")
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return vaulterr.New(vaulterr.Conflict, fmt.Errorf("session: archive %q already closed", a.name))
	}
	a.knownBuffer = append(a.knownBuffer, knownEntry{digest: d, size: size})
	if len(a.knownBuffer) >= registerKnownThreshold {
		return flushKnownLocked(a)
	}
	return nil
}

func flushKnownLocked(a *archive) error {
	for _, e := range a.knownBuffer {
		if err := a.writer.Add(e.digest, e.size); err != nil {
			return err
		}
	}
	a.knownBuffer = a.knownBuffer[:0]
	return nil
}

// CloseIndex finalizes (fsync+rename) the archive's index file.
func (s *Session) CloseIndex(h ArchiveHandle) error {
	s.mu.Lock()
	s.lastActivity = time.Now()
	a, ok := s.archives[h]
	s.mu.Unlock()
	if !ok {
		return vaulterr.Newf(vaulterr.Invalid, "session: unknown archive handle %d", h)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	if err := flushKnownLocked(a); err != nil {
		return err
	}
	if _, _, err := a.writer.Close(); err != nil {
		return err
	}
	a.closed = true
	return nil
}

// Finish transitions Active → Committing → Done: it verifies every
// archive is closed, writes the manifest, and seals the snapshot
// directory.
func (s *Session) Finish(ctx context.Context, extraFiles []snapshot.FileEntry) error {
	s.mu.Lock()
	if err := s.requireState(Active); err != nil {
		s.mu.Unlock()
		return err
	}
	s.state = Committing
	for _, a := range s.archives {
		a.mu.Lock()
		closed := a.closed
		a.mu.Unlock()
		if !closed {
			s.state = Failed
			s.mu.Unlock()
			return vaulterr.Newf(vaulterr.Conflict, "session: archive %q not closed before finish", a.name)
		}
	}
	files := append(append([]snapshot.FileEntry{}, s.blobs...), extraFiles...)
	archiveNames := make([]string, 0, len(s.archives))
	for _, a := range s.archives {
		archiveNames = append(archiveNames, a.name)
	}
	handle := s.handle
	key := s.key
	store := s.store
	cryptMode := s.store.CryptMode()
	s.mu.Unlock()

	for _, name := range archiveNames {
		entry, err := archiveFileEntry(ctx, store, handle.Dir(), name, cryptMode)
		if err != nil {
			s.mu.Lock()
			s.state = Failed
			s.mu.Unlock()
			return err
		}
		files = append(files, entry)
	}

	if err := handle.Seal(ctx, snapshot.Manifest{Files: files}, key); err != nil {
		s.mu.Lock()
		s.state = Failed
		s.mu.Unlock()
		return err
	}

	s.mu.Lock()
	s.state = Done
	s.mu.Unlock()
	s.logger.Info("session committed", "time", s.ref.Time)
	return nil
}

// Abort unlinks the temp directory and transitions to Aborted. It is
// safe to call from any state and is idempotent.
func (s *Session) Abort() error {
	s.mu.Lock()
	if s.state == Aborted || s.state == Done {
		s.mu.Unlock()
		return nil
	}
	s.state = Aborted
	s.mu.Unlock()
	return s.handle.Abort()
}

// StateOf reports the session's current state.
func (s *Session) StateOf() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// archiveFileEntry computes a just-closed archive's manifest entry:
// the file's overall size and SHA-256 cover the reconstructed stream,
// not any single chunk's keyed digest,
// so they can only be known once every chunk is resolved; this walks
// the sealed index in order and hashes each chunk's plaintext as
// fetched back from the store.
func archiveFileEntry(ctx context.Context, store *chunkstore.Store, dir, name, cryptMode string) (snapshot.FileEntry, error) {
	r, err := index.OpenReader(filepath.Join(dir, name))
	if err != nil {
		return snapshot.FileEntry{}, err
	}

	h := sha256.New()
	var size uint64
	for i := 0; i < r.Len(); i++ {
		if err := ctx.Err(); err != nil {
			return snapshot.FileEntry{}, vaulterr.New(vaulterr.Cancelled, err)
		}
		d, err := r.DigestAt(i)
		if err != nil {
			return snapshot.FileEntry{}, err
		}
		plaintext, err := store.Get(ctx, d)
		if err != nil {
			return snapshot.FileEntry{}, err
		}
		h.Write(plaintext)
		size += uint64(len(plaintext))
	}

	return snapshot.FileEntry{
		Name:      name,
		Size:      size,
		SHA256:    fmt.Sprintf("%x", h.Sum(nil)),
		CryptMode: cryptMode,
	}, nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return vaulterr.New(vaulterr.Transient, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return vaulterr.New(vaulterr.Transient, err)
	}
	return nil
}
