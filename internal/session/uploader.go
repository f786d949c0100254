package session

import (
	"context"
	"sync"

	"chunkvault/internal/blob"
	"chunkvault/internal/digest"
	"chunkvault/internal/vaulterr"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// DefaultInFlight bounds how many chunk uploads an Uploader keeps in
// flight at once. When the bound is reached, Add blocks, which in turn
// blocks the chunker and the source reader feeding it.
const DefaultInFlight = 10

// Uploader drives the client side of one archive's chunk path: it takes
// chunk plaintexts in stream order, computes their keyed digests, skips
// chunks the session already knows (registering them instead of
// re-uploading), uploads novel chunks with a bounded number in flight,
// and lands every entry in the archive's index in the exact order it
// was offered.
type Uploader struct {
	sess     *Session
	handle   ArchiveHandle
	idKey    [32]byte
	compress bool

	sem   *semaphore.Weighted
	g     *errgroup.Group
	gctx  context.Context
	queue chan *uploadEntry

	appendWG  sync.WaitGroup
	appendErr error

	mu   sync.Mutex
	sent map[digest.Digest]struct{}
}

// uploadEntry carries one chunk through the ordered append pipeline.
// done is nil for a chunk that needed no upload.
type uploadEntry struct {
	d    digest.Digest
	size uint64
	done chan error
}

// NewUploader starts an uploader for one archive. idKey is the client's
// derived digest key (digest.DeriveIDKey over its raw encryption key, or
// the zero key for an unencrypted store); inFlight <= 0 selects
// DefaultInFlight.
func NewUploader(ctx context.Context, sess *Session, handle ArchiveHandle, idKey [32]byte, compress bool, inFlight int) *Uploader {
	if inFlight <= 0 {
		inFlight = DefaultInFlight
	}
	g, gctx := errgroup.WithContext(ctx)
	u := &Uploader{
		sess:     sess,
		handle:   handle,
		idKey:    idKey,
		compress: compress,
		sem:      semaphore.NewWeighted(int64(inFlight)),
		g:        g,
		gctx:     gctx,
		queue:    make(chan *uploadEntry, inFlight),
		sent:     make(map[digest.Digest]struct{}),
	}

	u.appendWG.Add(1)
	go u.appendLoop()
	return u
}

// appendLoop drains the queue in submission order, waiting for each
// chunk's upload acknowledgement before landing its index entry, so
// append_index never runs ahead of upload_chunk for the same digest.
func (u *Uploader) appendLoop() {
	defer u.appendWG.Done()
	for e := range u.queue {
		if u.appendErr != nil {
			continue // drain the rest; first error wins
		}
		if e.done != nil {
			if err := <-e.done; err != nil {
				u.appendErr = err
				continue
			}
			if err := u.sess.AppendIndex(u.handle, e.d, e.size); err != nil {
				u.appendErr = err
			}
			continue
		}
		if err := u.sess.RegisterKnown(u.handle, e.d, e.size); err != nil {
			u.appendErr = err
		}
	}
}

// Add offers the next chunk of the stream. The plaintext slice is only
// borrowed for the duration of the call (matching the chunker's emit
// contract); Add copies it before returning if an upload is needed. Add
// blocks when the in-flight bound is reached.
func (u *Uploader) Add(ctx context.Context, plaintext []byte) error {
	d := digest.Compute(plaintext, u.idKey)
	size := uint64(len(plaintext))

	u.mu.Lock()
	_, alreadySent := u.sent[d]
	u.sent[d] = struct{}{}
	u.mu.Unlock()

	if alreadySent || u.sess.IsKnown(d) {
		entry := &uploadEntry{d: d, size: size}
		select {
		case u.queue <- entry:
			return nil
		case <-ctx.Done():
			return vaulterr.New(vaulterr.Cancelled, ctx.Err())
		}
	}

	if err := u.sem.Acquire(ctx, 1); err != nil {
		return vaulterr.New(vaulterr.Cancelled, err)
	}

	data := append([]byte{}, plaintext...)
	entry := &uploadEntry{d: d, size: size, done: make(chan error, 1)}

	u.g.Go(func() error {
		defer u.sem.Release(1)
		framed, err := blob.Encode(blob.KindChunk, data, u.compress, u.sess.key)
		if err != nil {
			entry.done <- err
			return err
		}
		err = u.sess.UploadChunk(u.gctx, d, framed)
		entry.done <- err
		return err
	})

	select {
	case u.queue <- entry:
		return nil
	case <-ctx.Done():
		return vaulterr.New(vaulterr.Cancelled, ctx.Err())
	}
}

// Close waits for every in-flight upload and every ordered append to
// finish, returning the first error encountered. It does not close the
// archive's index; callers follow a successful Close with
// Session.CloseIndex.
func (u *Uploader) Close() error {
	close(u.queue)
	uploadErr := u.g.Wait()
	u.appendWG.Wait()
	if u.appendErr != nil {
		return u.appendErr
	}
	return uploadErr
}
