// Package index implements the fixed- and dynamic-stride index file
// formats that map a snapshot's archives onto chunk digests.
//
// A fixed index is used for equal-sized chunks (typical of block
// images): the header carries ctime, uuid, chunk_size, and total_size,
// and records are bare 32-byte digests, so chunk i occupies
// [i*chunk_size, (i+1)*chunk_size), except the final chunk, whose end
// is clamped to total_size (the fixed chunker allows a short last
// chunk). A dynamic index is used for variable-sized chunks (typical
// of file streams): each record is (end_offset uint64, digest[32]), so
// chunk i occupies [record[i-1].end_offset, record[i].end_offset).
//
// Both formats are append-only while being written, and sealed by
// renaming from a .tmp suffix on Close.
package index

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"os"
	"time"

	"chunkvault/internal/blob"
	"chunkvault/internal/digest"
	"chunkvault/internal/vaulterr"

	"github.com/google/uuid"
)

const (
	// headerSize lays out ctime(u64) + chunk_size(u64, 0 for dynamic) +
	// total_size(u64) + uuid(16) after the 8-byte magic.
	headerSize = 8 + 8 + 8 + 16

	// totalSizeHeaderOffset is total_size's byte offset within the
	// header (i.e. after the magic). Its value isn't known until every
	// Add call has been made, so Close patches it in after the rest of
	// the header and every record are already on disk.
	totalSizeHeaderOffset = 16

	fixedRecord    = digest.Size
	dynamicRecord  = 8 + digest.Size
	tmpFileSuffix  = ".tmp"
	defaultFilePct = 0o644
)

// Kind distinguishes the two index record layouts.
type Kind int

const (
	KindFixed Kind = iota
	KindDynamic
)

func magicFor(kind Kind) blob.Magic {
	if kind == KindFixed {
		return blob.MagicFixedIndexHeader
	}
	return blob.MagicDynamicIndexHeader
}

func kindOf(magic blob.Magic) (Kind, bool) {
	switch magic {
	case blob.MagicFixedIndexHeader:
		return KindFixed, true
	case blob.MagicDynamicIndexHeader:
		return KindDynamic, true
	default:
		return 0, false
	}
}

// Writer streams index records to a temp file and seals it on Close.
type Writer struct {
	kind      Kind
	path      string
	tmpPath   string
	file      *os.File
	buf       *bufio.Writer
	chunkSize uint64 // fixed only
	total     uint64
	uuid      uuid.UUID
	ctime     time.Time
	count     int
	closed    bool
}

// Open begins writing a new index file at path. For KindFixed,
// chunkSize must be the uniform chunk size used by every Add call.
func Open(path string, kind Kind, chunkSize uint64) (*Writer, error) {
	tmpPath := path + tmpFileSuffix
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, defaultFilePct)
	if err != nil {
		return nil, vaulterr.New(vaulterr.Transient, err)
	}

	w := &Writer{
		kind:      kind,
		path:      path,
		tmpPath:   tmpPath,
		file:      f,
		buf:       bufio.NewWriter(f),
		chunkSize: chunkSize,
		uuid:      uuid.Must(uuid.NewV7()),
		ctime:     time.Now().UTC(),
	}

	if err := w.writeHeader(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return nil, err
	}
	return w, nil
}

func (w *Writer) writeHeader() error {
	magic := magicFor(w.kind)
	if _, err := w.buf.Write(magic[:]); err != nil {
		return vaulterr.New(vaulterr.Transient, err)
	}
	var hdr [headerSize]byte
	binary.LittleEndian.PutUint64(hdr[0:8], uint64(w.ctime.Unix()))
	binary.LittleEndian.PutUint64(hdr[8:16], w.chunkSize)
	// hdr[16:24] (total_size) is left zero here; Close patches in the
	// real value once every Add call has contributed to w.total.
	copy(hdr[24:40], w.uuid[:])
	if _, err := w.buf.Write(hdr[:]); err != nil {
		return vaulterr.New(vaulterr.Transient, err)
	}
	return nil
}

// Add appends one chunk's digest. For KindDynamic, size is the chunk's
// byte length; for KindFixed, size must equal the writer's chunkSize
// (except optionally for the final chunk, which the writer does not
// special-case: callers padding or accepting a short final record is a
// caller-level concern mirroring the chunker's short final chunk).
func (w *Writer) Add(d digest.Digest, size uint64) error {
	if w.closed {
		return vaulterr.Newf(vaulterr.Invalid, "index writer already closed")
	}
	switch w.kind {
	case KindFixed:
		if _, err := w.buf.Write(d[:]); err != nil {
			return vaulterr.New(vaulterr.Transient, err)
		}
		w.total += size
	case KindDynamic:
		w.total += size
		var rec [dynamicRecord]byte
		binary.LittleEndian.PutUint64(rec[0:8], w.total)
		copy(rec[8:], d[:])
		if _, err := w.buf.Write(rec[:]); err != nil {
			return vaulterr.New(vaulterr.Transient, err)
		}
	}
	w.count++
	return nil
}

// Close flushes, fsyncs, and atomically renames the index into place,
// returning the ctime and uuid recorded in its header.
func (w *Writer) Close() (time.Time, uuid.UUID, error) {
	if w.closed {
		return w.ctime, w.uuid, vaulterr.Newf(vaulterr.Invalid, "index writer already closed")
	}
	w.closed = true

	if err := w.buf.Flush(); err != nil {
		w.file.Close()
		os.Remove(w.tmpPath)
		return time.Time{}, uuid.UUID{}, vaulterr.New(vaulterr.Transient, err)
	}

	var totalBuf [8]byte
	binary.LittleEndian.PutUint64(totalBuf[:], w.total)
	totalOffset := int64(len(magicFor(w.kind)) + totalSizeHeaderOffset)
	if _, err := w.file.WriteAt(totalBuf[:], totalOffset); err != nil {
		w.file.Close()
		os.Remove(w.tmpPath)
		return time.Time{}, uuid.UUID{}, vaulterr.New(vaulterr.Transient, err)
	}

	if err := w.file.Sync(); err != nil {
		w.file.Close()
		os.Remove(w.tmpPath)
		return time.Time{}, uuid.UUID{}, vaulterr.New(vaulterr.Transient, err)
	}
	if err := w.file.Close(); err != nil {
		os.Remove(w.tmpPath)
		return time.Time{}, uuid.UUID{}, vaulterr.New(vaulterr.Transient, err)
	}
	if err := os.Rename(w.tmpPath, w.path); err != nil {
		return time.Time{}, uuid.UUID{}, vaulterr.New(vaulterr.Transient, err)
	}
	return w.ctime, w.uuid, nil
}

// Abort discards the in-progress temp file without sealing it.
func (w *Writer) Abort() error {
	if w.closed {
		return nil
	}
	w.closed = true
	w.file.Close()
	return os.Remove(w.tmpPath)
}

// Reader provides random access to a sealed index file.
type Reader struct {
	kind      Kind
	data      []byte
	ctime     time.Time
	uuid      uuid.UUID
	chunkSize uint64
	totalSize uint64
	count     int
}

// OpenReader reads and validates the header of a sealed index file.
func OpenReader(path string) (*Reader, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, vaulterr.Newf(vaulterr.NotFound, "index %s not found", path)
		}
		return nil, vaulterr.New(vaulterr.Transient, err)
	}
	if len(data) < 8+headerSize {
		return nil, vaulterr.New(vaulterr.Corrupt, fmt.Errorf("index file too small"))
	}

	var magic blob.Magic
	copy(magic[:], data[:8])
	kind, ok := kindOf(magic)
	if !ok {
		return nil, vaulterr.New(vaulterr.Corrupt, fmt.Errorf("unrecognized index magic"))
	}

	hdr := data[8 : 8+headerSize]
	ctimeUnix := int64(binary.LittleEndian.Uint64(hdr[0:8]))
	chunkSize := binary.LittleEndian.Uint64(hdr[8:16])
	totalSize := binary.LittleEndian.Uint64(hdr[16:24])
	var id uuid.UUID
	copy(id[:], hdr[24:40])

	body := data[8+headerSize:]
	recordSize := dynamicRecord
	if kind == KindFixed {
		recordSize = fixedRecord
	}
	if len(body)%recordSize != 0 {
		return nil, vaulterr.New(vaulterr.Corrupt, fmt.Errorf("index body not a multiple of record size"))
	}

	return &Reader{
		kind:      kind,
		data:      body,
		ctime:     time.Unix(ctimeUnix, 0).UTC(),
		uuid:      id,
		chunkSize: chunkSize,
		totalSize: totalSize,
		count:     len(body) / recordSize,
	}, nil
}

// Kind returns the index's record layout.
func (r *Reader) Kind() Kind { return r.kind }

// Len returns the number of chunk records.
func (r *Reader) Len() int { return r.count }

// CTime returns the index's creation time.
func (r *Reader) CTime() time.Time { return r.ctime }

// UUID returns the index's identifier.
func (r *Reader) UUID() uuid.UUID { return r.uuid }

// TotalSize returns the reconstructed stream's total byte length, as
// recorded in the header once the writer closed. 0 for an index with no
// records.
func (r *Reader) TotalSize() uint64 { return r.totalSize }

// DigestAt returns the digest of chunk i.
func (r *Reader) DigestAt(i int) (digest.Digest, error) {
	if i < 0 || i >= r.count {
		return digest.Digest{}, vaulterr.Newf(vaulterr.Invalid, "index: record %d out of range [0,%d)", i, r.count)
	}
	var d digest.Digest
	if r.kind == KindFixed {
		off := i * fixedRecord
		copy(d[:], r.data[off:off+fixedRecord])
	} else {
		off := i*dynamicRecord + 8
		copy(d[:], r.data[off:off+digest.Size])
	}
	return d, nil
}

// ChunkRange returns the byte offset range [start, end) occupied by
// chunk i within the reconstructed file.
func (r *Reader) ChunkRange(i int) (start, end uint64, err error) {
	if i < 0 || i >= r.count {
		return 0, 0, vaulterr.Newf(vaulterr.Invalid, "index: record %d out of range [0,%d)", i, r.count)
	}
	if r.kind == KindFixed {
		start = uint64(i) * r.chunkSize
		end = start + r.chunkSize
		if i == r.count-1 && r.totalSize > 0 && end > r.totalSize {
			end = r.totalSize
		}
		return start, end, nil
	}
	end = binary.LittleEndian.Uint64(r.data[i*dynamicRecord : i*dynamicRecord+8])
	if i == 0 {
		start = 0
	} else {
		start = binary.LittleEndian.Uint64(r.data[(i-1)*dynamicRecord : (i-1)*dynamicRecord+8])
	}
	return start, end, nil
}

// FindMostUsed returns the top-k digests by reference count within this
// index, most-referenced first. Used by the restore session to size its
// digest-keyed LRU cache.
func (r *Reader) FindMostUsed(k int) []digest.Digest {
	counts := make(map[digest.Digest]int, r.count)
	order := make([]digest.Digest, 0, r.count)
	for i := 0; i < r.count; i++ {
		d, _ := r.DigestAt(i)
		if counts[d] == 0 {
			order = append(order, d)
		}
		counts[d]++
	}

	// Simple selection: sort by count descending, stable on first
	// appearance order. The index sizes involved (thousands of chunks)
	// make a plain insertion sort (O(n^2) in the worst case) fast
	// enough; no need for a specialized top-k selection algorithm.
	sortByCountDesc(order, counts)

	if k > len(order) {
		k = len(order)
	}
	return order[:k]
}

func sortByCountDesc(order []digest.Digest, counts map[digest.Digest]int) {
	for i := 1; i < len(order); i++ {
		for j := i; j > 0 && counts[order[j]] > counts[order[j-1]]; j-- {
			order[j], order[j-1] = order[j-1], order[j]
		}
	}
}
