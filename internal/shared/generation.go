package shared

import (
	"fmt"
	"os"
	"sync/atomic"
	"syscall"
	"unsafe"
)

// GenerationFile is a single uint64 counter backed by a memory-mapped
// file, shared by every process attached to a datastore. The config
// Watcher (internal/config/watch.go) bumps it when the config file
// changes on disk; config persistence itself never touches it. Readers
// poll it to decide whether their cached Config is stale, without any
// IPC beyond the shared mapping itself.
type GenerationFile struct {
	file *os.File
	data []byte
}

// OpenGenerationFile opens or creates the 8-byte counter file at path.
func OpenGenerationFile(path string) (*GenerationFile, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("open generation file: %w", err)
	}
	if err := f.Truncate(8); err != nil {
		f.Close()
		return nil, fmt.Errorf("truncate generation file: %w", err)
	}

	data, err := syscall.Mmap(int(f.Fd()), 0, 8, syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mmap generation file: %w", err)
	}

	return &GenerationFile{file: f, data: data}, nil
}

// ptr returns the counter's address within the mmap'd region. The
// backing file is truncated to exactly 8 bytes so the mapping is always
// 8-byte aligned at offset 0 on every platform this runs on.
func (g *GenerationFile) ptr() *uint64 {
	return (*uint64)(unsafe.Pointer(&g.data[0]))
}

// Bump atomically increments the counter and returns the new value.
func (g *GenerationFile) Bump() uint64 {
	return atomic.AddUint64(g.ptr(), 1)
}

// Load atomically reads the current counter value.
func (g *GenerationFile) Load() uint64 {
	return atomic.LoadUint64(g.ptr())
}

// Close unmaps and closes the backing file.
func (g *GenerationFile) Close() error {
	var err error
	if g.data != nil {
		if uerr := syscall.Munmap(g.data); uerr != nil {
			err = uerr
		}
		g.data = nil
	}
	if g.file != nil {
		if cerr := g.file.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}
