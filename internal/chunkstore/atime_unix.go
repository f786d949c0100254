package chunkstore

import (
	"os"
	"syscall"
	"time"
)

// atimeOf extracts the last-access time from a file's platform stat
// structure. GC's sweep compares it against its cutoff; the mark phase
// and duplicate inserts set it explicitly through Store.Touch
// (os.Chtimes), so liveness does not rely on reads updating atime.
func atimeOf(info os.FileInfo) time.Time {
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return info.ModTime()
	}
	return time.Unix(stat.Atim.Sec, stat.Atim.Nsec)
}
