package disk

import (
	"os"

	"github.com/avinier/burrow/internal/config"
)

// preallocate claims size bytes for path using strategy. The native strategy
// is platform-specific (see prealloc_linux.go / prealloc_windows.go); other
// platforms fall back to sparse.
func preallocate(path string, size int64, strategy config.PreallocateStrategy) error {
	switch strategy {
	case config.PreallocateSparse:
		return preallocateSparse(path, size)
	case config.PreallocateFull:
		return preallocateFull(path, size)
	case config.PreallocateNative:
		return preallocateNative(path, size)
	default:
		return nil
	}
}

// preallocateSparse seeks to size-1 and writes one byte; the filesystem
// materializes the rest as a hole.
func preallocateSparse(path string, size int64) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	if size == 0 {
		return nil
	}
	if _, err := f.WriteAt([]byte{0}, size-1); err != nil {
		return err
	}
	return nil
}

// preallocateFull writes zeros over the entire length, in chunks.
func preallocateFull(path string, size int64) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	const chunk = 1 << 20
	zeros := make([]byte, chunk)

	var offset int64
	for offset < size {
		n := min(int64(chunk), size-offset)
		if _, err := f.WriteAt(zeros[:n], offset); err != nil {
			return err
		}
		offset += n
	}
	return nil
}
