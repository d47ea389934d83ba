//go:build linux

package disk

import (
	"os"

	"golang.org/x/sys/unix"
)

// preallocateNative uses fallocate so the filesystem reserves real extents
// up front and later block writes cannot fail with ENOSPC.
func preallocateNative(path string, size int64) error {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	if size == 0 {
		return nil
	}
	if err := unix.Fallocate(int(f.Fd()), 0, 0, size); err != nil {
		// filesystems without fallocate support (e.g. some FUSE mounts)
		return preallocateSparse(path, size)
	}
	return nil
}
