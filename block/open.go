package block

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/gokernel/ext2fs/backend"
	"github.com/gokernel/ext2fs/backend/file"
)

// OpenFromPath opens the image file or block device at pathName as a
// backend.Storage, taking an advisory exclusive (or shared, if
// readOnly) flock on the underlying fd so two engine instances never
// mount the same backing store read-write at once. The lock is
// best-effort: it is released when the process exits or the file is
// closed, and is not honored across network filesystems.
func OpenFromPath(pathName string, readOnly bool) (backend.Storage, error) {
	storage, err := file.OpenFromPath(pathName, readOnly)
	if err != nil {
		return nil, err
	}
	if f, sysErr := storage.Sys(); sysErr == nil && f != nil {
		how := unix.LOCK_EX
		if readOnly {
			how = unix.LOCK_SH
		}
		if lockErr := unix.Flock(int(f.Fd()), how|unix.LOCK_NB); lockErr != nil {
			storage.Close()
			return nil, fmt.Errorf("block: %s is locked by another process: %w", pathName, lockErr)
		}
	}
	return storage, nil
}

// CreateFromPath creates a new backing image file of the given size.
func CreateFromPath(pathName string, size int64) (backend.Storage, error) {
	if size <= 0 {
		return nil, errors.New("block: size must be positive")
	}
	return file.CreateFromPath(pathName, size)
}
