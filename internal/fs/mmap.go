package fs

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// MmapShared maps the first size bytes of fd into memory, shared between all
// mappers so writes are visible to other processes and persisted on Msync.
//
// The returned slice's length and capacity both equal size. Callers must
// call Munmap exactly once when done.
func MmapShared(fd int, size int) ([]byte, error) {
	data, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap: %w", err)
	}

	return data, nil
}

// Munmap unmaps a region previously returned by [MmapShared].
func Munmap(data []byte) error {
	if data == nil {
		return nil
	}

	if err := unix.Munmap(data); err != nil {
		return fmt.Errorf("munmap: %w", err)
	}

	return nil
}

// MsyncRange flushes the given byte range of an mmap'd region to disk.
//
// offset is aligned down to a page boundary before the call and the kernel
// rounds the length up to whole pages; callers do not need to align them.
func MsyncRange(data []byte, offset, length int) error {
	if length <= 0 {
		return nil
	}

	end := offset + length
	if offset < 0 || end > len(data) {
		return fmt.Errorf("msync: range [%d,%d) out of bounds for %d-byte mapping", offset, end, len(data))
	}

	// msync requires a page-aligned start address; the mapping itself begins
	// on a page boundary, so aligning offset down is enough.
	start := offset &^ (unix.Getpagesize() - 1)

	if err := unix.Msync(data[start:end], unix.MS_SYNC); err != nil {
		return fmt.Errorf("msync: %w", err)
	}

	return nil
}

// Discard issues a TRIM against the byte range [offset, offset+length) of fd
// by punching a hole, telling the underlying storage those sectors are free.
//
// Returns [ErrDiscardUnsupported] (wrapped) when the filesystem or device does
// not support hole punching; callers should treat that as "skip discard",
// not as a fatal error.
func Discard(fd int, offset, length int64) error {
	err := unix.FallocPunchHole(fd, offset, length)
	if err != nil {
		if err == unix.EOPNOTSUPP || err == unix.ENOSYS { //nolint:errorlint // unix.Errno comparison
			return fmt.Errorf("discard: %w: %w", ErrDiscardUnsupported, err)
		}

		return fmt.Errorf("discard: %w", err)
	}

	return nil
}

// ErrDiscardUnsupported indicates the backing filesystem/device cannot punch
// holes. Callers should disable discard for the device rather than fail.
var ErrDiscardUnsupported = fmt.Errorf("discard not supported")
