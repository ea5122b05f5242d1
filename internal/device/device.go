// Package device memory-maps one cache device's backing file and exposes
// it as a flat, bucket-addressed byte space. The device assigns no roles
// to buckets: the caller decides which buckets hold the journal ring (the
// superblock's JournalBuckets) and which hold B-tree nodes and cached
// data. The superblock is not stored in a bucket; [WriteSuperblock] writes
// it to a file of its own. Higher layers (btree.NodeStore,
// journal.BucketIO) are thin adapters over [Device.ReadBucket] /
// [Device.WriteBucket].
package device

import (
	"errors"
	"fmt"
	"os"

	"github.com/calvinalkan/bcachecore/internal/fs"
)

// ErrDeviceBusy is returned by Open when another process already holds the
// device's exclusive lock.
var ErrDeviceBusy = errors.New("device: already open by another process")

// Device is a memory-mapped cache device.
type Device struct {
	file       *os.File
	data       []byte
	bucketSize int // bytes per bucket
	nBuckets   int
	lock       *fs.Lock

	budget *ErrorBudget // nil until SetErrorBudget is called
}

// Open mmaps path (created and sized if it does not already hold
// nBuckets*bucketSize bytes) and returns a Device over it.
//
// Open takes an exclusive flock on path+".lock" for as long as the Device
// stays open: a cache device is single-owner, and two processes mmapping
// the same backing file would silently race each other's writes.
func Open(path string, nBuckets, bucketSize int) (*Device, error) {
	if bucketSize <= 0 || nBuckets <= 0 {
		return nil, fmt.Errorf("device: nBuckets and bucketSize must be positive")
	}

	locker := fs.NewLocker(fs.NewReal())

	lock, err := locker.TryLock(path + ".lock")
	if err != nil {
		if errors.Is(err, fs.ErrWouldBlock) {
			return nil, fmt.Errorf("device: locking %s: %w", path, ErrDeviceBusy)
		}
		return nil, fmt.Errorf("device: locking %s: %w", path, err)
	}

	size := nBuckets * bucketSize

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		lock.Close()
		return nil, fmt.Errorf("device: opening %s: %w", path, err)
	}

	if err := f.Truncate(int64(size)); err != nil {
		f.Close()
		lock.Close()
		return nil, fmt.Errorf("device: sizing %s to %d bytes: %w", path, size, err)
	}

	data, err := fs.MmapShared(int(f.Fd()), size)
	if err != nil {
		f.Close()
		lock.Close()
		return nil, fmt.Errorf("device: mapping %s: %w", path, err)
	}

	return &Device{file: f, data: data, bucketSize: bucketSize, nBuckets: nBuckets, lock: lock}, nil
}

// Close unmaps and closes the backing file, releasing its exclusive lock.
func (d *Device) Close() error {
	if err := fs.Munmap(d.data); err != nil {
		return err
	}

	if err := d.file.Close(); err != nil {
		return fmt.Errorf("device: closing: %w", err)
	}

	if err := d.lock.Close(); err != nil {
		return fmt.Errorf("device: releasing lock: %w", err)
	}

	return nil
}

func (d *Device) checkIndex(idx int) error {
	if idx < 0 || idx >= d.nBuckets {
		return fmt.Errorf("device: bucket %d out of range (have %d)", idx, d.nBuckets)
	}

	return nil
}

// SetErrorBudget installs the I/O error budget this device accounts
// writes and discards against. [Device.ReadBucket] copies from the mapping
// and records nothing. A device with no budget set never reports Failed.
func (d *Device) SetErrorBudget(budget *ErrorBudget) {
	d.budget = budget
}

// Failed reports whether this device's error budget, if any, has been
// exceeded.
func (d *Device) Failed() bool {
	return d.budget != nil && d.budget.Failed()
}

// Degraded reports whether this device's error budget has recorded
// unresolved I/O errors without (yet) exceeding its limit.
func (d *Device) Degraded() bool {
	return d.budget != nil && d.budget.Degraded()
}

// recordOutcome charges err against the error budget (success decays it,
// failure adds to it) and returns err unchanged, so call sites can wrap
// their I/O calls in it without disturbing their own error handling.
func (d *Device) recordOutcome(err error) error {
	if d.budget == nil {
		return err
	}

	if err != nil {
		d.budget.RecordError()
	} else {
		d.budget.RecordSuccess()
	}

	return err
}

// ReadBucket returns a copy of bucket idx's contents.
func (d *Device) ReadBucket(idx int) ([]byte, error) {
	if err := d.checkIndex(idx); err != nil {
		return nil, err
	}

	start := idx * d.bucketSize
	buf := make([]byte, d.bucketSize)
	copy(buf, d.data[start:start+d.bucketSize])

	return buf, nil
}

// WriteBucket overwrites bucket idx's contents with data (zero-padded or
// truncated to the bucket size) and flushes it to the backing file.
func (d *Device) WriteBucket(idx int, data []byte) error {
	if err := d.checkIndex(idx); err != nil {
		return err
	}

	start := idx * d.bucketSize

	n := copy(d.data[start:start+d.bucketSize], data)
	for i := start + n; i < start+d.bucketSize; i++ {
		d.data[i] = 0
	}

	return d.recordOutcome(fs.MsyncRange(d.data, start, d.bucketSize))
}

// DiscardBucket tells the backing store bucket idx's contents are no
// longer needed, best-effort: [fs.ErrDiscardUnsupported] is not fatal.
// When the backing store cannot discard, DiscardBucket returns nil and
// records nothing against the error budget.
func (d *Device) DiscardBucket(idx int) error {
	if err := d.checkIndex(idx); err != nil {
		return err
	}

	err := fs.Discard(int(d.file.Fd()), int64(idx*d.bucketSize), int64(d.bucketSize))
	if errors.Is(err, fs.ErrDiscardUnsupported) {
		return nil
	}

	return d.recordOutcome(err)
}

// BucketSize reports the configured bucket size in bytes.
func (d *Device) BucketSize() int { return d.bucketSize }

// NBuckets reports the bucket count.
func (d *Device) NBuckets() int { return d.nBuckets }
