package bucket

import "errors"

// ErrGenLimit indicates a bucket's (gen - disk_gen) distance is already at
// BucketDiskGenMax; the caller must trigger a priority-table persist
// before invalidating the bucket again.
var ErrGenLimit = errors.New("bucket: gen - disk_gen at limit, prio_write required")

// ErrGCGenLimit indicates a bucket's (gen - last_gc) distance is already at
// BucketGCGenMax; a GC mark pass must complete before the bucket can be
// invalidated again.
var ErrGCGenLimit = errors.New("bucket: gen - last_gc at limit, gc required")

// ErrPinned indicates a bucket has a nonzero pin count and cannot be
// invalidated or freed.
var ErrPinned = errors.New("bucket: pinned")

// ErrOutOfRange indicates a bucket index outside [0, Table.Len()).
var ErrOutOfRange = errors.New("bucket: index out of range")

// ErrInvalidMarkState indicates an invalidation was attempted on a bucket
// whose gc_mark is dirty or metadata: such a bucket must never enter a
// free list.
var ErrInvalidMarkState = errors.New("bucket: mark state forbids invalidation")

// ErrInvariantViolation indicates [Table.CheckInvariants] found a bucket
// outside the generation-discipline bounds.
var ErrInvariantViolation = errors.New("bucket: invariant violation")
