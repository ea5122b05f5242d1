package alloc

import "errors"

// ErrWouldBlock indicates no bucket is available at the requested
// watermark right now. [Allocator.Alloc] itself blocks until one is (or
// ctx is cancelled); this is surfaced only by the non-blocking TryAlloc.
var ErrWouldBlock = errors.New("alloc: would block")

// ErrNoVictim indicates the invalidation pipeline scanned every bucket and
// found none eligible (all pinned, dirty, metadata, or at a generation
// limit).
var ErrNoVictim = errors.New("alloc: no eligible victim bucket")

// ErrPartialSet indicates bucket_alloc_set could not acquire a bucket on
// every requested device; buckets already acquired were released.
var ErrPartialSet = errors.New("alloc: partial allocation set rolled back")
