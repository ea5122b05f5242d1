// Package bcache wires the indexing and space-management core
// (internal/codec, internal/bucket, internal/alloc, internal/extent,
// internal/btree, internal/journal, internal/gc, internal/device) into one
// cache set: a single logical key space backed by one cache device,
// exposing insert/replace/search, bucket_alloc/bucket_free, and GC passes.
// Journaling happens inside Insert and Replace; the journal is not exposed
// as a separate append operation, and no "a bucket became available"
// event is exposed (BucketAlloc blocks until a bucket is free or its
// context is done).
//
// A CacheSet's lifecycle has four phases, mirroring a multi-stage shutdown
// sequence: RUNNING accepts all operations; STOPPING and STOPPING2 reject
// new writes while reads still succeed, and Close flushes the journal
// during STOPPING2; UNREGISTERING also rejects reads and releases the
// device. Bucket mark state is not written to the device. Close drives a
// set through all four phases in order and is idempotent.
package bcache
