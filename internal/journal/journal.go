// Package journal buffers key updates for durable, low-latency commit
// ahead of a B-tree leaf write: a batch of keys is appended as one
// record into a fixed ring of buckets, replayed in sequence order on
// startup, and reclaimed once the tree holding the same data is durable.
package journal

import (
	"fmt"
	"sort"
	"sync"

	"github.com/calvinalkan/bcachecore/internal/codec"
)

// BucketIO reads and writes the full contents of one journal bucket.
// Production wiring wraps a device's mmap region; tests use an in-memory
// fake.
type BucketIO interface {
	WriteBucket(bucketIdx int, data []byte) error
	ReadBucket(bucketIdx int) ([]byte, error)
}

// BucketReclaimer bumps the generation of a journal bucket once Reclaim
// determines its contents are no longer needed, making it reusable by the
// allocator. Production wiring is the bucket table's Invalidate; tests can
// use a no-op.
type BucketReclaimer interface {
	ReclaimBucket(bucketIdx int) error
}

// Journal is one cache set's journal: a ring of dedicated buckets holding
// appended leaf-update batches.
type Journal struct {
	mu sync.Mutex

	io        BucketIO
	reclaimer BucketReclaimer
	buckets   []int
	bytes     int
	magic     uint64

	pos    int // index into buckets currently being written
	offset int
	cur    []byte

	reclaimed      []bool
	maxSeqInBucket []uint64

	nextSeq uint64
	pending []codec.Key
}

// New builds a Journal over buckets (in replay order), each bytes-sized,
// using magic to bind records to this cache set.
func New(io BucketIO, reclaimer BucketReclaimer, buckets []int, bytes int, magic uint64) *Journal {
	reclaimed := make([]bool, len(buckets))
	for i := range reclaimed {
		reclaimed[i] = true
	}

	return &Journal{
		io:             io,
		reclaimer:      reclaimer,
		buckets:        append([]int{}, buckets...),
		bytes:          bytes,
		magic:          magic,
		cur:            make([]byte, bytes),
		reclaimed:      reclaimed,
		maxSeqInBucket: make([]uint64, len(buckets)),
		nextSeq:        1,
	}
}

// Append queues keys to be written by the next Flush. It does not by
// itself make them durable.
func (j *Journal) Append(keys []codec.Key) {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.pending = append(j.pending, keys...)
}

// Pending reports how many keys are queued but not yet flushed, for
// callers implementing a delay-based auto-flush policy.
func (j *Journal) Pending() int {
	j.mu.Lock()
	defer j.mu.Unlock()

	return len(j.pending)
}

// Flush writes the pending batch as one journal record and returns its
// sequence number. A call with nothing pending is a no-op that returns
// the last assigned sequence number.
func (j *Journal) Flush() (uint64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if len(j.pending) == 0 {
		if j.nextSeq == 1 {
			return 0, nil
		}

		return j.nextSeq - 1, nil
	}

	seq := j.nextSeq
	rec := codec.JournalRecord{Seq: seq, LastSeq: seq, Keys: j.pending}
	data := codec.EncodeJournalRecord(j.magic, rec)

	if len(data) > j.bytes {
		return 0, fmt.Errorf("%w: record is %d bytes, bucket holds %d", ErrRecordTooLarge, len(data), j.bytes)
	}

	if j.offset+len(data) > j.bytes {
		if err := j.rollLocked(); err != nil {
			return 0, err
		}
	}

	copy(j.cur[j.offset:], data)

	if err := j.io.WriteBucket(j.buckets[j.pos], j.cur); err != nil {
		return 0, fmt.Errorf("journal: writing record %d to bucket %d: %w", seq, j.buckets[j.pos], err)
	}

	j.offset += len(data)
	j.reclaimed[j.pos] = false
	j.maxSeqInBucket[j.pos] = seq

	j.nextSeq++
	j.pending = nil

	return seq, nil
}

// rollLocked advances the write cursor to the next bucket in the ring.
// Caller holds j.mu.
func (j *Journal) rollLocked() error {
	next := (j.pos + 1) % len(j.buckets)
	if !j.reclaimed[next] {
		return ErrJournalFull
	}

	j.pos = next
	j.offset = 0
	j.cur = make([]byte, j.bytes)

	return nil
}

// Replay reads every journal bucket, decodes whatever records are present,
// and returns every key across every record in sequence order. A decode
// failure partway through a bucket is treated as a torn tail write: replay
// stops for that bucket rather than failing outright. After Replay, the
// journal resumes appending right after the highest sequence number found,
// from the bucket position it was written in.
//
// Replaying the same record more than once (e.g. because the matching
// B-tree write was already durable before the crash) is safe: B-tree
// insert is idempotent.
func (j *Journal) Replay() ([]codec.Key, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	type scan struct {
		buf       []byte
		endOffset int
		lastSeq   uint64
		hasRecord bool
	}

	scans := make([]scan, len(j.buckets))
	var records []codec.JournalRecord

	for i, bucketIdx := range j.buckets {
		buf, err := j.io.ReadBucket(bucketIdx)
		if err != nil {
			return nil, fmt.Errorf("journal: reading bucket %d: %w", bucketIdx, err)
		}

		if len(buf) < j.bytes {
			padded := make([]byte, j.bytes)
			copy(padded, buf)
			buf = padded
		}

		s := scan{buf: buf}

		offset := 0
		for offset < len(buf) {
			rec, n, err := codec.DecodeJournalRecord(buf[offset:], j.magic)
			if err != nil {
				break
			}

			records = append(records, rec)
			s.lastSeq = rec.Seq
			s.hasRecord = true
			offset += n
			s.endOffset = offset
		}

		scans[i] = s
		j.maxSeqInBucket[i] = s.lastSeq
	}

	sort.Slice(records, func(a, b int) bool { return records[a].Seq < records[b].Seq })

	var keys []codec.Key

	var maxSeq uint64

	activePos := 0

	for i, s := range scans {
		if s.hasRecord {
			j.reclaimed[i] = false
		} else {
			j.reclaimed[i] = true
		}

		if s.lastSeq > maxSeq {
			maxSeq = s.lastSeq
			activePos = i
		}
	}

	for _, rec := range records {
		keys = append(keys, rec.Keys...)
	}

	if maxSeq >= j.nextSeq {
		j.nextSeq = maxSeq + 1
	}

	j.pos = activePos
	j.offset = scans[activePos].endOffset
	j.cur = scans[activePos].buf
	j.reclaimed[activePos] = false

	return keys, nil
}

// Reclaim marks every bucket whose highest sequence number is below
// upToSeq as reusable, invoking the reclaimer for each. The journal's
// current write bucket is never reclaimed out from under itself.
func (j *Journal) Reclaim(upToSeq uint64) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	for i, bucketIdx := range j.buckets {
		if i == j.pos {
			continue
		}

		if j.reclaimed[i] {
			continue
		}

		if j.maxSeqInBucket[i] >= upToSeq {
			continue
		}

		if j.reclaimer != nil {
			if err := j.reclaimer.ReclaimBucket(bucketIdx); err != nil {
				return fmt.Errorf("journal: reclaiming bucket %d: %w", bucketIdx, err)
			}
		}

		j.reclaimed[i] = true
		j.maxSeqInBucket[i] = 0
	}

	return nil
}
