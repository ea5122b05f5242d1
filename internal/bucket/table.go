package bucket

import (
	"fmt"
	"sync"
)

// Bucket is one cache device's per-bucket state. The zero value is a
// fresh, unused, clean bucket.
type Bucket struct {
	Prio    uint16
	Gen     uint8
	DiskGen uint8
	LastGC  uint8
	GCGen   uint8
	Mark    GCMark
	Pin     int32
}

// Table is the in-memory bucket-state array for one cache device: a
// contiguous slice indexed by bucket number, guarded by a single mutex
//. Held for short bounded operations only, never
// across I/O — callers persisting a prio_set chain or issuing a discard do
// so outside the lock, using a snapshot taken via [Table.Snapshot].
type Table struct {
	mu sync.Mutex

	buckets []Bucket

	initialPrio    uint16
	diskGenMax     uint8
	gcGenMax       uint8
	rescaleLimit   uint64
	rescaleCounter uint64
}

// Params configures a new Table; fields mirror config.Config's bucket
// tunables.
type Params struct {
	InitialPrio      uint16
	BucketDiskGenMax uint8
	BucketGCGenMax   uint8
	RescaleSectors   uint64
}

// New allocates a Table of n buckets, all zero-valued.
func New(n int, p Params) *Table {
	if p.BucketDiskGenMax == 0 {
		p.BucketDiskGenMax = 1
	}

	if p.BucketGCGenMax == 0 {
		p.BucketGCGenMax = 1
	}

	return &Table{
		buckets:        make([]Bucket, n),
		initialPrio:    p.InitialPrio,
		diskGenMax:     p.BucketDiskGenMax,
		gcGenMax:       p.BucketGCGenMax,
		rescaleLimit:   p.RescaleSectors,
		rescaleCounter: p.RescaleSectors,
	}
}

// Len returns the bucket count.
func (t *Table) Len() int {
	return len(t.buckets)
}

func (t *Table) checkIndex(i int) error {
	if i < 0 || i >= len(t.buckets) {
		return fmt.Errorf("%w: %d (len %d)", ErrOutOfRange, i, len(t.buckets))
	}

	return nil
}

// Get returns a copy of bucket i's state.
func (t *Table) Get(i int) (Bucket, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.checkIndex(i); err != nil {
		return Bucket{}, err
	}

	return t.buckets[i], nil
}

// Snapshot returns a copy of the whole table, for GC mark-pass scans and
// prio_write chain construction: callers must not hold Table's lock while
// doing I/O.
func (t *Table) Snapshot() []Bucket {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Bucket, len(t.buckets))
	copy(out, t.buckets)

	return out
}

// Pin increments bucket i's in-flight reference count, blocking reuse.
func (t *Table) Pin(i int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.checkIndex(i); err != nil {
		return err
	}

	t.buckets[i].Pin++

	return nil
}

// Unpin decrements bucket i's pin count.
func (t *Table) Unpin(i int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.checkIndex(i); err != nil {
		return err
	}

	if t.buckets[i].Pin > 0 {
		t.buckets[i].Pin--
	}

	return nil
}

// genDistance computes (a - b) mod 256 using the 8-bit epoch-counter
// discipline below: a single wraparound subtraction.
func genDistance(a, b uint8) uint8 {
	return a - b
}

// NeedsPrioWrite reports whether bucket i's (gen - disk_gen) distance has
// reached the configured limit: further invalidation would violate
// invariant 1 until a prio_write persists the current generations.
func (t *Table) NeedsPrioWrite(i int) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.checkIndex(i); err != nil {
		return false, err
	}

	b := t.buckets[i]

	return genDistance(b.Gen, b.DiskGen) >= t.diskGenMax, nil
}

// NeedsGC reports whether bucket i's (gen - last_gc) distance has reached
// the configured limit: further invalidation would violate invariant 1
// until a GC mark pass completes.
func (t *Table) NeedsGC(i int) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.checkIndex(i); err != nil {
		return false, err
	}

	b := t.buckets[i]

	return genDistance(b.Gen, b.LastGC) >= t.gcGenMax, nil
}

// Invalidate bumps bucket i's generation (invalidating all outstanding
// pointers into it) and resets its priority to InitialPrio.
// Returns [ErrPinned] if the bucket is pinned, [ErrGenLimit] if bumping gen
// would violate the disk_gen distance invariant, or [ErrGCGenLimit] if it
// would violate the GC distance invariant. needsPrioWrite reports whether
// the new distance has reached the limit, signalling the caller to trigger
// prio_write before invalidating this bucket again.
func (t *Table) Invalidate(i int) (needsPrioWrite bool, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.checkIndex(i); err != nil {
		return false, err
	}

	b := &t.buckets[i]

	if b.Pin != 0 {
		return false, fmt.Errorf("%w: bucket %d", ErrPinned, i)
	}

	if !b.Mark.Reclaimable() {
		return false, fmt.Errorf("%w: bucket %d has mark state %d", ErrInvalidMarkState, i, b.Mark.State)
	}

	if genDistance(b.Gen, b.DiskGen) >= t.diskGenMax {
		return false, fmt.Errorf("%w: bucket %d", ErrGenLimit, i)
	}

	if genDistance(b.Gen, b.LastGC) >= t.gcGenMax {
		return false, fmt.Errorf("%w: bucket %d", ErrGCGenLimit, i)
	}

	b.Gen++
	b.Prio = t.initialPrio

	return genDistance(b.Gen, b.DiskGen) >= t.diskGenMax, nil
}

// MarkPrioWritten records that bucket i's current generation has been
// persisted to the priority table, advancing disk_gen and unblocking
// further invalidation.
func (t *Table) MarkPrioWritten(i int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.checkIndex(i); err != nil {
		return err
	}

	t.buckets[i].DiskGen = t.buckets[i].Gen

	return nil
}

// BeginMarkPass resets every bucket's gc_gen and sectors_used ahead of a
// new mark pass.
func (t *Table) BeginMarkPass() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i := range t.buckets {
		t.buckets[i].GCGen = t.buckets[i].Gen
		t.buckets[i].Mark.SectorsUsed = 0
	}
}

// AddSectorsUsed accumulates n sectors of live data onto bucket i's mark
// during a mark-pass B-tree walk.
func (t *Table) AddSectorsUsed(i int, n uint16) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.checkIndex(i); err != nil {
		return err
	}

	sum := uint32(t.buckets[i].Mark.SectorsUsed) + uint32(n)
	if sum > maxSectorsUsed {
		sum = maxSectorsUsed
	}

	t.buckets[i].Mark.SectorsUsed = uint16(sum)

	return nil
}

// SetMarkState sets bucket i's gc_mark state, used during the mark-pass
// walk (dirty/clean/metadata) and on completion (reclaimable).
func (t *Table) SetMarkState(i int, state MarkState) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.checkIndex(i); err != nil {
		return err
	}

	t.buckets[i].Mark.State = state

	return nil
}

// FinishMarkPass swaps in gc_gen as the new last_gc for every bucket,
// completing a GC mark pass.
func (t *Table) FinishMarkPass() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i := range t.buckets {
		t.buckets[i].LastGC = t.buckets[i].GCGen
	}
}

// Rescale decrements the shared rescale counter by sectors; once it would
// cross zero, every bucket's priority is halved (saturating toward the
// minimum observed nonzero priority) and the counter resets.
// Returns whether a rescale occurred.
func (t *Table) Rescale(sectors uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if sectors < t.rescaleCounter {
		t.rescaleCounter -= sectors
		return false
	}

	t.rescaleCounter = t.rescaleLimit
	t.halvePriorities()

	return true
}

func (t *Table) halvePriorities() {
	var min uint16
	found := false

	for _, b := range t.buckets {
		if b.Prio > 0 && (!found || b.Prio < min) {
			min = b.Prio
			found = true
		}
	}

	if !found {
		return
	}

	for i := range t.buckets {
		p := t.buckets[i].Prio
		if p == 0 {
			continue
		}

		t.buckets[i].Prio = min + (p-min)/2
	}
}

// CheckInvariants verifies the generation-discipline invariant across every
// bucket: reports the first violating index, or
// -1 if none.
func (t *Table) CheckInvariants() (violatingIndex int, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i, b := range t.buckets {
		if genDistance(b.Gen, b.DiskGen) > t.diskGenMax {
			return i, fmt.Errorf("%w: bucket %d gen-disk_gen distance %d > %d",
				ErrInvariantViolation, i, genDistance(b.Gen, b.DiskGen), t.diskGenMax)
		}

		if genDistance(b.Gen, b.LastGC) > t.gcGenMax {
			return i, fmt.Errorf("%w: bucket %d gen-last_gc distance %d > %d",
				ErrInvariantViolation, i, genDistance(b.Gen, b.LastGC), t.gcGenMax)
		}

		if !b.Mark.Reclaimable() {
			// A dirty/metadata bucket must never be in a free list; that
			// invariant is enforced by the allocator, which only consults
			// Mark.Reclaimable before pushing onto free_inc.
			continue
		}
	}

	return -1, nil
}
