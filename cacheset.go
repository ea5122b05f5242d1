package bcache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/calvinalkan/bcachecore/internal/alloc"
	"github.com/calvinalkan/bcachecore/internal/bucket"
	"github.com/calvinalkan/bcachecore/internal/btree"
	"github.com/calvinalkan/bcachecore/internal/codec"
	"github.com/calvinalkan/bcachecore/internal/config"
	"github.com/calvinalkan/bcachecore/internal/device"
	"github.com/calvinalkan/bcachecore/internal/gc"
	"github.com/calvinalkan/bcachecore/internal/journal"
)

// Phase is one of a CacheSet's four lifecycle states, documented in doc.go.
type Phase int

const (
	PhaseRunning Phase = iota
	PhaseStopping
	PhaseStopping2
	PhaseUnregistering
)

func (p Phase) String() string {
	switch p {
	case PhaseRunning:
		return "running"
	case PhaseStopping:
		return "stopping"
	case PhaseStopping2:
		return "stopping2"
	case PhaseUnregistering:
		return "unregistering"
	default:
		return "unknown"
	}
}

// nodeStoreAdapter implements [btree.NodeStore] over the bucket allocator: a
// node is allocated at the metadata watermark (it must never be starved by
// ordinary data writes) and invalidated by bucket index when superseded by
// a split or rewrite.
type nodeStoreAdapter struct {
	alloc *alloc.Allocator
}

func (a *nodeStoreAdapter) AllocateNode(ctx context.Context) (int, error) {
	return a.alloc.Alloc(ctx, alloc.WatermarkMetadata)
}

func (a *nodeStoreAdapter) InvalidateNode(bucketIdx int) error {
	_, err := a.alloc.InvalidateBucket(bucketIdx)
	return err
}

var _ btree.NodeStore = (*nodeStoreAdapter)(nil)

// bucketReclaimerAdapter lets the journal reclaim its own ring buckets
// through the bucket table directly: journal buckets are a fixed,
// pre-assigned set that never passes through the allocator's rings.
type bucketReclaimerAdapter struct {
	table *bucket.Table
}

func (b *bucketReclaimerAdapter) ReclaimBucket(bucketIdx int) error {
	_, err := b.table.Invalidate(bucketIdx)
	return err
}

var _ journal.BucketReclaimer = (*bucketReclaimerAdapter)(nil)

// CacheSet composes the indexing and space-management core into the one
// logical key space named in doc.go, backed by a single cache device.
type CacheSet struct {
	mu    sync.RWMutex
	phase atomic.Int32

	cfg    config.Config
	dev    *device.Device
	table  *bucket.Table
	alloc  *alloc.Allocator
	tree   *btree.Tree
	jrnl   *journal.Journal
	sb     codec.Superblock

	bucketSizeSectors uint64

	errored        atomic.Bool
	degraded       atomic.Bool
	sectorsSinceGC atomic.Uint64
}

// Open builds a CacheSet over an already-formatted device: dev and table
// must agree on bucket count, sb carries the journal bucket ring, and cfg
// supplies the watermark and generation-discipline tunables.
func Open(ctx context.Context, dev *device.Device, table *bucket.Table, sb codec.Superblock, cfg config.Config) (*CacheSet, error) {
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("bcache: opening cache set: %w", err)
	}

	dev.SetErrorBudget(device.NewErrorBudget(cfg.ErrorLimit, cfg.ErrorDecay))

	a := alloc.New(table, cfg, deviceDiscarder{dev})

	journalBuckets := make([]int, len(sb.JournalBuckets))
	for i, b := range sb.JournalBuckets {
		journalBuckets[i] = int(b)
		a.Reserve(journalBuckets[i])
	}

	store := &nodeStoreAdapter{alloc: a}
	checker := liveChecker(table, cfg.BucketSizeSectors)

	tree, err := btree.New(ctx, store, checker, btree.DefaultOptions())
	if err != nil {
		return nil, fmt.Errorf("bcache: building index: %w", err)
	}

	jrnl := journal.New(deviceBucketIO{dev}, &bucketReclaimerAdapter{table: table}, journalBuckets, dev.BucketSize(), sb.JournalMagic())

	cs := &CacheSet{
		cfg:               cfg,
		dev:               dev,
		table:             table,
		alloc:             a,
		tree:              tree,
		jrnl:              jrnl,
		sb:                sb,
		bucketSizeSectors: cfg.BucketSizeSectors,
	}

	if err := cs.recover(ctx); err != nil {
		return nil, fmt.Errorf("bcache: recovering from journal: %w", err)
	}

	return cs, nil
}

// recover replays the journal into the tree, reconstructing in-memory state
// lost on an unclean shutdown. Replayed inserts are idempotent, so replaying
// records already reflected in a durable B-tree node is harmless.
func (cs *CacheSet) recover(ctx context.Context) error {
	keys, err := cs.jrnl.Replay()
	if err != nil {
		return err
	}

	return cs.tree.Insert(ctx, keys)
}

// liveChecker adapts a bucket table into a [btree.PointerChecker]: a
// pointer is live iff its recorded generation still matches the bucket it
// addresses, i.e. the bucket has not been invalidated and reused since the
// pointer was written.
func liveChecker(table *bucket.Table, bucketSizeSectors uint64) btree.PointerChecker {
	return func(p codec.Ptr) bool {
		idx := gc.BucketOf(p, bucketSizeSectors)

		b, err := table.Get(idx)
		if err != nil {
			return false
		}

		return b.Gen == p.Gen
	}
}

func (cs *CacheSet) checkOpenForWrite() error {
	p := Phase(cs.phase.Load())
	if p != PhaseRunning {
		return fmt.Errorf("%w: phase %s", ErrClosed, p)
	}

	if cs.errored.Load() {
		return ErrSetErrored
	}

	return nil
}

// refreshDeviceHealth syncs the set's degraded/errored flags from the
// device's error budget. A device that exceeded its budget has no
// replica to fail over to in this single-device implementation, so it
// takes the whole set errored; a device with unresolved-but-under-budget
// errors only marks the set degraded, which does not stop operation.
func (cs *CacheSet) refreshDeviceHealth() {
	if cs.dev.Failed() {
		cs.errored.Store(true)
		return
	}

	cs.degraded.Store(cs.dev.Degraded())
}

// Health reports the cache set's current device-health classification:
// nil if healthy, [ErrDegraded] if the device has recorded I/O errors
// that have not yet exceeded its budget, or [ErrSetErrored] if the
// device's budget was exceeded.
func (cs *CacheSet) Health() error {
	cs.refreshDeviceHealth()

	if cs.errored.Load() {
		return ErrSetErrored
	}

	if cs.degraded.Load() {
		return ErrDegraded
	}

	return nil
}

func (cs *CacheSet) checkOpenForRead() error {
	p := Phase(cs.phase.Load())
	if p == PhaseUnregistering {
		return fmt.Errorf("%w: phase %s", ErrClosed, p)
	}

	return nil
}

// Insert installs keys into the index and appends them to the journal in
// the same call: the journal record is written first, then the in-memory
// tree is updated to match, so a crash between the two is repaired by
// journal replay on the next Open.
// Once the sectors written since the last pass reach the configured GC
// trigger, a mark-and-sweep pass runs automatically before Insert returns.
func (cs *CacheSet) Insert(ctx context.Context, keys []codec.Key) error {
	if err := cs.insertLocked(ctx, keys); err != nil {
		return err
	}

	cs.maybeRunGC(keys)

	return nil
}

func (cs *CacheSet) insertLocked(ctx context.Context, keys []codec.Key) error {
	cs.mu.RLock()
	defer cs.mu.RUnlock()

	if err := cs.checkOpenForWrite(); err != nil {
		return err
	}

	cs.jrnl.Append(keys)
	if _, err := cs.jrnl.Flush(); err != nil {
		return cs.journalIOFailure("insert", err)
	}

	if err := cs.tree.Insert(ctx, keys); err != nil {
		return cs.classifyTreeError(err)
	}

	return nil
}

// maybeRunGC accounts keys' sector footprint against the configured GC
// trigger and runs one mark-and-sweep pass once it is reached, resetting
// the counter regardless of the pass's outcome: a failed background pass
// must not wedge every future insert into retrying it. GCTriggerSectors
// of 0 disables the automatic trigger.
func (cs *CacheSet) maybeRunGC(keys []codec.Key) {
	if cs.cfg.GCTriggerSectors == 0 {
		return
	}

	var sectors uint64
	for _, k := range keys {
		sectors += uint64(k.Size)
	}

	if cs.sectorsSinceGC.Add(sectors) < cs.cfg.GCTriggerSectors {
		return
	}

	cs.sectorsSinceGC.Store(0)
	_ = cs.RunGC()
}

// journalIOFailure classifies a journal I/O error against the device's
// error budget: a device that has exceeded its budget takes the set
// errored (no replica to fail over to); otherwise the set is only marked
// degraded and keeps accepting writes.
func (cs *CacheSet) journalIOFailure(op string, err error) error {
	cs.refreshDeviceHealth()

	if cs.errored.Load() {
		return fmt.Errorf("bcache: %s: journaling: %w: %w", op, ErrDeviceFailed, err)
	}

	return fmt.Errorf("bcache: %s: journaling: %w: %w", op, ErrDegraded, err)
}

// classifyTreeError maps an error returned by the index into the caller
// -facing sentinel: cannibalization failure is an operational, retryable
// condition and must not be conflated with a genuine invariant violation,
// which marks the set errored and stops further writes.
func (cs *CacheSet) classifyTreeError(err error) error {
	if errors.Is(err, btree.ErrCannibalizeFailed) {
		return fmt.Errorf("%w: %w", ErrCannibalizeFailed, err)
	}

	cs.errored.Store(true)

	return fmt.Errorf("%w: %w", ErrInvariantViolation, err)
}

// Replace performs a compare-and-swap insert, journaling newKey only after
// the in-memory swap succeeds: a losing replace never touches durable
// state.
func (cs *CacheSet) Replace(ctx context.Context, oldKey, newKey codec.Key) error {
	cs.mu.RLock()
	defer cs.mu.RUnlock()

	if err := cs.checkOpenForWrite(); err != nil {
		return err
	}

	if err := cs.tree.Replace(ctx, oldKey, newKey); err != nil {
		if errors.Is(err, btree.ErrCannibalizeFailed) {
			return fmt.Errorf("%w: %w", ErrCannibalizeFailed, err)
		}

		if errors.Is(err, btree.ErrReplaceMiss) {
			return fmt.Errorf("%w: %w", ErrReplaceMiss, err)
		}

		return err
	}

	cs.jrnl.Append([]codec.Key{newKey})
	if _, err := cs.jrnl.Flush(); err != nil {
		return cs.journalIOFailure("replace", err)
	}

	return nil
}

// Search looks up the key covering sector within inode.
func (cs *CacheSet) Search(inode uint32, sector uint64) (codec.Key, bool, error) {
	cs.mu.RLock()
	defer cs.mu.RUnlock()

	if err := cs.checkOpenForRead(); err != nil {
		return codec.Key{}, false, err
	}

	k, ok := cs.tree.Search(inode, sector)
	return k, ok, nil
}

// BucketAlloc acquires one free bucket at watermark w, blocking until one
// is available or ctx is done.
func (cs *CacheSet) BucketAlloc(ctx context.Context, w alloc.Watermark) (int, error) {
	if err := cs.checkOpenForWrite(); err != nil {
		return 0, err
	}

	return cs.alloc.Alloc(ctx, w)
}

// BucketFree returns a never-written bucket directly to the unused ring.
func (cs *CacheSet) BucketFree(i int) {
	cs.alloc.Free(i)
}

// RunGC executes one full mark-and-sweep pass over the device's buckets,
// using the tree's current contents as the liveness ground truth.
func (cs *CacheSet) RunGC() error {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	keys := cs.tree.AllLiveKeys()
	nodeBuckets := cs.tree.AllNodeBuckets()

	return gc.Pass(cs.table, keys, nodeBuckets, cs.bucketSizeSectors)
}

// MovingGCCandidates reports sparsely-occupied dirty buckets worth
// compacting, per the configured occupancy threshold.
func (cs *CacheSet) MovingGCCandidates() []int {
	snap := cs.table.Snapshot()
	return gc.MovingGCCandidates(snap, cs.bucketSizeSectors, cs.cfg.MovingGCOccupancyThreshold)
}

// StaleRewriteCandidates reports B-tree node bucket indices carrying more
// stale pointer weight than the configured threshold, stalest first:
// nodes worth rewriting to reclaim dead pointer space ahead of a natural
// split.
func (cs *CacheSet) StaleRewriteCandidates() []int {
	cs.mu.RLock()
	defer cs.mu.RUnlock()

	fractions := cs.tree.NodeStalePointerFractions()

	return gc.StaleRewriteCandidates(fractions, cs.cfg.StaleRewriteThreshold)
}

// Superblock returns the superblock this set was opened with.
func (cs *CacheSet) Superblock() codec.Superblock {
	cs.mu.RLock()
	defer cs.mu.RUnlock()

	return cs.sb
}

// Close drives the set through STOPPING, STOPPING2, and UNREGISTERING in
// order, flushing the journal before releasing the device. Idempotent:
// calling Close again once UNREGISTERING is reached is a no-op.
func (cs *CacheSet) Close(ctx context.Context) error {
	if !cs.phase.CompareAndSwap(int32(PhaseRunning), int32(PhaseStopping)) {
		// Another call already drove (or is driving) the shutdown sequence.
		return nil
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()

	cs.phase.Store(int32(PhaseStopping2))

	if _, err := cs.jrnl.Flush(); err != nil {
		return fmt.Errorf("bcache: close: flushing journal: %w", err)
	}

	cs.phase.Store(int32(PhaseUnregistering))

	if err := cs.dev.Close(); err != nil {
		return fmt.Errorf("bcache: close: releasing device: %w", err)
	}

	return nil
}

// deviceBucketIO adapts [device.Device] to [journal.BucketIO].
type deviceBucketIO struct{ dev *device.Device }

func (d deviceBucketIO) WriteBucket(idx int, data []byte) error { return d.dev.WriteBucket(idx, data) }
func (d deviceBucketIO) ReadBucket(idx int) ([]byte, error)     { return d.dev.ReadBucket(idx) }

// deviceDiscarder adapts [device.Device] to [alloc.Discarder].
type deviceDiscarder struct{ dev *device.Device }

func (d deviceDiscarder) Discard(_ context.Context, idx int) error { return d.dev.DiscardBucket(idx) }
