package alloc

import (
	"context"
	"fmt"
	"math/rand"
	"sync"

	"github.com/calvinalkan/bcachecore/internal/bucket"
	"github.com/calvinalkan/bcachecore/internal/config"
)

// Discarder issues a TRIM for a bucket's sector range before it re-enters
// the free ring. Implementations live in internal/device, backed by
// internal/fs's Discard.
type Discarder interface {
	Discard(ctx context.Context, bucketIndex int) error
}

// NopDiscarder performs no discard, for devices or tests where TRIM is
// disabled or unsupported.
type NopDiscarder struct{}

func (NopDiscarder) Discard(context.Context, int) error { return nil }

// Allocator is one cache device's bucket allocator: the free,
// free_inc, and unused rings, watermark-gated allocation, and the
// invalidate→discard→free pipeline that replenishes free from buckets the
// GC has marked reclaimable.
type Allocator struct {
	mu     sync.Mutex
	notify chan struct{} // closed and replaced whenever state changes a blocked waiter should recheck

	table    *bucket.Table
	reserves Reserves
	policy   config.ReplacementPolicy

	free    *ring
	freeInc *ring
	unused  *ring
	inRing  map[int]bool

	fifoCursor int
	rng        *rand.Rand

	discardEnabled bool
	discarder      Discarder
	discardSlots   chan struct{}

	// pendingPrioWrite holds buckets in free_inc whose generation bump
	// requires prio_write to persist disk_gen before they may rejoin
	// free; PrioWriteDone clears an entry once persisted.
	pendingPrioWrite map[int]bool

	// reserved holds buckets Reserve has permanently carved out of
	// circulation: excluded from candidatesLocked and rejected by Free.
	reserved map[int]bool
}

// New builds an Allocator over table, whose buckets all start in the
// unused ring (never allocated, no invalidation needed before first use).
func New(table *bucket.Table, cfg config.Config, discarder Discarder) *Allocator {
	if discarder == nil {
		discarder = NopDiscarder{}
	}

	n := table.Len()

	a := &Allocator{
		notify: make(chan struct{}),
		table:  table,
		reserves: Reserves{
			Prio:     cfg.WatermarkReserve.Prio,
			Metadata: cfg.WatermarkReserve.Metadata,
			MovingGC: cfg.WatermarkReserve.MovingGC,
		},
		policy:           cfg.Replacement,
		free:             newRing(n),
		freeInc:          newRing(n),
		unused:           newRing(n),
		inRing:           make(map[int]bool, n),
		rng:              rand.New(rand.NewSource(1)), //nolint:gosec // victim selection, not security sensitive
		discardEnabled:   cfg.DiscardEnabled,
		discarder:        discarder,
		discardSlots:     make(chan struct{}, max(cfg.DiscardSlots, 1)),
		pendingPrioWrite: make(map[int]bool),
		reserved:         make(map[int]bool),
	}

	for i := 0; i < n; i++ {
		a.unused.push(i)
		a.inRing[i] = true
	}

	return a
}

func (a *Allocator) available() int {
	return a.free.len() + a.unused.len()
}

func (a *Allocator) wake() {
	close(a.notify)
	a.notify = make(chan struct{})
}

// TryAlloc attempts to acquire one bucket at or below watermark w without
// blocking. Returns [ErrWouldBlock] if none is available.
func (a *Allocator) TryAlloc(w Watermark) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.tryAllocLocked(w)
}

func (a *Allocator) tryAllocLocked(w Watermark) (int, error) {
	if a.available() <= a.reserves.floor(w) {
		return 0, ErrWouldBlock
	}

	if i, ok := a.unused.pop(); ok {
		delete(a.inRing, i)
		return i, nil
	}

	if i, ok := a.free.pop(); ok {
		delete(a.inRing, i)
		return i, nil
	}

	return 0, ErrWouldBlock
}

// Alloc acquires one bucket at or below watermark w, blocking until one is
// available or ctx is done.
func (a *Allocator) Alloc(ctx context.Context, w Watermark) (int, error) {
	for {
		a.mu.Lock()
		i, err := a.tryAllocLocked(w)
		if err == nil {
			a.mu.Unlock()
			return i, nil
		}

		ch := a.notify
		a.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return 0, fmt.Errorf("alloc: waiting at watermark %s: %w", w, ctx.Err())
		}
	}
}

// AllocSet acquires one bucket per device in a multi-device set (currently
// always one device), returning the list of acquired bucket indices. On
// partial failure, every bucket already acquired is released back to the
// allocator before returning [ErrPartialSet].
func (a *Allocator) AllocSet(ctx context.Context, w Watermark, nDevices int) ([]int, error) {
	acquired := make([]int, 0, nDevices)

	for range nDevices {
		i, err := a.Alloc(ctx, w)
		if err != nil {
			for _, b := range acquired {
				a.Free(b)
			}

			return nil, fmt.Errorf("%w: %w", ErrPartialSet, err)
		}

		acquired = append(acquired, i)
	}

	return acquired, nil
}

// Free returns a never-written-to bucket directly to the unused ring,
// without invalidation: used to roll back a partially built AllocSet.
func (a *Allocator) Free(i int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.inRing[i] || a.reserved[i] {
		return
	}

	a.unused.push(i)
	a.inRing[i] = true
	a.wake()
}

// InvalidateOne runs one step of the invalidation pipeline: selects the
// next victim via the configured replacement policy
// among buckets not already in a ring, skips it if pinned, not
// reclaimable, or at a generation limit, otherwise bumps its generation
// and pushes it onto free_inc. Returns [ErrNoVictim] if no bucket
// qualifies. needsPrioWrite reports that the caller must persist the
// priority table before this bucket (or any other at its generation
// distance) can be invalidated again.
func (a *Allocator) InvalidateOne() (bucketIdx int, needsPrioWrite bool, err error) {
	a.mu.Lock()
	candidates := a.candidatesLocked()
	a.mu.Unlock()

	for _, i := range candidates {
		needsWrite, err := a.table.Invalidate(i)
		if err != nil {
			continue
		}

		a.mu.Lock()
		a.freeInc.push(i)
		a.inRing[i] = true
		if needsWrite {
			a.pendingPrioWrite[i] = true
		}
		a.mu.Unlock()

		return i, needsWrite, nil
	}

	return 0, false, ErrNoVictim
}

// InvalidateBucket invalidates a specific bucket the caller already knows
// is superseded (e.g. the old copy of a B-tree node just rewritten
// elsewhere), rather than picking a victim by policy. On success the
// bucket is pushed onto free_inc exactly as [Allocator.InvalidateOne]
// would.
func (a *Allocator) InvalidateBucket(i int) (needsPrioWrite bool, err error) {
	needsWrite, err := a.table.Invalidate(i)
	if err != nil {
		return false, err
	}

	a.mu.Lock()
	a.freeInc.push(i)
	a.inRing[i] = true
	if needsWrite {
		a.pendingPrioWrite[i] = true
	}
	a.mu.Unlock()

	return needsWrite, nil
}

// Reserve permanently removes bucket i from circulation: it will never be
// handed out by Alloc/TryAlloc and never accepted back by Free. Used at
// cache-set construction to carve out buckets dedicated to the journal
// ring or the superblock, which New would otherwise have pushed onto
// unused along with every other bucket.
func (a *Allocator) Reserve(i int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.reserved[i] = true

	if !a.inRing[i] {
		return
	}

	pending := a.unused
	a.unused = newRing(pending.cap())

	for {
		j, ok := pending.pop()
		if !ok {
			break
		}

		if j == i {
			delete(a.inRing, i)
			continue
		}

		a.unused.push(j)
	}
}

// candidatesLocked returns bucket indices not currently in any ring,
// ordered by the configured replacement policy (most-evictable first).
func (a *Allocator) candidatesLocked() []int {
	n := a.table.Len()

	var free []int
	for i := 0; i < n; i++ {
		if !a.inRing[i] && !a.reserved[i] {
			free = append(free, i)
		}
	}

	switch a.policy {
	case config.ReplacementFIFO:
		start := a.fifoCursor % max(len(free), 1)
		ordered := append(append([]int{}, free[start:]...), free[:start]...)
		a.fifoCursor++
		return ordered

	case config.ReplacementRandom:
		shuffled := append([]int{}, free...)
		a.rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
		return shuffled

	default: // LRU
		snap := a.table.Snapshot()
		ordered := append([]int{}, free...)
		sortByPrio(ordered, snap)
		return ordered
	}
}

func sortByPrio(idx []int, snap []bucket.Bucket) {
	for i := 1; i < len(idx); i++ {
		for j := i; j > 0 && snap[idx[j]].Prio < snap[idx[j-1]].Prio; j-- {
			idx[j], idx[j-1] = idx[j-1], idx[j]
		}
	}
}

// ReclaimFreeInc moves every bucket in free_inc whose generation has been
// persisted (no longer pending prio_write) into free, discarding its
// sector range first if discard is enabled. Buckets still blocked on
// prio_write stay in free_inc.
func (a *Allocator) ReclaimFreeInc(ctx context.Context) error {
	a.mu.Lock()
	pending := a.freeInc
	a.freeInc = newRing(pending.cap())

	var ready []int
	for {
		i, ok := pending.pop()
		if !ok {
			break
		}

		if a.pendingPrioWrite[i] {
			a.freeInc.push(i)
			continue
		}

		ready = append(ready, i)
	}
	a.mu.Unlock()

	for _, i := range ready {
		if a.discardEnabled {
			a.discardSlots <- struct{}{}
			err := a.discarder.Discard(ctx, i)
			<-a.discardSlots

			if err != nil {
				return fmt.Errorf("alloc: discarding bucket %d: %w", i, err)
			}
		}

		a.mu.Lock()
		a.free.push(i)
		a.wake()
		a.mu.Unlock()
	}

	return nil
}

// PrioWriteDone marks the buckets in indices as having had their
// generation persisted to the priority table, unblocking their
// free_inc→free transition on the next [Allocator.ReclaimFreeInc].
func (a *Allocator) PrioWriteDone(indices []int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, i := range indices {
		delete(a.pendingPrioWrite, i)
		_ = a.table.MarkPrioWritten(i)
	}
}

// Stats reports ring occupancy, for diagnostics and tests.
type Stats struct {
	Free, FreeInc, Unused, Pending int
}

func (a *Allocator) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()

	return Stats{
		Free:    a.free.len(),
		FreeInc: a.freeInc.len(),
		Unused:  a.unused.len(),
		Pending: len(a.pendingPrioWrite),
	}
}
