package alloc_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/bcachecore/internal/alloc"
	"github.com/calvinalkan/bcachecore/internal/bucket"
	"github.com/calvinalkan/bcachecore/internal/config"
)

func newTestAllocator(n int, reserves config.WatermarkReserves) *alloc.Allocator {
	tbl := bucket.New(n, bucket.Params{BucketDiskGenMax: 64, BucketGCGenMax: 96, RescaleSectors: 1 << 20})
	cfg := config.Default()
	cfg.WatermarkReserve = reserves

	return alloc.New(tbl, cfg, nil)
}

func Test_Allocator_TryAlloc_Drains_Unused_Ring_First(t *testing.T) {
	t.Parallel()

	a := newTestAllocator(4, config.WatermarkReserves{})

	seen := map[int]bool{}
	for range 4 {
		i, err := a.TryAlloc(alloc.WatermarkNone)
		require.NoError(t, err)
		seen[i] = true
	}

	assert.Len(t, seen, 4)

	_, err := a.TryAlloc(alloc.WatermarkNone)
	require.ErrorIs(t, err, alloc.ErrWouldBlock)
}

func Test_Allocator_Watermarks_Gate_Allocation_By_Reserve(t *testing.T) {
	t.Parallel()

	// S6: fill down to exactly the METADATA reserve; NONE and MOVINGGC
	// must block, METADATA must still succeed.
	reserves := config.WatermarkReserves{Prio: 1, Metadata: 4, MovingGC: 16}
	a := newTestAllocator(20, reserves)

	for range 16 {
		_, err := a.TryAlloc(alloc.WatermarkMovingGC)
		require.NoError(t, err)
	}

	require.Equal(t, 4, a.Stats().Unused)

	_, err := a.TryAlloc(alloc.WatermarkNone)
	require.ErrorIs(t, err, alloc.ErrWouldBlock)

	_, err = a.TryAlloc(alloc.WatermarkMovingGC)
	require.ErrorIs(t, err, alloc.ErrWouldBlock)

	_, err = a.TryAlloc(alloc.WatermarkMetadata)
	require.NoError(t, err)
}

func Test_Allocator_Alloc_Blocks_Until_Bucket_Freed(t *testing.T) {
	t.Parallel()

	a := newTestAllocator(1, config.WatermarkReserves{})

	first, err := a.Alloc(context.Background(), alloc.WatermarkNone)
	require.NoError(t, err)

	done := make(chan int, 1)
	go func() {
		i, err := a.Alloc(context.Background(), alloc.WatermarkNone)
		require.NoError(t, err)
		done <- i
	}()

	select {
	case <-done:
		t.Fatal("Alloc returned before a bucket was freed")
	case <-time.After(20 * time.Millisecond):
	}

	a.Free(first)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Alloc did not unblock after Free")
	}
}

func Test_Allocator_Alloc_Returns_Error_When_Context_Cancelled(t *testing.T) {
	t.Parallel()

	a := newTestAllocator(0, config.WatermarkReserves{})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := a.Alloc(ctx, alloc.WatermarkNone)
	require.Error(t, err)
}

func Test_Allocator_AllocSet_Rolls_Back_On_Partial_Failure(t *testing.T) {
	t.Parallel()

	a := newTestAllocator(1, config.WatermarkReserves{})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := a.AllocSet(ctx, alloc.WatermarkNone, 2)
	require.ErrorIs(t, err, alloc.ErrPartialSet)

	// The one bucket acquired before the failure must have been released.
	got, err := a.TryAlloc(alloc.WatermarkNone)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, got, 0)
}

func Test_Allocator_InvalidateOne_Returns_ErrNoVictim_When_All_Allocated_Buckets_Are_Dirty(t *testing.T) {
	t.Parallel()

	tbl := bucket.New(2, bucket.Params{BucketDiskGenMax: 64, BucketGCGenMax: 96, RescaleSectors: 1 << 20})
	cfg := config.Default()
	cfg.WatermarkReserve = config.WatermarkReserves{}
	a := alloc.New(tbl, cfg, nil)

	for range 2 {
		i, err := a.TryAlloc(alloc.WatermarkNone)
		require.NoError(t, err)
		require.NoError(t, tbl.SetMarkState(i, bucket.MarkDirty))
	}

	_, _, err := a.InvalidateOne()
	require.ErrorIs(t, err, alloc.ErrNoVictim)
}

func Test_Allocator_InvalidateOne_Then_ReclaimFreeInc_Makes_Bucket_Allocable_Again(t *testing.T) {
	t.Parallel()

	a := newTestAllocator(3, config.WatermarkReserves{})

	for range 3 {
		_, err := a.TryAlloc(alloc.WatermarkNone)
		require.NoError(t, err)
	}

	victim, _, err := a.InvalidateOne()
	require.NoError(t, err)

	require.NoError(t, a.ReclaimFreeInc(context.Background()))

	got, err := a.TryAlloc(alloc.WatermarkNone)
	require.NoError(t, err)
	assert.Equal(t, victim, got)
}

func Test_Allocator_ReclaimFreeInc_Withholds_Bucket_Pending_PrioWrite(t *testing.T) {
	t.Parallel()

	// Drive a bucket's gen - disk_gen distance to the limit so Invalidate
	// reports needsPrioWrite=true.
	tbl := bucket.New(1, bucket.Params{BucketDiskGenMax: 1, BucketGCGenMax: 96, RescaleSectors: 1 << 20})
	cfg := config.Default()
	cfg.WatermarkReserve = config.WatermarkReserves{}
	a := alloc.New(tbl, cfg, nil)

	_, err := a.TryAlloc(alloc.WatermarkNone)
	require.NoError(t, err)

	victim, needsPrioWrite, err := a.InvalidateOne()
	require.NoError(t, err)
	require.True(t, needsPrioWrite)

	require.NoError(t, a.ReclaimFreeInc(context.Background()))
	assert.Equal(t, 1, a.Stats().FreeInc)

	a.PrioWriteDone([]int{victim})
	require.NoError(t, a.ReclaimFreeInc(context.Background()))
	assert.Equal(t, 0, a.Stats().FreeInc)
	assert.Equal(t, 1, a.Stats().Free)
}

func Test_Allocator_Reserve_Removes_Bucket_From_Circulation(t *testing.T) {
	t.Parallel()

	a := newTestAllocator(3, config.WatermarkReserves{})
	a.Reserve(1)

	seen := map[int]bool{}
	for range 2 {
		i, err := a.TryAlloc(alloc.WatermarkNone)
		require.NoError(t, err)
		seen[i] = true
	}

	assert.False(t, seen[1])

	_, err := a.TryAlloc(alloc.WatermarkNone)
	require.ErrorIs(t, err, alloc.ErrWouldBlock)

	a.Free(1)
	assert.Equal(t, 0, a.Stats().Unused, "Reserve must survive a later Free of the same index")
}

func Test_Allocator_InvalidateBucket_Invalidates_A_Specific_Known_Bucket(t *testing.T) {
	t.Parallel()

	a := newTestAllocator(4, config.WatermarkReserves{})

	i, err := a.TryAlloc(alloc.WatermarkNone)
	require.NoError(t, err)

	// Drain the rest of the unused ring so the next TryAlloc has to come
	// from free, where the reclaimed bucket lands.
	for range 3 {
		_, err := a.TryAlloc(alloc.WatermarkNone)
		require.NoError(t, err)
	}

	needsPrioWrite, err := a.InvalidateBucket(i)
	require.NoError(t, err)
	assert.False(t, needsPrioWrite)
	assert.Equal(t, 1, a.Stats().FreeInc)

	require.NoError(t, a.ReclaimFreeInc(context.Background()))

	got, err := a.TryAlloc(alloc.WatermarkNone)
	require.NoError(t, err)
	assert.Equal(t, i, got)
}
