// Package gc implements mark-and-sweep space accounting and moving-GC
// candidate selection: a full B-tree walk marks every bucket
// reachable from a live key, distinguishing metadata (B-tree node)
// buckets from data buckets; any bucket the walk never touches ends the
// pass reclaimable. A second, independent pass picks sparsely occupied
// dirty buckets as moving-GC compaction sources.
package gc

import (
	"fmt"

	"github.com/calvinalkan/bcachecore/internal/bucket"
	"github.com/calvinalkan/bcachecore/internal/codec"
)

// BucketOf maps a pointer's device-relative sector offset to the bucket
// index it falls in.
func BucketOf(p codec.Ptr, bucketSizeSectors uint64) int {
	return int(p.Offset / bucketSizeSectors)
}

// Pass runs one full mark-and-sweep pass over table. nodeBuckets are the
// B-tree's own node buckets (marked metadata, never downgraded); liveKeys
// is every live key the tree currently holds (marks each pointer's bucket
// dirty or clean and accumulates its sector footprint). Buckets touched
// by neither end the pass reclaimable, becoming eligible for allocation.
func Pass(table *bucket.Table, liveKeys []codec.Key, nodeBuckets []int, bucketSizeSectors uint64) error {
	if bucketSizeSectors == 0 {
		return fmt.Errorf("gc: bucketSizeSectors must be > 0")
	}

	table.BeginMarkPass()

	metadata := make(map[int]bool, len(nodeBuckets))
	for _, idx := range nodeBuckets {
		metadata[idx] = true
	}

	dirty := make(map[int]bool)
	touched := make(map[int]bool)

	for _, k := range liveKeys {
		if k.Tombstone() {
			continue
		}

		for _, p := range k.Ptrs {
			idx := BucketOf(p, bucketSizeSectors)

			touched[idx] = true
			if k.Dirty {
				dirty[idx] = true
			}

			if err := table.AddSectorsUsed(idx, k.Size); err != nil {
				return fmt.Errorf("gc: accounting bucket %d: %w", idx, err)
			}
		}
	}

	for idx := range metadata {
		if err := table.SetMarkState(idx, bucket.MarkMetadata); err != nil {
			return fmt.Errorf("gc: marking metadata bucket %d: %w", idx, err)
		}
	}

	for idx := range touched {
		if metadata[idx] {
			continue
		}

		state := bucket.MarkClean
		if dirty[idx] {
			state = bucket.MarkDirty
		}

		if err := table.SetMarkState(idx, state); err != nil {
			return fmt.Errorf("gc: marking bucket %d: %w", idx, err)
		}
	}

	for i := range table.Len() {
		if touched[i] || metadata[i] {
			continue
		}

		if err := table.SetMarkState(i, bucket.MarkReclaimable); err != nil {
			return fmt.Errorf("gc: marking bucket %d reclaimable: %w", i, err)
		}
	}

	table.FinishMarkPass()

	return nil
}

// MovingGCCandidates returns bucket indices worth compacting: dirty,
// unpinned buckets whose live-data occupancy falls below threshold, in
// ascending occupancy order (sparsest first).
func MovingGCCandidates(snapshot []bucket.Bucket, bucketSizeSectors uint64, threshold float64) []int {
	type scored struct {
		idx       int
		occupancy float64
	}

	var candidates []scored

	for i, b := range snapshot {
		if b.Mark.State != bucket.MarkDirty || b.Pin != 0 {
			continue
		}

		occupancy := float64(b.Mark.SectorsUsed) / float64(bucketSizeSectors)
		if occupancy < threshold {
			candidates = append(candidates, scored{idx: i, occupancy: occupancy})
		}
	}

	for i := 1; i < len(candidates); i++ {
		for j := i; j > 0 && candidates[j].occupancy < candidates[j-1].occupancy; j-- {
			candidates[j], candidates[j-1] = candidates[j-1], candidates[j]
		}
	}

	out := make([]int, len(candidates))
	for i, c := range candidates {
		out[i] = c.idx
	}

	return out
}

// StaleRewriteCandidates returns B-tree node bucket indices whose
// stale-pointer fraction exceeds threshold, stalest first: a node can
// carry a lot of dead pointer weight well before it is sparse enough to
// qualify for moving GC, and rewriting it early reclaims that space
// without waiting for a natural split.
func StaleRewriteCandidates(fractions map[int]float64, threshold float64) []int {
	type scored struct {
		idx      int
		fraction float64
	}

	var candidates []scored

	for idx, frac := range fractions {
		if frac > threshold {
			candidates = append(candidates, scored{idx: idx, fraction: frac})
		}
	}

	for i := 1; i < len(candidates); i++ {
		for j := i; j > 0 && candidates[j].fraction > candidates[j-1].fraction; j-- {
			candidates[j], candidates[j-1] = candidates[j-1], candidates[j]
		}
	}

	out := make([]int, len(candidates))
	for i, c := range candidates {
		out[i] = c.idx
	}

	return out
}
