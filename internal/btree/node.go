package btree

import (
	"sort"

	"github.com/calvinalkan/bcachecore/internal/codec"
	"github.com/calvinalkan/bcachecore/internal/extent"
)

// insertSorted inserts k into bset, keeping it ordered by (Inode, Offset)
// so lookups can binary-search it. Appending to the last open bset is
// the common case; keeping it sorted is a no-op append whenever keys
// arrive in ascending order, and is required for binary-search lookup
// to be meaningful otherwise.
func insertSorted(bset []codec.Key, k codec.Key) []codec.Key {
	i := sort.Search(len(bset), func(i int) bool {
		return keyLess(k, bset[i])
	})

	bset = append(bset, codec.Key{})
	copy(bset[i+1:], bset[i:])
	bset[i] = k

	return bset
}

func keyLess(a, b codec.Key) bool {
	if a.Inode != b.Inode {
		return a.Inode < b.Inode
	}

	return a.Offset < b.Offset
}

// applyInsert runs the overlap-resolution + append step against a
// leaf node's bsets for one incoming key, mutating n.bsets in place.
//
// Closed (non-last) bsets keep a tombstone in place for a fully covered
// key: that tombstone is what stops a newest-bset-first search from
// falling through to stale data in an even-older bset. The last (still
// open) bset has no such shadowing role, so a key it holds that ends up
// fully covered by the incoming key is dropped outright rather than left
// as a tombstone. Leaving it in would give the dead entry and the new
// key the same sort position, since both end at the same offset.
func applyInsert(n *node, k codec.Key) {
	var spills []codec.Key

	if len(n.bsets) == 0 {
		n.bsets = append(n.bsets, nil)
	}

	last := len(n.bsets) - 1

	for bi := 0; bi < last; bi++ {
		bset := n.bsets[bi]

		for ki := range bset {
			existing := bset[ki]
			if !existing.Overlaps(k) {
				continue
			}

			inPlace, spill := extent.Trim(existing, k)
			bset[ki] = inPlace

			if spill != nil {
				spills = append(spills, *spill)
			}
		}
	}

	kept := n.bsets[last][:0]

	for _, existing := range n.bsets[last] {
		if !existing.Overlaps(k) {
			kept = append(kept, existing)
			continue
		}

		inPlace, spill := extent.Trim(existing, k)
		if !inPlace.Tombstone() {
			kept = append(kept, inPlace)
		}

		if spill != nil {
			spills = append(spills, *spill)
		}
	}

	n.bsets[last] = insertSorted(kept, k)

	for _, s := range spills {
		n.bsets[last] = insertSorted(n.bsets[last], s)
	}
}

// needsRollover reports whether the last bset is over budget and a new
// bset should be opened (or, if already at MaxBsets, the node must split).
func needsRollover(n *node, budget int) bool {
	last := n.bsets[len(n.bsets)-1]
	return len(last) > budget
}

// openNewBset appends an empty bset, returning false if the node is
// already at MaxBsets (caller must split instead).
func openNewBset(n *node) bool {
	if len(n.bsets) >= MaxBsets {
		return false
	}

	n.bsets = append(n.bsets, nil)

	return true
}

// mergeAdjacent opportunistically coalesces contiguous mergeable keys
// within each bset. Only ever invoked within a single bset, since
// cross-bset merging would violate "earlier bsets are immutable once
// closed".
func mergeAdjacent(n *node) {
	for bi := range n.bsets {
		bset := n.bsets[bi]
		if len(bset) < 2 {
			continue
		}

		out := bset[:1]

		for i := 1; i < len(bset); i++ {
			last := &out[len(out)-1]
			if extent.Mergeable(*last, bset[i]) {
				*last = extent.Merge(*last, bset[i])
				continue
			}

			out = append(out, bset[i])
		}

		n.bsets[bi] = out
	}
}

// searchLeaf returns the live key covering sector within inode, searching
// newest bset to oldest.
func searchLeaf(n *node, inode uint32, sector uint64, checker PointerChecker) (codec.Key, bool) {
	for bi := len(n.bsets) - 1; bi >= 0; bi-- {
		bset := n.bsets[bi]

		i := sort.Search(len(bset), func(i int) bool {
			return bset[i].Inode > inode || (bset[i].Inode == inode && bset[i].Offset > sector)
		})

		if i >= len(bset) {
			continue
		}

		k := bset[i]
		if k.Inode != inode || !k.Covers(sector) {
			continue
		}

		if k.Tombstone() {
			return codec.Key{}, false
		}

		live := liveKey(k, checker)
		if live.Tombstone() {
			continue
		}

		return live, true
	}

	return codec.Key{}, false
}

// liveKey returns k with stale pointers elided.
func liveKey(k codec.Key, checker PointerChecker) codec.Key {
	if len(k.Ptrs) == 0 {
		return k
	}

	live := make([]codec.Ptr, 0, len(k.Ptrs))

	for _, p := range k.Ptrs {
		if checker(p) {
			live = append(live, p)
		}
	}

	k.Ptrs = live

	return k
}

// descendChild returns the separator entry whose bound is the first to
// exceed (inode, sector).
func descendChild(n *node, inode uint32, sector uint64) int {
	for _, e := range n.entries {
		if e.coversBefore(inode, sector) {
			return e.child
		}
	}

	// The rightmost entry carries the infinite sentinel bound only until
	// its child splits: the split installs the right half's last key as
	// that entry's bound, so a sector past every bound lands here, on the
	// last child.
	return n.entries[len(n.entries)-1].child
}

// liveKeysSorted returns every non-tombstone key across all of n's bsets,
// sorted by (Inode, Offset). Keys in different bsets never overlap (the
// insert-time trim invariant keeps each bset's range disjoint from every
// other's), so this is a concatenate-then-sort, not a true merge.
func liveKeysSorted(n *node) []codec.Key {
	var out []codec.Key

	for _, bset := range n.bsets {
		for _, k := range bset {
			if !k.Tombstone() {
				out = append(out, k)
			}
		}
	}

	sort.Slice(out, func(i, j int) bool { return keyLess(out[i], out[j]) })

	return out
}
