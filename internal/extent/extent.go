// Package extent implements the key-overlap resolution and adjacent-key
// merge rules applied when inserting into a B-tree leaf.
package extent

import "github.com/calvinalkan/bcachecore/internal/codec"

// Trim resolves an overlap between an existing key already present in an
// earlier bset and an incoming key being inserted. It returns the
// in-place replacement for existing (never nil: a fully covered key
// becomes a tombstone and is left in place rather than removed, keeping
// "earlier bsets are immutable once closed except for size/offset trims")
// and, if the overlap was in the middle of existing's range, a spill
// fragment that must be appended to the current (incoming key's) bset.
func Trim(existing, incoming codec.Key) (inPlace codec.Key, spill *codec.Key) {
	es, eo := existing.Start(), existing.Offset
	is, io := incoming.Start(), incoming.Offset

	switch {
	case is <= es && io >= eo:
		// Fully covered: tombstone, left in place.
		inPlace = existing
		inPlace.Ptrs = nil

	case is <= es && io < eo:
		// Incoming covers existing's left side: existing keeps [io, eo).
		inPlace = existing
		inPlace.Offset = eo
		inPlace.Size = uint16(eo - io)

	case is > es && io >= eo:
		// Incoming covers existing's right side: existing keeps [es, is).
		inPlace = existing
		inPlace.Offset = is
		inPlace.Size = uint16(is - es)

	default:
		// Incoming lands in the middle: existing splits into a left
		// remainder (kept in place) and a right remainder (spills into
		// the current bset).
		left := existing
		left.Offset = is
		left.Size = uint16(is - es)

		right := existing
		right.Offset = eo
		right.Size = uint16(eo - io)

		inPlace = left
		spill = &right
	}

	return inPlace, spill
}

// Mergeable reports whether a and b are adjacent keys in the same bset
// eligible for opportunistic coalescing: same inode, contiguous
// ranges (a ends where b begins), identical pointer lists, same dirty
// state, and neither a tombstone.
func Mergeable(a, b codec.Key) bool {
	if a.Inode != b.Inode {
		return false
	}

	if a.Offset != b.Start() {
		return false
	}

	if a.Dirty != b.Dirty {
		return false
	}

	if a.Tombstone() || b.Tombstone() {
		return false
	}

	return samePtrs(a.Ptrs, b.Ptrs)
}

func samePtrs(a, b []codec.Ptr) bool {
	if len(a) != len(b) {
		return false
	}

	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}

	return true
}

// Merge coalesces two mergeable keys (see [Mergeable]) into one spanning
// both ranges.
func Merge(a, b codec.Key) codec.Key {
	merged := a
	merged.Offset = b.Offset
	merged.Size = a.Size + b.Size

	return merged
}
