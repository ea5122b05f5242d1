package btree

import (
	"context"
	"fmt"

	"github.com/calvinalkan/bcachecore/internal/codec"
)

// splitResult describes a node that was split under true copy-on-write:
// both halves move onto fresh ids and buckets. oldID is the id the
// parent's existing entry still points at (the search key
// [insertEntryAfter] needs to find and update); newLeftID is what that
// entry's child must become; newID is the new sibling sep inserts right
// after it.
type splitResult struct {
	oldID     int
	newLeftID int
	newID     int

	splitBound separator // bound covering the left half, child = newLeftID
	sep        separator // bound covering the right half, child = newID
}

// splitLeaf rewrites an overflowing leaf into two single-bset leaves,
// partitioning its live keys in half. Both halves move onto fresh
// ids/buckets (true copy-on-write): the source id is retired into the
// node cache's freeable list rather than reused, so it stays a valid
// snapshot for any descent already past it until the cache evicts it.
// The old bucket's generation is bumped immediately, making it
// reclaimable once the split's new nodes are durable.
func (t *Tree) splitLeaf(ctx context.Context, id int) (splitResult, error) {
	n := t.nodes[id]

	live := liveKeysSorted(n)
	mid := len(live) / 2

	left := live[:mid]
	right := live[mid:]

	rightBucket, err := t.store.AllocateNode(ctx)
	if err != nil {
		return splitResult{}, fmt.Errorf("btree: allocating split sibling: %w", err)
	}

	leftBucket, err := t.store.AllocateNode(ctx)
	if err != nil {
		return splitResult{}, fmt.Errorf("btree: allocating split survivor: %w", err)
	}

	if err := t.store.InvalidateNode(n.bucket); err != nil {
		return splitResult{}, fmt.Errorf("btree: invalidating split source bucket: %w", err)
	}

	// Retire the source id before admitting its replacements: a split
	// retires one descriptor and admits two, and retiring first makes the
	// retired one available to its own first admission instead of only
	// to some later, unrelated split.
	t.cache.retire(id)

	if err := t.admitNode(ctx); err != nil {
		return splitResult{}, err
	}

	rightID := t.allocID()
	t.nodes[rightID] = &node{id: rightID, level: 0, bucket: rightBucket, bsets: [][]codec.Key{append([]codec.Key{}, right...)}}

	if err := t.admitNode(ctx); err != nil {
		return splitResult{}, err
	}

	leftID := t.allocID()
	t.nodes[leftID] = &node{id: leftID, level: 0, bucket: leftBucket, bsets: [][]codec.Key{append([]codec.Key{}, left...)}}

	splitBound := boundOf(left)
	oldBound := boundOf(right)

	return splitResult{
		oldID:      id,
		newLeftID:  leftID,
		newID:      rightID,
		splitBound: separator{inode: splitBound.inode, offset: splitBound.offset, child: leftID},
		sep:        separator{inode: oldBound.inode, offset: oldBound.offset, child: rightID},
	}, nil
}

// boundOf returns the (inode, offset) upper bound covering keys, or the
// infinite bound if keys is empty (an empty partition still needs a valid
// separator so descent never falls through).
func boundOf(keys []codec.Key) struct {
	inode  uint32
	offset uint64
} {
	if len(keys) == 0 {
		return struct {
			inode  uint32
			offset uint64
		}{infInode, infOffset}
	}

	last := keys[len(keys)-1]

	return struct {
		inode  uint32
		offset uint64
	}{last.Inode, last.Offset}
}

// splitIndex rewrites an overflowing index node into two, partitioning its
// entries in half. Both halves move onto fresh ids/buckets, matching
// splitLeaf's true copy-on-write.
func (t *Tree) splitIndex(ctx context.Context, id int) (splitResult, error) {
	n := t.nodes[id]

	entries := n.entries
	mid := len(entries) / 2

	left := entries[:mid]
	right := entries[mid:]

	rightBucket, err := t.store.AllocateNode(ctx)
	if err != nil {
		return splitResult{}, fmt.Errorf("btree: allocating index split sibling: %w", err)
	}

	leftBucket, err := t.store.AllocateNode(ctx)
	if err != nil {
		return splitResult{}, fmt.Errorf("btree: allocating index split survivor: %w", err)
	}

	if err := t.store.InvalidateNode(n.bucket); err != nil {
		return splitResult{}, fmt.Errorf("btree: invalidating split source bucket: %w", err)
	}

	t.cache.retire(id)

	if err := t.admitNode(ctx); err != nil {
		return splitResult{}, err
	}

	rightID := t.allocID()
	t.nodes[rightID] = &node{id: rightID, level: n.level, bucket: rightBucket, entries: append([]separator{}, right...)}

	if err := t.admitNode(ctx); err != nil {
		return splitResult{}, err
	}

	leftID := t.allocID()
	t.nodes[leftID] = &node{id: leftID, level: n.level, bucket: leftBucket, entries: append([]separator{}, left...)}

	leftBound := left[len(left)-1]
	rightBound := right[len(right)-1]

	return splitResult{
		oldID:      id,
		newLeftID:  leftID,
		newID:      rightID,
		splitBound: separator{inode: leftBound.inode, offset: leftBound.offset, child: leftID},
		sep:        separator{inode: rightBound.inode, offset: rightBound.offset, child: rightID},
	}, nil
}

// insertEntryAfter updates the entry for originalChild to newBound and
// inserts sep immediately after it.
func insertEntryAfter(n *node, originalChild int, newBound separator, sep separator) {
	for i, e := range n.entries {
		if e.child == originalChild {
			n.entries[i] = newBound
			n.entries = append(n.entries, separator{})
			copy(n.entries[i+2:], n.entries[i+1:])
			n.entries[i+1] = sep

			return
		}
	}
}

// propagateSplit walks path (root→...→parent-of-split-node) inserting the
// split's new left/right ids into each ancestor, splitting ancestors that
// overflow in turn, and growing a new root if the split propagates past
// the top: a split at the root grows the tree by creating a new root.
func (t *Tree) propagateSplit(ctx context.Context, path []int, result splitResult) error {
	pending := &result

	for i := len(path) - 2; i >= 0 && pending != nil; i-- {
		parent := t.nodes[path[i]]
		insertEntryAfter(parent, pending.oldID, pending.splitBound, pending.sep)

		if len(parent.entries) <= t.indexBudget {
			pending = nil
			break
		}

		r, err := t.splitIndex(ctx, parent.id)
		if err != nil {
			return err
		}

		pending = &r
	}

	if pending == nil {
		return nil
	}

	return t.growRoot(ctx, *pending)
}

// growRoot creates a new index node above the current root with two
// children: the (true-copy-on-write) left survivor of the just-split old
// root and its new sibling from pending.
func (t *Tree) growRoot(ctx context.Context, pending splitResult) error {
	left := t.nodes[pending.newLeftID]

	newBucket, err := t.store.AllocateNode(ctx)
	if err != nil {
		return fmt.Errorf("btree: allocating new root: %w", err)
	}

	if err := t.admitNode(ctx); err != nil {
		return err
	}

	newRootID := t.allocID()
	newRoot := &node{
		id:     newRootID,
		level:  left.level + 1,
		bucket: newBucket,
		entries: []separator{
			{inode: pending.splitBound.inode, offset: pending.splitBound.offset, child: pending.newLeftID},
			{inode: infInode, offset: infOffset, child: pending.newID},
		},
	}

	t.nodes[newRootID] = newRoot
	t.root = newRootID

	return nil
}
