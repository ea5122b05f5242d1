package btree

import (
	"context"
	"fmt"

	"github.com/calvinalkan/bcachecore/internal/codec"
)

// descendPath walks from the root to the leaf that would hold (inode,
// sector), returning every node id visited (root first, leaf last).
func (t *Tree) descendPath(inode uint32, sector uint64) []int {
	path := []int{t.root}
	cur := t.nodes[t.root]

	for !cur.isLeaf() {
		child := descendChild(cur, inode, sector)
		path = append(path, child)
		cur = t.nodes[child]
	}

	return path
}

// Insert installs keys into the tree. Inserting the
// same key twice is a no-op in observable effect: overlap resolution
// shadows the earlier copy without changing what Search returns.
func (t *Tree) Insert(ctx context.Context, keys []codec.Key) error {
	for _, k := range keys {
		if err := t.insertOne(ctx, k); err != nil {
			return err
		}
	}

	return nil
}

func (t *Tree) insertOne(ctx context.Context, k codec.Key) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	path := t.descendPath(k.Inode, k.Start())
	leafID := path[len(path)-1]
	leaf := t.nodes[leafID]

	applyInsert(leaf, k)

	if t.mergeEnabled {
		mergeAdjacent(leaf)
	}

	if !needsRollover(leaf, t.bsetBudget) {
		return nil
	}

	if openNewBset(leaf) {
		return nil
	}

	result, err := t.splitLeaf(ctx, leafID)
	if err != nil {
		return err
	}

	return t.propagateSplit(ctx, path, result)
}

// Search returns the key covering sector within inode, if any.
func (t *Tree) Search(inode uint32, sector uint64) (codec.Key, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	path := t.descendPath(inode, sector)
	leaf := t.nodes[path[len(path)-1]]

	return searchLeaf(leaf, inode, sector, t.checker)
}

// Replace installs newKey only if the range it covers currently holds a
// key identical to oldKey: same inode, range, and
// pointers. Returns [ErrReplaceMiss] if the tree's current contents don't
// match oldKey.
func (t *Tree) Replace(ctx context.Context, oldKey, newKey codec.Key) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	path := t.descendPath(oldKey.Inode, oldKey.Start())
	leaf := t.nodes[path[len(path)-1]]

	current, ok := searchLeaf(leaf, oldKey.Inode, oldKey.Start(), t.checker)
	if !ok || !keyEqual(current, oldKey) {
		return fmt.Errorf("%w: inode %d offset %d", ErrReplaceMiss, oldKey.Inode, oldKey.Offset)
	}

	applyInsert(leaf, newKey)

	if t.mergeEnabled {
		mergeAdjacent(leaf)
	}

	if !needsRollover(leaf, t.bsetBudget) {
		return nil
	}

	if openNewBset(leaf) {
		return nil
	}

	result, err := t.splitLeaf(ctx, path[len(path)-1])
	if err != nil {
		return err
	}

	return t.propagateSplit(ctx, path, result)
}

func keyEqual(a, b codec.Key) bool {
	if a.Inode != b.Inode || a.Offset != b.Offset || a.Size != b.Size {
		return false
	}

	if len(a.Ptrs) != len(b.Ptrs) {
		return false
	}

	for i := range a.Ptrs {
		if a.Ptrs[i] != b.Ptrs[i] {
			return false
		}
	}

	return true
}

// AllNodeBuckets returns the bucket index backing every node reachable
// from the root, for GC's mark-pass walk to mark as metadata. This must
// walk reachability rather than iterate t.nodes directly: a node
// descriptor that the cache has retired into the freeable list (see
// nodeCache) stays in t.nodes, with its bucket already invalidated, until
// it is actually evicted, and reporting its stale bucket here would
// permanently block GC from reclaiming it.
func (t *Tree) AllNodeBuckets() []int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []int

	var walk func(id int)
	walk = func(id int) {
		n := t.nodes[id]
		out = append(out, n.bucket)

		if n.isLeaf() {
			return
		}

		for _, e := range n.entries {
			walk(e.child)
		}
	}

	walk(t.root)

	return out
}

// NodeStalePointerFractions returns, for every live leaf's bucket index,
// the fraction of its keys' pointers that are stale per the tree's
// checker. A node can carry substantial dead-pointer weight well before
// it becomes sparse enough for moving GC to pick up.
func (t *Tree) NodeStalePointerFractions() map[int]float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[int]float64)

	var walk func(id int)
	walk = func(id int) {
		n := t.nodes[id]
		if !n.isLeaf() {
			for _, e := range n.entries {
				walk(e.child)
			}

			return
		}

		var total, stale int
		for _, k := range liveKeysSorted(n) {
			for _, p := range k.Ptrs {
				total++
				if !t.checker(p) {
					stale++
				}
			}
		}

		if total > 0 {
			out[n.bucket] = float64(stale) / float64(total)
		}
	}

	walk(t.root)

	return out
}

// AllLiveKeys returns every live key in the tree in (inode, offset) order,
// for GC's mark-pass walk and tests.
func (t *Tree) AllLiveKeys() []codec.Key {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []codec.Key

	var walk func(id int)
	walk = func(id int) {
		n := t.nodes[id]
		if n.isLeaf() {
			out = append(out, liveKeysSorted(n)...)
			return
		}

		for _, e := range n.entries {
			walk(e.child)
		}
	}

	walk(t.root)

	return out
}
