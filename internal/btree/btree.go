// Package btree implements the copy-on-write extent B-tree:
// multi-bset leaf nodes, overlap-resolving insert, compare-and-swap
// replace, point search, node split with upward propagation, and a
// bounded in-memory node cache with cannibalization under memory
// pressure. [NodeStore] is the separate abstraction the allocator and
// bucket table back onto real buckets for a node's on-disk footprint.
package btree

import (
	"context"
	"fmt"
	"sync"

	"github.com/calvinalkan/bcachecore/internal/codec"
)

// MaxBsets is the most bsets a single node may hold before it must be
// split.
const MaxBsets = 4

// NodeStore backs B-tree nodes onto real storage: a node occupies one
// bucket for its lifetime, and a node's generation is bumped (via the
// owning bucket's Invalidate) once it is superseded by a split, making
// the old bucket reclaimable.
type NodeStore interface {
	AllocateNode(ctx context.Context) (bucketIdx int, err error)
	InvalidateNode(bucketIdx int) error
}

// PointerChecker reports whether a pointer is still live: ptr.Gen matches
// the current generation of the bucket it addresses. Stale pointers are
// treated as misses.
type PointerChecker func(p codec.Ptr) bool

// AlwaysLive is a [PointerChecker] that treats every pointer as live, for
// tests and standalone use of the tree without a wired bucket table.
func AlwaysLive(codec.Ptr) bool { return true }

type separator struct {
	inode  uint32
	offset uint64 // exclusive upper bound of everything reachable through child
	child  int
}

// infOffset/infInode bound the rightmost entry of a root created by
// growRoot (and the separator of an empty split partition): nothing sorts
// past them. Once that rightmost child splits, its entry takes a finite
// bound, and descendChild routes anything past the last bound to the
// last child.
const infInode = ^uint32(0)
const infOffset = ^uint64(0)

func infSeparator(child int) separator {
	return separator{inode: infInode, offset: infOffset, child: child}
}

func (s separator) coversBefore(inode uint32, offset uint64) bool {
	if s.inode != inode {
		return s.inode > inode
	}

	return s.offset > offset
}

type node struct {
	id     int
	level  int // 0 = leaf
	bucket int

	bsets   [][]codec.Key // leaf only, oldest first
	entries []separator   // non-leaf only, sorted ascending
}

func (n *node) isLeaf() bool { return n.level == 0 }

// Tree is one B-tree instance (one per cache set's key-space in this
// implementation; multi-device replication of the root is out of scope,
// see DESIGN.md).
type Tree struct {
	mu sync.RWMutex

	store   NodeStore
	checker PointerChecker
	cache   *nodeCache

	nodes  map[int]*node
	nextID int
	root   int

	bsetBudget   int // max keys per bset before rolling to a new one
	indexBudget  int // max entries per index node before splitting
	mergeEnabled bool
}

// Options configures a new Tree.
type Options struct {
	BsetBudget   int
	IndexBudget  int
	MergeEnabled bool

	// NodeCacheSize bounds how many node descriptors the tree holds
	// resident at once; 0 leaves it unbounded.
	NodeCacheSize int
}

// DefaultOptions returns conservative budgets suitable for tests and small
// trees. CacheSet opens its tree with these same defaults; nothing derives
// the budgets from the configured bucket size.
func DefaultOptions() Options {
	return Options{BsetBudget: 64, IndexBudget: 64, MergeEnabled: true, NodeCacheSize: 64}
}

// New builds an empty Tree with a single empty leaf as root.
func New(ctx context.Context, store NodeStore, checker PointerChecker, opts Options) (*Tree, error) {
	if checker == nil {
		checker = AlwaysLive
	}

	if opts.BsetBudget <= 0 {
		opts.BsetBudget = DefaultOptions().BsetBudget
	}

	if opts.IndexBudget <= 0 {
		opts.IndexBudget = DefaultOptions().IndexBudget
	}

	t := &Tree{
		store:        store,
		checker:      checker,
		cache:        newNodeCache(opts.NodeCacheSize),
		nodes:        make(map[int]*node),
		bsetBudget:   opts.BsetBudget,
		indexBudget:  opts.IndexBudget,
		mergeEnabled: opts.MergeEnabled,
	}

	rootBucket, err := store.AllocateNode(ctx)
	if err != nil {
		return nil, fmt.Errorf("btree: allocating root node: %w", err)
	}

	rootID := t.allocID()
	t.nodes[rootID] = &node{id: rootID, level: 0, bucket: rootBucket, bsets: [][]codec.Key{{}}}
	t.root = rootID

	return t, nil
}

func (t *Tree) allocID() int {
	t.nextID++
	return t.nextID
}

// RootLevel reports the current root's level (0 if the tree is a single
// leaf), for tests and diagnostics.
func (t *Tree) RootLevel() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.nodes[t.root].level
}

// NodeCount reports the number of resident node descriptors (live and
// freeable combined), for tests.
func (t *Tree) NodeCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return len(t.nodes)
}

// admitNode reserves room in the node cache for one more resident
// descriptor, evicting and dropping the oldest freeable one if the tree
// is already at capacity. Must be called with t.mu held for writing.
func (t *Tree) admitNode(ctx context.Context) error {
	evicted, ok, err := t.cache.reserve(ctx, len(t.nodes))
	if err != nil {
		return err
	}

	if ok {
		delete(t.nodes, evicted)
	}

	return nil
}

// CounterNodeStore is a trivial [NodeStore] that hands out sequential
// bucket indices and performs no real invalidation, for use in tests that
// don't need a wired allocator/bucket table.
type CounterNodeStore struct {
	mu   sync.Mutex
	next int
}

func (s *CounterNodeStore) AllocateNode(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.next++

	return s.next, nil
}

func (s *CounterNodeStore) InvalidateNode(int) error { return nil }

var _ NodeStore = (*CounterNodeStore)(nil)
