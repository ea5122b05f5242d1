package btree

import "errors"

// ErrReplaceMiss indicates replace's compare-and-swap did not match the
// tree's current contents for the given range — the expected outcome of a
// lost race, not a bug.
var ErrReplaceMiss = errors.New("btree: replace compare-and-swap missed")

// ErrNotFound indicates search found no live key covering the requested
// sector.
var ErrNotFound = errors.New("btree: not found")

// ErrCannibalizeFailed indicates a descent needed to admit a new node
// descriptor past the node cache's capacity, found no freeable
// descriptor to reclaim, and ctx was done before one appeared.
var ErrCannibalizeFailed = errors.New("btree: node cache: cannibalize failed")
