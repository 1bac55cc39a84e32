// Package item implements the in-memory item cache that sits between the
// filesystem operations and the on-disk manifest of immutable sorted
// segments.
//
// A tree of cached items isolates callers from the relatively expensive
// segment searches. A second index of key ranges records the regions of
// the key space that are completely described by the cached items, which
// lets negative lookups hit the cache instead of searching segments over
// and over.
//
// Deletions are recorded as tombstone items carrying no value. They
// shadow older on-storage data until they're written to a segment, at
// which point they're erased from the cache. While present they're
// clobbered by creation and skipped by lookups.
package item

import (
	"sync"

	"github.com/google/btree"

	"segfs/pkg/common"
	"segfs/pkg/monitor"
)

// ManifestReader populates the cache with every item in the closed key
// range [start, end], installing the covering range along the way. The
// cache never holds its lock across a call.
type ManifestReader interface {
	ReadItems(start, end common.Key) error
}

// SegmentLayout answers whether a set of items fits in a single segment.
type SegmentLayout interface {
	FitsSingle(nrItems, keyBytes, valBytes uint32) bool
}

// SegmentWriter receives the sorted dirty items during a flush. FirstItem
// starts the segment and must be followed by exactly nrItems-1 AppendItem
// calls.
type SegmentWriter interface {
	FirstItem(key common.Key, val []byte, flags uint8, nrItems, keyBytes uint32) error
	AppendItem(key common.Key, val []byte, flags uint8) error
}

// cachedItem is a node of the item tree. A deletion item is a tombstone
// and has a nil value.
type cachedItem struct {
	parent *cachedItem
	left   *cachedItem
	right  *cachedItem
	red    bool

	dirty    uint8
	deletion bool

	key common.Key
	val []byte
}

func itemFlags(it *cachedItem) uint8 {
	if it.deletion {
		return common.FlagDeletion
	}
	return 0
}

func newItem(key common.Key, val []byte) *cachedItem {
	it := &cachedItem{key: key.Dup()}
	if val != nil {
		it.val = make([]byte, len(val))
		copy(it.val, val)
	}
	return it
}

// Cache is the item cache. A single mutex protects the item tree, the
// range index, and the dirty accounting as one unit. The mutex is never
// held across a manifest read.
type Cache struct {
	mu     sync.Mutex
	items  itemTree
	ranges *btree.BTree

	nrDirtyItems  int64
	dirtyKeyBytes int64
	dirtyValBytes int64

	reader ManifestReader
	layout SegmentLayout
	stats  *monitor.Stats
}

// New creates an empty cache reading misses through reader and sizing
// flushes with layout.
func New(reader ManifestReader, layout SegmentLayout, stats *monitor.Stats) *Cache {
	if stats == nil {
		stats = monitor.NewStats()
	}
	return &Cache{
		ranges: btree.New(32),
		reader: reader,
		layout: layout,
		stats:  stats,
	}
}

// walkItems descends to the item with the given key, recording the
// closest items on either side of the search path.
func (c *Cache) walkItems(key common.Key, prev, next **cachedItem) *cachedItem {
	*prev = nil
	*next = nil

	for it := c.items.root; it != nil; {
		cmp := common.Compare(key, it.key)
		if cmp < 0 {
			*next = it
			it = it.left
		} else if cmp > 0 {
			*prev = it
			it = it.right
		} else {
			return it
		}
	}

	return nil
}

// findItem returns the live item at key. Tombstones are returned as nil;
// callers looking for existing items would only turn them into a not
// found result anyway. Callers that replace tombstones do so through
// insertItem.
func (c *Cache) findItem(key common.Key) *cachedItem {
	var prev, next *cachedItem

	it := c.walkItems(key, &prev, &next)
	if it != nil && it.deletion {
		it = nil
	}

	if it != nil {
		c.stats.IncLookupHit()
	} else {
		c.stats.IncLookupMiss()
	}

	return it
}

// nextItem returns the item with the least key strictly greater than
// key.
func (c *Cache) nextItem(key common.Key) *cachedItem {
	var prev, next *cachedItem

	if it := c.walkItems(key, &prev, &next); it != nil {
		return it.next()
	}
	return next
}

func (c *Cache) markItemDirty(it *cachedItem) {
	if it.dirty&selfDirty != 0 {
		return
	}

	it.dirty |= selfDirty
	c.nrDirtyItems++
	c.dirtyKeyBytes += int64(len(it.key))
	c.dirtyValBytes += int64(len(it.val))

	c.items.propagate(it.parent)
}

func (c *Cache) clearItemDirty(it *cachedItem) {
	if it.dirty&selfDirty == 0 {
		return
	}

	it.dirty &^= selfDirty
	c.nrDirtyItems--
	c.dirtyKeyBytes -= int64(len(it.key))
	c.dirtyValBytes -= int64(len(it.val))

	c.items.propagate(it.parent)
}

// eraseItem removes an item from the tree, dropping its dirty accounting
// first so the totals stay exact.
func (c *Cache) eraseItem(it *cachedItem) {
	c.clearItemDirty(it)
	c.items.erase(it)
}

// insertItem links ins into the item tree. A live item at the same key
// fails the insert with ErrExists. A tombstone at the same key is erased,
// accounting included, and the insert restarts.
//
// If ins is already dirty the descent sets the matching side bit on every
// node on the path. The caller marks newly created items dirty after the
// insert.
func (c *Cache) insertItem(ins *cachedItem) error {
restart:
	var parent *cachedItem
	var left bool

	for it := c.items.root; it != nil; {
		parent = it
		cmp := common.Compare(ins.key, it.key)
		if cmp < 0 {
			if ins.dirty != 0 {
				it.dirty |= leftDirty
			}
			left = true
			it = it.left
		} else if cmp > 0 {
			if ins.dirty != 0 {
				it.dirty |= rightDirty
			}
			left = false
			it = it.right
		} else {
			if !it.deletion {
				return ErrExists
			}

			// no augmented replace, take it out and redo the descent
			c.eraseItem(it)
			goto restart
		}
	}

	c.items.linkNode(ins, parent, left)
	return nil
}
