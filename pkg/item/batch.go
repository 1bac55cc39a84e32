package item

import "segfs/pkg/common"

// Batch is a caller-owned scratch list of items read out of segments,
// built off-lock and installed in one critical section. The caller adds
// keys in ascending order.
type Batch struct {
	items []*cachedItem
}

// NewBatch returns an empty batch.
func NewBatch() *Batch {
	return &Batch{}
}

// Len returns the number of items waiting in the batch.
func (b *Batch) Len() int {
	return len(b.items)
}

// AddBatch appends an item to the tail of the batch, preserving the
// caller's sort order.
func (c *Cache) AddBatch(b *Batch, key common.Key, val []byte) {
	b.items = append(b.items, newItem(key, val))
}

// InsertBatch atomically installs the covering range [start, end] and
// the batch's items. The caller wasn't holding the cache lock while it
// read, so any duplicate that shows up in the item tree is at least as
// fresh as what was read and the batch copy is dropped on the floor.
//
// The batch is consumed whether or not the insert succeeds.
func (c *Cache) InsertBatch(b *Batch, start, end common.Key) error {
	items := b.items
	b.items = nil

	if common.Compare(start, end) > 0 {
		return ErrInvalid
	}

	rng := &cachedRange{start: start.Dup(), end: end.Dup()}

	c.mu.Lock()
	c.insertRange(rng)
	for _, it := range items {
		// a live item or a tombstone at the key wins over the read copy
		var prev, next *cachedItem
		if c.walkItems(it.key, &prev, &next) != nil {
			continue
		}
		_ = c.insertItem(it)
	}
	c.mu.Unlock()

	return nil
}
