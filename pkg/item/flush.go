package item

// HasDirty reports whether any dirty items are waiting to be flushed.
func (c *Cache) HasDirty() bool {
	c.mu.Lock()
	has := c.nrDirtyItems != 0
	c.mu.Unlock()
	return has
}

// DirtyFitsSingle reports whether the current dirty items, plus the
// given additional counts, still fit in a single segment.
func (c *Cache) DirtyFitsSingle(nrItems, keyBytes, valBytes uint32) bool {
	c.mu.Lock()
	fits := c.layout.FitsSingle(nrItems+uint32(c.nrDirtyItems),
		keyBytes+uint32(c.dirtyKeyBytes),
		valBytes+uint32(c.dirtyValBytes))
	c.mu.Unlock()
	return fits
}

// countSegItems finds the initial run of sorted dirty items that fits in
// a single segment, returning how many there are and the total bytes of
// their keys.
func (c *Cache) countSegItems() (uint32, uint32) {
	var nrItems, keyBytes uint32
	var items, keys, vals uint32

	for it := firstDirty(c.items.root); it != nil; it = nextDirty(it) {
		items++
		keys += uint32(len(it.key))
		vals += uint32(len(it.val))

		if !c.layout.FitsSingle(items, keys, vals) {
			break
		}

		nrItems = items
		keyBytes = keys
	}

	return nrItems, keyBytes
}

// FillSegment writes the leading run of dirty items, in key order, into
// the segment writer. Emitted items are marked clean as they go; emitted
// tombstones have served their purpose once written and are erased from
// the cache.
//
// Items past what fits in the segment stay dirty for the next flush.
func (c *Cache) FillSegment(w SegmentWriter) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	nrItems, keyBytes := c.countSegItems()

	var it *cachedItem
	for nrItems > 0 {
		var err error
		if it == nil {
			it = firstDirty(c.items.root)
			err = w.FirstItem(it.key, it.val, itemFlags(it), nrItems, keyBytes)
		} else {
			err = w.AppendItem(it.key, it.val, itemFlags(it))
		}
		if err != nil {
			return err
		}

		keyBytes -= uint32(len(it.key))

		c.clearItemDirty(it)

		del := it
		it = nextDirty(it)

		if del.deletion {
			c.eraseItem(del)
		}

		nrItems--
	}

	return nil
}
