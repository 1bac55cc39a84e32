package item

import "segfs/pkg/common"

// Every operation that may need storage follows the same pattern: check
// the item tree under the lock, fall back to the range index to tell a
// confirmed miss from an uncached hole, and when the key is in a hole,
// drop the lock, read the hole from the manifest, and retry.

// Lookup finds the live item at key and copies its value into buf. The
// number of bytes copied is returned; it can be 0 or truncated by the
// length of buf.
func (c *Cache) Lookup(key common.Key, buf []byte) (int, error) {
	if err := checkKey(key); err != nil {
		return 0, err
	}

	for {
		var needsRead bool
		var readEnd common.Key
		var n int
		var err error

		c.mu.Lock()
		if it := c.findItem(key); it != nil {
			n = copy(buf, it.val)
		} else if covered, end := c.checkRange(key); covered {
			err = ErrNotFound
		} else {
			needsRead = true
			readEnd = end
		}
		c.mu.Unlock()

		if !needsRead {
			return n, err
		}
		if err := c.reader.ReadItems(key, readEnd); err != nil {
			return 0, err
		}
	}
}

// LookupExact is Lookup for callers that know the exact value size.
// A different stored size is corruption.
func (c *Cache) LookupExact(key common.Key, buf []byte, size int) error {
	if size > len(buf) {
		return ErrBufferTooSmall
	}
	n, err := c.Lookup(key, buf)
	if err != nil {
		return err
	}
	if n != size {
		return ErrCorruption
	}
	return nil
}

// itemForNext returns the item to hand out of Next: the first item
// strictly after key that isn't a tombstone and doesn't pass the lesser
// of the cached range end and the caller's last key.
func (c *Cache) itemForNext(key, rangeEnd, last common.Key) *cachedItem {
	if common.Compare(rangeEnd, last) < 0 {
		last = rangeEnd
	}

	it := c.nextItem(key)
	for it != nil {
		if common.Compare(it.key, last) > 0 {
			return nil
		}
		if !it.deletion {
			return it
		}
		it = it.next()
	}
	return nil
}

// Next returns the first item after key and at most at last. The
// found key is returned along with the number of value bytes copied into
// buf, which may be truncated by the buffer length. ErrNotFound means
// there are no items between key and last.
//
// A single pass can only trust the cache as far as the covering range
// extends. When no usable item is found but uncached space remains below
// last, the hole is read and the pass retries.
func (c *Cache) Next(key, last common.Key, buf []byte) (common.Key, int, error) {
	if err := checkKey(key); err != nil {
		return nil, 0, err
	}
	// convenience so callers can iterate past their last key
	if common.Compare(key, last) > 0 {
		return nil, 0, ErrNotFound
	}

	c.mu.Lock()
	for {
		covered, rangeEnd := c.checkRange(key)

		if covered {
			if it := c.itemForNext(key, rangeEnd, last); it != nil {
				found := it.key.Dup()
				n := copy(buf, it.val)
				c.mu.Unlock()
				return found, n, nil
			}
		}

		var readStart, readEnd common.Key
		if !covered {
			// missing cache starts at key
			readStart = key.Dup()
			readEnd = rangeEnd
		} else if common.Compare(rangeEnd, last) < 0 {
			// missing cache starts past the covered range
			readStart = rangeEnd
			readEnd = last.Dup()
		} else {
			// no items and the cache covers key through last
			c.mu.Unlock()
			return nil, 0, ErrNotFound
		}

		c.mu.Unlock()
		if err := c.reader.ReadItems(readStart, readEnd); err != nil {
			return nil, 0, err
		}
		c.mu.Lock()
	}
}

// NextSame is Next restricted to keys of the same length as the search
// key. A found key of a different length is corruption.
func (c *Cache) NextSame(key, last common.Key, buf []byte) (common.Key, int, error) {
	found, n, err := c.Next(key, last, buf)
	if err != nil {
		return nil, 0, err
	}
	if len(found) != len(key) {
		return nil, 0, ErrCorruption
	}
	return found, n, nil
}

// NextSameMin is NextSame with a minimum value length. Values shorter
// than min are corruption. buf must be able to hold at least min bytes.
func (c *Cache) NextSameMin(key, last common.Key, buf []byte, min int) (common.Key, int, error) {
	if buf == nil || len(buf) < min {
		return nil, 0, ErrInvalid
	}

	found, n, err := c.Next(key, last, buf)
	if err != nil {
		return nil, 0, err
	}
	if len(found) != len(key) || n < min {
		return nil, 0, ErrCorruption
	}
	return found, n, nil
}

// Create inserts a new dirty item. ErrExists is returned if a live item
// already occupies the key; a tombstone is replaced. Create never reads
// from the manifest, so it can mask an on-storage item the cache hasn't
// seen; callers own that consistency.
func (c *Cache) Create(key common.Key, val []byte) error {
	if err := checkKey(key); err != nil {
		return err
	}
	if len(val) > common.MaxValueSize {
		return ErrInvalid
	}

	ins := newItem(key, val)

	c.mu.Lock()
	err := c.insertItem(ins)
	if err == nil {
		c.stats.IncCreate()
		c.markItemDirty(ins)
	}
	c.mu.Unlock()

	return err
}

// Update sets the value of an existing item and marks it dirty.
// ErrNotFound is returned if the item doesn't exist. The new value is
// duplicated outside the lock; accounting is kept exact by clearing the
// dirty bit across the value swap.
func (c *Cache) Update(key common.Key, val []byte) error {
	if err := checkKey(key); err != nil {
		return err
	}
	if len(val) > common.MaxValueSize {
		return ErrInvalid
	}

	var upVal []byte
	if val != nil {
		upVal = make([]byte, len(val))
		copy(upVal, val)
	}

	for {
		var needsRead bool
		var readEnd common.Key
		var err error

		c.mu.Lock()
		if it := c.findItem(key); it != nil {
			c.clearItemDirty(it)
			it.val, upVal = upVal, it.val
			c.markItemDirty(it)
		} else if covered, end := c.checkRange(key); covered {
			err = ErrNotFound
		} else {
			needsRead = true
			readEnd = end
		}
		c.mu.Unlock()

		if !needsRead {
			return err
		}
		if err := c.reader.ReadItems(key, readEnd); err != nil {
			return err
		}
	}
}

// Dirty ensures the item at key is present in the cache with its dirty
// bit set, reading it from the manifest if needed. ErrNotFound is
// returned if the item doesn't exist.
func (c *Cache) Dirty(key common.Key) error {
	if err := checkKey(key); err != nil {
		return err
	}

	for {
		var needsRead bool
		var readEnd common.Key
		var err error

		c.mu.Lock()
		if it := c.findItem(key); it != nil {
			c.markItemDirty(it)
		} else if covered, end := c.checkRange(key); covered {
			err = ErrNotFound
		} else {
			needsRead = true
			readEnd = end
		}
		c.mu.Unlock()

		if !needsRead {
			return err
		}
		if err := c.reader.ReadItems(key, readEnd); err != nil {
			return err
		}
	}
}

// becomeDeletion turns a live item into a dirty tombstone. The dirty bit
// is cleared across dropping the value so the dirty byte totals track
// the tombstone's empty value.
func (c *Cache) becomeDeletion(it *cachedItem) {
	c.clearItemDirty(it)
	it.val = nil
	it.deletion = true
	c.markItemDirty(it)
	c.stats.IncDelete()
}

// Delete turns the item at key into a dirty tombstone. ErrNotFound is
// returned if the item doesn't exist, which forces a read before a
// tombstone can be created.
func (c *Cache) Delete(key common.Key) error {
	if err := checkKey(key); err != nil {
		return err
	}

	for {
		var needsRead bool
		var readEnd common.Key
		var err error

		c.mu.Lock()
		if it := c.findItem(key); it != nil {
			c.becomeDeletion(it)
		} else if covered, end := c.checkRange(key); covered {
			err = ErrNotFound
		} else {
			needsRead = true
			readEnd = end
		}
		c.mu.Unlock()

		if !needsRead {
			return err
		}
		if err := c.reader.ReadItems(key, readEnd); err != nil {
			return err
		}
	}
}

// DeleteDirty deletes an item the caller has already dirtied, so it is
// known to be present and the deletion can't fail.
func (c *Cache) DeleteDirty(key common.Key) {
	c.mu.Lock()
	if it := c.findItem(key); it != nil {
		c.becomeDeletion(it)
	}
	c.mu.Unlock()
}

// DeleteMany deletes a set of keys without partial failure. Every key is
// first dirtied, which pins it in the cache and performs any reads; only
// once all succeed are the tombstones created.
func (c *Cache) DeleteMany(keys []common.Key) error {
	for _, key := range keys {
		if err := c.Dirty(key); err != nil {
			return err
		}
	}

	for _, key := range keys {
		c.DeleteDirty(key)
	}

	return nil
}

func checkKey(key common.Key) error {
	if len(key) == 0 || len(key) > common.MaxKeySize {
		return ErrInvalid
	}
	return nil
}
