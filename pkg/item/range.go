package item

import (
	"github.com/google/btree"

	"segfs/pkg/common"
)

// cachedRange is a closed interval of keys completely described by the
// item tree. Inside a cached range both positive and negative answers
// are authoritative. Ranges in the index never overlap.
type cachedRange struct {
	start common.Key
	end   common.Key
}

// Less orders ranges by the range comparator: a range is less than
// another only when it lies entirely below it. Two ranges sharing any
// key compare equal, which is what both the point queries and the
// coalescing insert descend on.
func (r *cachedRange) Less(than btree.Item) bool {
	o := than.(*cachedRange)
	return common.CompareRange(r.start, r.end, o.start, o.end) < 0
}

// checkRange reports whether key is covered by a cached range. When it
// is, the returned boundary is the end of that range. When it isn't, the
// boundary is the start of the next range above key, or the maximal key
// when nothing is cached above.
func (c *Cache) checkRange(key common.Key) (bool, common.Key) {
	pivot := &cachedRange{start: key, end: key}

	if found := c.ranges.Get(pivot); found != nil {
		rng := found.(*cachedRange)
		c.stats.IncRangeHit()
		return true, rng.end.Dup()
	}

	var next *cachedRange
	c.ranges.AscendGreaterOrEqual(pivot, func(i btree.Item) bool {
		next = i.(*cachedRange)
		return false
	})

	c.stats.IncRangeMiss()
	if next != nil {
		return false, next.start.Dup()
	}
	return false, common.MaxKey()
}

// insertRange adds ins to the range index, coalescing overlaps. Each
// pass finds one overlapping range: if it contains ins outright we're
// done, otherwise ins grows to the union, the old range is removed, and
// the search restarts. Ranges contained in the middle of ins fall out of
// the restart loop one at a time.
func (c *Cache) insertRange(ins *cachedRange) {
	c.stats.IncRangeInsert()

	for {
		found := c.ranges.Get(ins)
		if found == nil {
			c.ranges.ReplaceOrInsert(ins)
			return
		}
		rng := found.(*cachedRange)

		startCmp := common.Compare(ins.start, rng.start)
		endCmp := common.Compare(ins.end, rng.end)

		// drop the insertion if it's entirely within an existing range
		if startCmp >= 0 && endCmp <= 0 {
			return
		}

		c.ranges.Delete(rng)

		// extend over a partial overlap on either side
		if startCmp < 0 && endCmp < 0 {
			ins.end = rng.end
		} else if startCmp > 0 && endCmp > 0 {
			ins.start = rng.start
		}
	}
}
