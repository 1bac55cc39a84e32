package monitor

import (
	"sync/atomic"
)

// Stats counts cache events. Counters are updated with atomics so the
// cache can bump them inside its critical sections without caring about
// who reads them.
type Stats struct {
	lookupHit   uint64
	lookupMiss  uint64
	rangeHit    uint64
	rangeMiss   uint64
	rangeInsert uint64
	create      uint64
	delete      uint64
}

func NewStats() *Stats {
	return &Stats{}
}

func (s *Stats) IncLookupHit() {
	atomic.AddUint64(&s.lookupHit, 1)
}

func (s *Stats) IncLookupMiss() {
	atomic.AddUint64(&s.lookupMiss, 1)
}

func (s *Stats) IncRangeHit() {
	atomic.AddUint64(&s.rangeHit, 1)
}

func (s *Stats) IncRangeMiss() {
	atomic.AddUint64(&s.rangeMiss, 1)
}

func (s *Stats) IncRangeInsert() {
	atomic.AddUint64(&s.rangeInsert, 1)
}

func (s *Stats) IncCreate() {
	atomic.AddUint64(&s.create, 1)
}

func (s *Stats) IncDelete() {
	atomic.AddUint64(&s.delete, 1)
}

func (s *Stats) LookupHits() uint64 {
	return atomic.LoadUint64(&s.lookupHit)
}

func (s *Stats) LookupMisses() uint64 {
	return atomic.LoadUint64(&s.lookupMiss)
}

func (s *Stats) RangeHits() uint64 {
	return atomic.LoadUint64(&s.rangeHit)
}

func (s *Stats) RangeMisses() uint64 {
	return atomic.LoadUint64(&s.rangeMiss)
}

// Snapshot returns every counter keyed by name, for the stats surface.
func (s *Stats) Snapshot() map[string]uint64 {
	return map[string]uint64{
		"item_lookup_hit":   atomic.LoadUint64(&s.lookupHit),
		"item_lookup_miss":  atomic.LoadUint64(&s.lookupMiss),
		"item_range_hit":    atomic.LoadUint64(&s.rangeHit),
		"item_range_miss":   atomic.LoadUint64(&s.rangeMiss),
		"item_range_insert": atomic.LoadUint64(&s.rangeInsert),
		"item_create":       atomic.LoadUint64(&s.create),
		"item_delete":       atomic.LoadUint64(&s.delete),
	}
}
