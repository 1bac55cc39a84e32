// Package core wires the item cache to the manifest and segment files.
// The Store owns the read path that fills cache misses from segments and
// the flush path that drains dirty items into new segments.
package core

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"segfs/pkg/common"
	"segfs/pkg/config"
	"segfs/pkg/core/structure"
	"segfs/pkg/item"
	"segfs/pkg/monitor"
	"segfs/pkg/storage"
	"segfs/pkg/storage/segment"
)

// openSeg is a segment the store can read from, with a bloom filter over
// its keys so point reads can skip segments that can't match.
type openSeg struct {
	entry *storage.SegmentEntry
	seg   *segment.Segment
	bloom *structure.BloomFilter
}

type Store struct {
	cache   *item.Cache
	catalog storage.Catalog
	stats   *monitor.Stats
	conf    *config.Config
	log     *zap.Logger

	mu   sync.Mutex
	segs map[int64]*openSeg
}

// Open restores the manifest from the configured directory and builds an
// empty cache in front of it.
func Open(cfg *config.Config, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	if err := os.MkdirAll(cfg.Storage.Path, 0755); err != nil {
		return nil, errors.Wrap(err, "create data dir")
	}

	catalog, err := storage.NewSQLiteCatalog(filepath.Join(cfg.Storage.Path, "manifest.db"))
	if err != nil {
		return nil, err
	}

	s := &Store{
		catalog: catalog,
		stats:   monitor.NewStats(),
		conf:    cfg,
		log:     logger,
		segs:    make(map[int64]*openSeg),
	}
	s.cache = item.New(s, segment.Layout{SegmentSize: cfg.Storage.SegmentSize}, s.stats)

	entries, err := catalog.LoadAll()
	if err != nil {
		catalog.Close()
		return nil, err
	}
	for _, entry := range entries {
		if err := s.openSegment(entry); err != nil {
			s.closeSegments()
			catalog.Close()
			return nil, err
		}
	}

	logger.Info("store opened",
		zap.String("path", cfg.Storage.Path),
		zap.Int("segments", len(entries)))

	return s, nil
}

func (s *Store) openSegment(entry *storage.SegmentEntry) error {
	seg, err := segment.Open(filepath.Join(s.conf.Storage.Path, entry.Filename))
	if err != nil {
		return err
	}

	bloom := structure.NewBloomFilter(s.conf.System.BloomSize, s.conf.System.BloomFalseProb)
	it := seg.NewIterator()
	for it.Next() {
		bloom.Add(it.Key())
	}
	if err := it.Err(); err != nil {
		seg.Close()
		return err
	}

	s.mu.Lock()
	s.segs[entry.Seq] = &openSeg{entry: entry, seg: seg, bloom: bloom}
	s.mu.Unlock()
	return nil
}

// ReadItems fills the cache with every item in [start, end]. Overlapping
// segments are merged newest first, so the youngest record for a key
// wins; a winning tombstone just means the key stays out of the batch,
// the covering range records its absence.
func (s *Store) ReadItems(start, end common.Key) error {
	entries, err := s.catalog.Overlapping(start, end)
	if err != nil {
		return err
	}

	point := common.Compare(start, end) == 0
	merged := make(map[string]*common.Record)

	for _, entry := range entries {
		s.mu.Lock()
		oseg := s.segs[entry.Seq]
		s.mu.Unlock()
		if oseg == nil {
			if err := s.openSegment(entry); err != nil {
				return err
			}
			s.mu.Lock()
			oseg = s.segs[entry.Seq]
			s.mu.Unlock()
		}

		if point {
			if !oseg.bloom.Contains(start) {
				continue
			}
			rec, ok, err := oseg.seg.Get(start)
			if err != nil {
				return err
			}
			if ok {
				if _, dup := merged[string(rec.Key)]; !dup {
					merged[string(rec.Key)] = rec
				}
			}
			continue
		}

		it := oseg.seg.NewIterator()
		for it.Next() {
			if common.Compare(it.Key(), start) < 0 {
				continue
			}
			if common.Compare(it.Key(), end) > 0 {
				break
			}
			if _, dup := merged[string(it.Key())]; !dup {
				merged[string(it.Key())] = it.Record()
			}
		}
		if err := it.Err(); err != nil {
			return err
		}
	}

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	batch := item.NewBatch()
	for _, k := range keys {
		rec := merged[k]
		if rec.Deletion() {
			continue
		}
		s.cache.AddBatch(batch, rec.Key, rec.Value)
	}

	return s.cache.InsertBatch(batch, start, end)
}

// Flush drains every dirty item into segment files, registering each in
// the manifest as it completes.
func (s *Store) Flush() error {
	for s.cache.HasDirty() {
		name := fmt.Sprintf("seg-%d.seg", time.Now().UnixNano())
		builder, err := segment.NewBuilder(filepath.Join(s.conf.Storage.Path, name))
		if err != nil {
			return err
		}

		if err := s.cache.FillSegment(builder); err != nil {
			builder.Abort()
			return err
		}
		if builder.Count() == 0 {
			builder.Abort()
			return errors.New("dirty items don't fit a single segment")
		}
		if err := builder.Close(); err != nil {
			return err
		}

		entry := &storage.SegmentEntry{
			Filename: name,
			FirstKey: builder.FirstKey(),
			LastKey:  builder.LastKey(),
			NrItems:  builder.Count(),
		}
		if _, err := s.catalog.AddSegment(entry); err != nil {
			return err
		}
		if err := s.openSegment(entry); err != nil {
			return err
		}

		s.log.Info("wrote segment",
			zap.String("file", name),
			zap.Uint32("items", entry.NrItems),
			zap.String("first", entry.FirstKey.String()),
			zap.String("last", entry.LastKey.String()))
	}

	return nil
}

// Cache exposes the item cache for callers working at the item level.
func (s *Store) Cache() *item.Cache {
	return s.cache
}

// Put creates the item or, if it already exists, updates it in place.
func (s *Store) Put(key common.Key, val []byte) error {
	err := s.cache.Create(key, val)
	if errors.Is(err, item.ErrExists) {
		return s.cache.Update(key, val)
	}
	return err
}

// Get returns a copy of the value stored at key.
func (s *Store) Get(key common.Key) ([]byte, error) {
	buf := make([]byte, common.MaxValueSize)
	n, err := s.cache.Lookup(key, buf)
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, buf[:n])
	return out, nil
}

// Delete removes the item at key.
func (s *Store) Delete(key common.Key) error {
	return s.cache.Delete(key)
}

// Scan returns every live item in [start, end] in key order.
func (s *Store) Scan(start, end common.Key) ([]common.Record, error) {
	var out []common.Record
	buf := make([]byte, common.MaxValueSize)

	// Next hands out strict successors, so the start key itself needs
	// its own lookup.
	n, err := s.cache.Lookup(start, buf)
	if err == nil {
		val := make([]byte, n)
		copy(val, buf[:n])
		out = append(out, common.Record{Key: start.Dup(), Value: val})
	} else if !errors.Is(err, item.ErrNotFound) {
		return nil, err
	}

	key := start
	for {
		found, n, err := s.cache.Next(key, end, buf)
		if errors.Is(err, item.ErrNotFound) {
			break
		}
		if err != nil {
			return nil, err
		}

		val := make([]byte, n)
		copy(val, buf[:n])
		out = append(out, common.Record{Key: found, Value: val})

		key = found
	}

	return out, nil
}

func (s *Store) Stats() map[string]interface{} {
	s.mu.Lock()
	nrSegs := len(s.segs)
	s.mu.Unlock()

	stats := map[string]interface{}{
		"segment_count": nrSegs,
		"has_dirty":     s.cache.HasDirty(),
	}
	for k, v := range s.stats.Snapshot() {
		stats[k] = v
	}
	return stats
}

func (s *Store) closeSegments() {
	s.mu.Lock()
	for _, oseg := range s.segs {
		oseg.seg.Close()
	}
	s.segs = make(map[int64]*openSeg)
	s.mu.Unlock()
}

// Close flushes remaining dirty items and releases the manifest and
// segment handles.
func (s *Store) Close() error {
	flushErr := s.Flush()
	s.closeSegments()
	if err := s.catalog.Close(); err != nil && flushErr == nil {
		flushErr = err
	}
	return flushErr
}
