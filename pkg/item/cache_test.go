package item

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"segfs/pkg/common"
)

// readerFunc adapts a function to the ManifestReader interface.
type readerFunc func(start, end common.Key) error

func (f readerFunc) ReadItems(start, end common.Key) error {
	return f(start, end)
}

// testLayout caps a segment by item count and total bytes. Zero fields
// mean unlimited.
type testLayout struct {
	maxItems uint32
	maxBytes uint32
}

func (l testLayout) FitsSingle(nrItems, keyBytes, valBytes uint32) bool {
	if l.maxItems > 0 && nrItems > l.maxItems {
		return false
	}
	if l.maxBytes > 0 && keyBytes+valBytes > l.maxBytes {
		return false
	}
	return true
}

// captureSeg records the items a flush emits, checking the first/append
// discipline as it goes.
type captureSeg struct {
	records  []common.Record
	nrItems  uint32
	keyBytes uint32
}

func (s *captureSeg) FirstItem(key common.Key, val []byte, flags uint8, nrItems, keyBytes uint32) error {
	if len(s.records) != 0 {
		panic("FirstItem on a started segment")
	}
	s.nrItems = nrItems
	s.keyBytes = keyBytes
	s.records = append(s.records, common.Record{Key: key.Dup(), Value: append([]byte(nil), val...), Flags: flags})
	return nil
}

func (s *captureSeg) AppendItem(key common.Key, val []byte, flags uint8) error {
	if len(s.records) == 0 {
		panic("AppendItem before FirstItem")
	}
	s.records = append(s.records, common.Record{Key: key.Dup(), Value: append([]byte(nil), val...), Flags: flags})
	return nil
}

// newTestCache returns a cache whose reads fail the test; everything it
// needs has to be in cache already.
func newTestCache(t *testing.T) *Cache {
	t.Helper()
	return New(readerFunc(func(start, end common.Key) error {
		t.Fatalf("unexpected manifest read [%q, %q]", start, end)
		return nil
	}), testLayout{}, nil)
}

// coverAll marks the entire key space as cached so negative answers
// never trigger reads.
func coverAll(t *testing.T, c *Cache) {
	t.Helper()
	require.NoError(t, c.InsertBatch(NewBatch(), common.Key{0x00}, common.MaxKey()))
}

// flushN drains up to n dirty items into a throwaway segment.
func flushN(t *testing.T, c *Cache, n int) {
	t.Helper()
	old := c.layout
	c.layout = testLayout{maxItems: uint32(n)}
	require.NoError(t, c.FillSegment(&captureSeg{}))
	c.layout = old
}

func TestLookupCreateAndNegativeThroughRead(t *testing.T) {
	var reads []common.Key
	var c *Cache
	c = New(readerFunc(func(start, end common.Key) error {
		reads = append(reads, start.Dup(), end.Dup())
		// nothing on storage between c and z
		return c.InsertBatch(NewBatch(), common.Key("c"), common.Key("z"))
	}), testLayout{}, nil)

	require.NoError(t, c.Create(common.Key("b"), []byte("B")))
	require.NoError(t, c.Create(common.Key("a"), []byte("A")))

	buf := make([]byte, 8)
	n, err := c.Lookup(common.Key("a"), buf)
	require.NoError(t, err)
	require.Equal(t, "A", string(buf[:n]))
	require.Empty(t, reads, "cached lookup must not read")

	_, err = c.Lookup(common.Key("c"), buf)
	require.ErrorIs(t, err, ErrNotFound)
	require.Len(t, reads, 2, "one read for the uncached key")
	require.Equal(t, "c", string(reads[0]))

	// now covered, the same miss is answered from the range index
	reads = nil
	_, err = c.Lookup(common.Key("c"), buf)
	require.ErrorIs(t, err, ErrNotFound)
	require.Empty(t, reads)

	require.NotZero(t, c.stats.LookupHits())
	require.NotZero(t, c.stats.LookupMisses())
	require.NotZero(t, c.stats.RangeHits())
	require.NotZero(t, c.stats.RangeMisses())
}

func TestLookupTruncatesToBuffer(t *testing.T) {
	c := newTestCache(t)
	coverAll(t, c)

	require.NoError(t, c.Create(common.Key("k"), []byte("0123456789")))

	buf := make([]byte, 4)
	n, err := c.Lookup(common.Key("k"), buf)
	require.NoError(t, err)
	require.Equal(t, 4, n)
	require.Equal(t, "0123", string(buf))

	n, err = c.Lookup(common.Key("k"), nil)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestLookupExact(t *testing.T) {
	c := newTestCache(t)
	coverAll(t, c)

	require.NoError(t, c.Create(common.Key("k"), []byte("12345")))

	buf := make([]byte, 16)
	require.NoError(t, c.LookupExact(common.Key("k"), buf, 5))
	require.ErrorIs(t, c.LookupExact(common.Key("k"), buf, 4), ErrCorruption)
	require.ErrorIs(t, c.LookupExact(common.Key("k"), buf, 32), ErrBufferTooSmall)
	require.ErrorIs(t, c.LookupExact(common.Key("missing"), buf, 5), ErrNotFound)
}

func TestNextWalksLiveItems(t *testing.T) {
	var reads [][2]string
	var c *Cache
	c = New(readerFunc(func(start, end common.Key) error {
		reads = append(reads, [2]string{string(start), string(end)})
		return c.InsertBatch(NewBatch(), start, end)
	}), testLayout{}, nil)

	require.NoError(t, c.Create(common.Key("a"), []byte("A")))
	require.NoError(t, c.Create(common.Key("b"), []byte("B")))
	require.NoError(t, c.InsertBatch(NewBatch(), common.Key("c"), common.Key("z")))

	// successor of a is b, after reading the hole [a, c)
	buf := make([]byte, 8)
	found, n, err := c.Next(common.Key("a"), common.Key("z"), buf)
	require.NoError(t, err)
	require.Equal(t, "b", string(found))
	require.Equal(t, "B", string(buf[:n]))
	require.Equal(t, [][2]string{{"a", "c"}}, reads)

	// the coalesced coverage now answers the empty tail directly
	reads = nil
	_, _, err = c.Next(common.Key("b"), common.Key("z"), buf)
	require.ErrorIs(t, err, ErrNotFound)
	require.Empty(t, reads)
}

func TestNextReadsHoleAboveCoveredRange(t *testing.T) {
	var reads [][2]string
	var c *Cache
	c = New(readerFunc(func(start, end common.Key) error {
		reads = append(reads, [2]string{string(start), string(end)})
		return c.InsertBatch(NewBatch(), start, end)
	}), testLayout{}, nil)

	// covered up to m with one item, uncached space between m and z
	b := NewBatch()
	c.AddBatch(b, common.Key("d"), []byte("D"))
	require.NoError(t, c.InsertBatch(b, common.Key("a"), common.Key("m")))

	buf := make([]byte, 8)
	found, _, err := c.Next(common.Key("d"), common.Key("z"), buf)
	require.ErrorIs(t, err, ErrNotFound)
	require.Nil(t, found)
	require.Equal(t, [][2]string{{"m", "z"}}, reads)
}

func TestNextPastLastKey(t *testing.T) {
	c := newTestCache(t)

	_, _, err := c.Next(common.Key("z"), common.Key("a"), nil)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestNextSkipsTombstones(t *testing.T) {
	c := newTestCache(t)
	coverAll(t, c)

	require.NoError(t, c.Create(common.Key("a"), []byte("A")))
	require.NoError(t, c.Create(common.Key("b"), []byte("B")))
	require.NoError(t, c.Create(common.Key("c"), []byte("C")))
	require.NoError(t, c.Delete(common.Key("b")))

	buf := make([]byte, 8)
	found, n, err := c.Next(common.Key("a"), common.MaxKey(), buf)
	require.NoError(t, err)
	require.Equal(t, "c", string(found))
	require.Equal(t, "C", string(buf[:n]))
}

func TestNextSameLengthDiscipline(t *testing.T) {
	c := newTestCache(t)
	coverAll(t, c)

	require.NoError(t, c.Create(common.Key("aa"), []byte("1")))
	require.NoError(t, c.Create(common.Key("ab"), []byte("22")))
	require.NoError(t, c.Create(common.Key("abc"), []byte("333")))

	buf := make([]byte, 8)
	found, _, err := c.NextSame(common.Key("aa"), common.MaxKey(), buf)
	require.NoError(t, err)
	require.Equal(t, "ab", string(found))

	// the next item has a longer key, which the discipline rejects
	_, _, err = c.NextSame(common.Key("ab"), common.MaxKey(), buf)
	require.ErrorIs(t, err, ErrCorruption)

	// min value length: ab's value is 2 bytes
	_, _, err = c.NextSameMin(common.Key("aa"), common.MaxKey(), buf, 3)
	require.ErrorIs(t, err, ErrCorruption)

	found, n, err := c.NextSameMin(common.Key("aa"), common.MaxKey(), buf, 2)
	require.NoError(t, err)
	require.Equal(t, "ab", string(found))
	require.Equal(t, 2, n)

	_, _, err = c.NextSameMin(common.Key("aa"), common.MaxKey(), buf, len(buf)+1)
	require.ErrorIs(t, err, ErrInvalid)

	_, _, err = c.NextSameMin(common.Key("aa"), common.MaxKey(), nil, 0)
	require.ErrorIs(t, err, ErrInvalid)
}

func TestUpdateExistingAndMissing(t *testing.T) {
	c := newTestCache(t)
	coverAll(t, c)

	require.NoError(t, c.Create(common.Key("k"), []byte("v1")))
	require.NoError(t, c.Update(common.Key("k"), []byte("value2")))

	buf := make([]byte, 16)
	n, err := c.Lookup(common.Key("k"), buf)
	require.NoError(t, err)
	require.Equal(t, "value2", string(buf[:n]))
	require.Equal(t, int64(6), c.dirtyValBytes, "accounting follows the swapped value")

	require.ErrorIs(t, c.Update(common.Key("missing"), []byte("x")), ErrNotFound)
	auditTree(t, c)
}

func TestDeleteRoundTrip(t *testing.T) {
	c := newTestCache(t)
	coverAll(t, c)

	require.NoError(t, c.Create(common.Key("a"), []byte("A")))
	require.NoError(t, c.Delete(common.Key("a")))

	_, err := c.Lookup(common.Key("a"), make([]byte, 8))
	require.ErrorIs(t, err, ErrNotFound)
	require.True(t, c.HasDirty())

	require.ErrorIs(t, c.Delete(common.Key("a")), ErrNotFound)
	require.ErrorIs(t, c.Delete(common.Key("missing")), ErrNotFound)
	auditTree(t, c)
}

func TestDeleteManyTwoPhase(t *testing.T) {
	failOn := common.Key("y")
	var c *Cache
	c = New(readerFunc(func(start, end common.Key) error {
		if common.Compare(start, failOn) == 0 {
			return ErrCorruption
		}
		// serve exactly the asked-for key so later reads still happen
		b := NewBatch()
		c.AddBatch(b, start, []byte("stored"))
		return c.InsertBatch(b, start, start)
	}), testLayout{}, nil)

	// x reads fine, y fails, z is never attempted
	err := c.DeleteMany([]common.Key{common.Key("x"), common.Key("y"), common.Key("z")})
	require.ErrorIs(t, err, ErrCorruption)

	// no tombstones: x is still live with the value the read installed
	buf := make([]byte, 16)
	n, lerr := c.Lookup(common.Key("x"), buf)
	require.NoError(t, lerr)
	require.Equal(t, "stored", string(buf[:n]))
	auditTree(t, c)
}

func TestDeleteManyDeletesAll(t *testing.T) {
	c := newTestCache(t)
	coverAll(t, c)

	keys := []common.Key{common.Key("x"), common.Key("y"), common.Key("z")}
	for _, k := range keys {
		require.NoError(t, c.Create(k, []byte("v")))
	}

	require.NoError(t, c.DeleteMany(keys))
	for _, k := range keys {
		_, err := c.Lookup(k, nil)
		require.ErrorIs(t, err, ErrNotFound)
	}
	auditTree(t, c)
}

func TestConcurrentUpdatesKeepAccountingExact(t *testing.T) {
	c := newTestCache(t)
	coverAll(t, c)

	require.NoError(t, c.Create(common.Key("k"), []byte("K")))

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			val := make([]byte, n+1)
			for j := range val {
				val[j] = byte('0' + n)
			}
			errs <- c.Update(common.Key("k"), val)
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	buf := make([]byte, 16)
	n, err := c.Lookup(common.Key("k"), buf)
	require.NoError(t, err)
	require.Equal(t, int64(n), c.dirtyValBytes, "exactly one write visible in accounting")
	auditTree(t, c)
}

func TestInvalidKeys(t *testing.T) {
	c := newTestCache(t)

	long := make(common.Key, common.MaxKeySize+1)
	require.ErrorIs(t, c.Create(nil, []byte("v")), ErrInvalid)
	require.ErrorIs(t, c.Create(long, []byte("v")), ErrInvalid)
	_, err := c.Lookup(long, nil)
	require.ErrorIs(t, err, ErrInvalid)
	require.ErrorIs(t, c.Delete(long), ErrInvalid)

	big := make([]byte, common.MaxValueSize+1)
	require.ErrorIs(t, c.Create(common.Key("k"), big), ErrInvalid)
}
