package segment

import (
	"os"
	"path/filepath"
	"testing"

	"segfs/pkg/common"
)

func buildTestSegment(t *testing.T, path string, recs []common.Record) {
	t.Helper()

	var keyBytes uint32
	for _, rec := range recs {
		keyBytes += uint32(len(rec.Key))
	}

	b, err := NewBuilder(path)
	if err != nil {
		t.Fatalf("new builder: %v", err)
	}
	for i, rec := range recs {
		if i == 0 {
			err = b.FirstItem(rec.Key, rec.Value, rec.Flags, uint32(len(recs)), keyBytes)
		} else {
			err = b.AppendItem(rec.Key, rec.Value, rec.Flags)
		}
		if err != nil {
			t.Fatalf("write record %d: %v", i, err)
		}
	}
	if err := b.Close(); err != nil {
		t.Fatalf("close builder: %v", err)
	}
}

func TestBuildAndIterate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.seg")
	recs := []common.Record{
		{Key: common.Key("aaa"), Value: []byte("value-a")},
		{Key: common.Key("bbb"), Value: nil, Flags: common.FlagDeletion},
		{Key: common.Key("ccc"), Value: []byte("value-c")},
	}
	buildTestSegment(t, path, recs)

	seg, err := Open(path)
	if err != nil {
		t.Fatalf("open segment: %v", err)
	}
	defer seg.Close()

	if seg.Count() != 3 {
		t.Fatalf("count: got %d, want 3", seg.Count())
	}

	it := seg.NewIterator()
	for i, want := range recs {
		if !it.Next() {
			t.Fatalf("iterator stopped at %d: %v", i, it.Err())
		}
		if string(it.Key()) != string(want.Key) {
			t.Fatalf("record %d key: got %q want %q", i, it.Key(), want.Key)
		}
		if string(it.Value()) != string(want.Value) {
			t.Fatalf("record %d value: got %q want %q", i, it.Value(), want.Value)
		}
		if it.Flags() != want.Flags {
			t.Fatalf("record %d flags: got %#x want %#x", i, it.Flags(), want.Flags)
		}
	}
	if it.Next() {
		t.Fatal("iterator ran past the declared records")
	}
	if it.Err() != nil {
		t.Fatalf("iterator error: %v", it.Err())
	}
}

func TestGet(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.seg")

	// enough records to force several sparse index entries
	var recs []common.Record
	for i := 0; i < 3*IndexRate; i++ {
		key := common.Key([]byte{byte('a' + i/26/26), byte('a' + (i/26)%26), byte('a' + i%26)})
		recs = append(recs, common.Record{Key: key, Value: []byte{byte(i)}})
	}
	buildTestSegment(t, path, recs)

	seg, err := Open(path)
	if err != nil {
		t.Fatalf("open segment: %v", err)
	}
	defer seg.Close()

	for _, want := range []int{0, 1, IndexRate - 1, IndexRate, 2*IndexRate + 7, len(recs) - 1} {
		rec, ok, err := seg.Get(recs[want].Key)
		if err != nil {
			t.Fatalf("get %q: %v", recs[want].Key, err)
		}
		if !ok {
			t.Fatalf("get %q: not found", recs[want].Key)
		}
		if string(rec.Value) != string(recs[want].Value) {
			t.Fatalf("get %q: wrong value", recs[want].Key)
		}
	}

	if _, ok, err := seg.Get(common.Key("zzzz")); err != nil || ok {
		t.Fatalf("get missing: ok=%v err=%v", ok, err)
	}
}

func TestBuilderDiscipline(t *testing.T) {
	dir := t.TempDir()

	b, err := NewBuilder(filepath.Join(dir, "one.seg"))
	if err != nil {
		t.Fatalf("new builder: %v", err)
	}
	if err := b.AppendItem(common.Key("a"), nil, 0); err == nil {
		t.Fatal("append before first should fail")
	}
	if err := b.FirstItem(common.Key("b"), []byte("v"), 0, 2, 2); err != nil {
		t.Fatalf("first item: %v", err)
	}
	if err := b.AppendItem(common.Key("a"), nil, 0); err == nil {
		t.Fatal("out of order append should fail")
	}
	if err := b.Close(); err == nil {
		t.Fatal("close with missing items should fail")
	}

	b, err = NewBuilder(filepath.Join(dir, "two.seg"))
	if err != nil {
		t.Fatalf("new builder: %v", err)
	}
	if err := b.FirstItem(common.Key("a"), nil, 0, 1, 1); err != nil {
		t.Fatalf("first item: %v", err)
	}
	if err := b.AppendItem(common.Key("b"), nil, 0); err == nil {
		t.Fatal("append past the declared count should fail")
	}
}

func TestCorruptRecordDetected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.seg")
	buildTestSegment(t, path, []common.Record{
		{Key: common.Key("aaa"), Value: []byte("value-a")},
	})

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read segment: %v", err)
	}
	// flip a value byte in place, past the header and record header
	data[headerSize+recordOverhead+3] ^= 0xff
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("write segment: %v", err)
	}

	seg, err := Open(path)
	if err != nil {
		t.Fatalf("open segment: %v", err)
	}
	defer seg.Close()

	it := seg.NewIterator()
	if it.Next() {
		t.Fatal("corrupt record should not iterate")
	}
	if it.Err() == nil {
		t.Fatal("expected crc error")
	}
}

func TestLayoutFitsSingle(t *testing.T) {
	l := Layout{SegmentSize: 1 << 20}

	if !l.FitsSingle(0, 0, 0) {
		t.Fatal("empty set must fit")
	}
	if !l.FitsSingle(100, 1000, 10000) {
		t.Fatal("small set must fit")
	}
	if l.FitsSingle(1, 0, 1<<20) {
		t.Fatal("value bigger than the segment must not fit")
	}

	tiny := Layout{SegmentSize: 1024}
	if tiny.FitsSingle(50, 500, 500) {
		t.Fatal("overflowing set must not fit")
	}
}
