package segment

import (
	"encoding/binary"
	"hash/crc32"
	"io"
	"os"
	"sort"

	"github.com/pkg/errors"

	"segfs/pkg/common"
)

// Segment is an open segment file. The sparse key index is held in
// memory; records are read on demand.
type Segment struct {
	file    *os.File
	path    string
	nrItems uint32
	dataEnd int64

	indexKeys    []common.Key
	indexOffsets []int64
}

// Open opens a segment file, verifying the magic values and loading the
// sparse index.
func Open(path string) (*Segment, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open segment")
	}

	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.Wrap(err, "stat segment")
	}
	size := stat.Size()
	if size < headerSize+footerSize {
		f.Close()
		return nil, errors.New("segment: file too small")
	}

	header := make([]byte, headerSize)
	if _, err := f.ReadAt(header, 0); err != nil {
		f.Close()
		return nil, errors.Wrap(err, "read segment header")
	}
	if binary.LittleEndian.Uint64(header[0:8]) != MagicNumber {
		f.Close()
		return nil, errors.New("segment: bad header magic")
	}
	nrItems := binary.LittleEndian.Uint32(header[8:12])

	footer := make([]byte, footerSize)
	if _, err := f.ReadAt(footer, size-footerSize); err != nil {
		f.Close()
		return nil, errors.Wrap(err, "read segment footer")
	}
	if binary.LittleEndian.Uint64(footer[8:16]) != MagicNumber {
		f.Close()
		return nil, errors.New("segment: bad footer magic")
	}
	indexOffset := int64(binary.LittleEndian.Uint64(footer[0:8]))
	if indexOffset < headerSize || indexOffset > size-footerSize {
		f.Close()
		return nil, errors.New("segment: index offset out of bounds")
	}

	s := &Segment{
		file:    f,
		path:    path,
		nrItems: nrItems,
		dataEnd: indexOffset,
	}

	indexLen := size - footerSize - indexOffset
	raw := make([]byte, indexLen)
	if _, err := f.ReadAt(raw, indexOffset); err != nil {
		f.Close()
		return nil, errors.Wrap(err, "read segment index")
	}
	for off := 0; off < len(raw); {
		if off+2 > len(raw) {
			f.Close()
			return nil, errors.New("segment: truncated index entry")
		}
		keyLen := int(binary.LittleEndian.Uint16(raw[off : off+2]))
		off += 2
		if keyLen > common.MaxKeySize || off+keyLen+8 > len(raw) {
			f.Close()
			return nil, errors.New("segment: corrupt index entry")
		}
		key := common.Key(raw[off : off+keyLen]).Dup()
		off += keyLen
		s.indexKeys = append(s.indexKeys, key)
		s.indexOffsets = append(s.indexOffsets, int64(binary.LittleEndian.Uint64(raw[off:off+8])))
		off += 8
	}

	return s, nil
}

func (s *Segment) Close() error {
	return s.file.Close()
}

func (s *Segment) Path() string {
	return s.path
}

func (s *Segment) Count() uint32 {
	return s.nrItems
}

// Get returns the record stored at key, if any. Tombstone records are
// returned like any other; the caller decides what a deletion means at
// its level.
func (s *Segment) Get(key common.Key) (*common.Record, bool, error) {
	if len(s.indexKeys) == 0 {
		return nil, false, nil
	}

	idx := sort.Search(len(s.indexKeys), func(i int) bool {
		return common.Compare(s.indexKeys[i], key) > 0
	})
	startIdx := idx - 1
	if startIdx < 0 {
		return nil, false, nil
	}

	it := s.iteratorAt(s.indexOffsets[startIdx])
	for it.Next() {
		cmp := common.Compare(it.Key(), key)
		if cmp == 0 {
			rec := it.Record()
			return rec, true, it.Err()
		}
		if cmp > 0 {
			break
		}
	}
	return nil, false, it.Err()
}

// Iterator walks a segment's records in key order.
type Iterator struct {
	seg    *Segment
	reader *io.SectionReader
	rec    common.Record
	err    error
}

func (s *Segment) NewIterator() *Iterator {
	return s.iteratorAt(headerSize)
}

func (s *Segment) iteratorAt(offset int64) *Iterator {
	return &Iterator{
		seg:    s,
		reader: io.NewSectionReader(s.file, offset, s.dataEnd-offset),
	}
}

// Next advances to the next record, returning false at the end of the
// data area or on error.
func (it *Iterator) Next() bool {
	if it.err != nil {
		return false
	}

	head := make([]byte, recordOverhead)
	if _, err := io.ReadFull(it.reader, head); err != nil {
		if err != io.EOF {
			it.err = errors.Wrap(err, "read record header")
		}
		return false
	}

	storedCRC := binary.LittleEndian.Uint32(head[0:4])
	keyLen := int(binary.LittleEndian.Uint16(head[4:6]))
	flags := head[6]
	valLen := int(binary.LittleEndian.Uint32(head[7:11]))

	if keyLen == 0 || keyLen > common.MaxKeySize || valLen > common.MaxValueSize {
		it.err = errors.New("segment: corrupt record sizes")
		return false
	}

	key := make([]byte, keyLen)
	if _, err := io.ReadFull(it.reader, key); err != nil {
		it.err = errors.Wrap(err, "read record key")
		return false
	}
	val := make([]byte, valLen)
	if _, err := io.ReadFull(it.reader, val); err != nil {
		it.err = errors.Wrap(err, "read record value")
		return false
	}

	checksum := crc32.NewIEEE()
	checksum.Write(head[4:])
	checksum.Write(key)
	checksum.Write(val)
	if checksum.Sum32() != storedCRC {
		it.err = errors.New("segment: record crc mismatch")
		return false
	}

	it.rec = common.Record{Key: key, Value: val, Flags: flags}
	return true
}

func (it *Iterator) Key() common.Key {
	return it.rec.Key
}

func (it *Iterator) Value() []byte {
	return it.rec.Value
}

func (it *Iterator) Flags() uint8 {
	return it.rec.Flags
}

func (it *Iterator) Record() *common.Record {
	rec := it.rec
	return &rec
}

func (it *Iterator) Err() error {
	return it.err
}
