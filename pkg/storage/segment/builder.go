// Package segment reads and writes the immutable sorted segment files
// that dirty items are flushed into.
//
// A segment is laid out as a fixed header, the item records in key
// order, a sparse key index, and a footer locating the index:
//
//	[magic 8B][nrItems 4B][keyBytes 4B]
//	records: [crc 4B][keyLen 2B][flags 1B][valLen 4B][key][val]
//	index:   [keyLen 2B][key][offset 8B] every IndexRate records
//	footer:  [indexOffset 8B][magic 8B]
//
// The record crc covers everything after itself.
package segment

import (
	"bufio"
	"encoding/binary"
	"hash/crc32"
	"os"

	"github.com/pkg/errors"

	"segfs/pkg/common"
)

const (
	MagicNumber = 0x5345474653454701
	IndexRate   = 100

	headerSize     = 16
	footerSize     = 16
	recordOverhead = 4 + 2 + 1 + 4
	indexOverhead  = 2 + 8
)

// Layout is the pure sizing model for a single segment. It answers
// whether a set of items fits without touching any file.
type Layout struct {
	SegmentSize uint32
}

// FitsSingle reports whether nrItems items with the given key and value
// byte totals fit in one segment. The sparse index is charged at its
// worst case, one maximal key per IndexRate records.
func (l Layout) FitsSingle(nrItems, keyBytes, valBytes uint32) bool {
	indexEntries := nrItems/IndexRate + 1
	size := uint64(headerSize) + uint64(footerSize) +
		uint64(nrItems)*recordOverhead + uint64(keyBytes) + uint64(valBytes) +
		uint64(indexEntries)*(indexOverhead+common.MaxKeySize)
	return size <= uint64(l.SegmentSize)
}

// Builder writes a segment file. FirstItem begins the segment with the
// declared item count and key byte total, then exactly nrItems-1
// AppendItem calls follow, in ascending key order.
type Builder struct {
	file   *os.File
	writer *bufio.Writer
	path   string

	offset int64
	count  uint32
	expect uint32

	firstKey common.Key
	lastKey  common.Key

	indexKeys    []common.Key
	indexOffsets []int64
}

func NewBuilder(path string) (*Builder, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, errors.Wrap(err, "create segment")
	}
	return &Builder{
		file:   f,
		writer: bufio.NewWriter(f),
		path:   path,
	}, nil
}

// FirstItem writes the segment header and the first record.
func (b *Builder) FirstItem(key common.Key, val []byte, flags uint8, nrItems, keyBytes uint32) error {
	if b.count != 0 {
		return errors.New("segment: FirstItem on a started segment")
	}
	if nrItems == 0 {
		return errors.New("segment: empty segment")
	}

	header := make([]byte, headerSize)
	binary.LittleEndian.PutUint64(header[0:8], MagicNumber)
	binary.LittleEndian.PutUint32(header[8:12], nrItems)
	binary.LittleEndian.PutUint32(header[12:16], keyBytes)
	if _, err := b.writer.Write(header); err != nil {
		return errors.Wrap(err, "write segment header")
	}
	b.offset = headerSize
	b.expect = nrItems
	b.firstKey = key.Dup()

	return b.writeRecord(key, val, flags)
}

// AppendItem writes the next record.
func (b *Builder) AppendItem(key common.Key, val []byte, flags uint8) error {
	if b.count == 0 {
		return errors.New("segment: AppendItem before FirstItem")
	}
	if b.count >= b.expect {
		return errors.Errorf("segment: more than %d declared items", b.expect)
	}
	if common.Compare(key, b.lastKey) <= 0 {
		return errors.Errorf("segment: key %q not above %q", key, b.lastKey)
	}
	return b.writeRecord(key, val, flags)
}

func (b *Builder) writeRecord(key common.Key, val []byte, flags uint8) error {
	if b.count%IndexRate == 0 {
		b.indexKeys = append(b.indexKeys, key.Dup())
		b.indexOffsets = append(b.indexOffsets, b.offset)
	}

	head := make([]byte, recordOverhead)
	binary.LittleEndian.PutUint16(head[4:6], uint16(len(key)))
	head[6] = flags
	binary.LittleEndian.PutUint32(head[7:11], uint32(len(val)))

	checksum := crc32.NewIEEE()
	checksum.Write(head[4:])
	checksum.Write(key)
	checksum.Write(val)
	binary.LittleEndian.PutUint32(head[0:4], checksum.Sum32())

	if _, err := b.writer.Write(head); err != nil {
		return errors.Wrap(err, "write record header")
	}
	if _, err := b.writer.Write(key); err != nil {
		return errors.Wrap(err, "write record key")
	}
	if _, err := b.writer.Write(val); err != nil {
		return errors.Wrap(err, "write record value")
	}

	b.offset += int64(recordOverhead + len(key) + len(val))
	b.count++
	b.lastKey = key.Dup()
	return nil
}

// Close writes the sparse index and footer and closes the file.
func (b *Builder) Close() error {
	if b.count != b.expect {
		b.file.Close()
		return errors.Errorf("segment: wrote %d of %d declared items", b.count, b.expect)
	}

	indexStart := b.offset

	for i := range b.indexKeys {
		var head [2]byte
		binary.LittleEndian.PutUint16(head[:], uint16(len(b.indexKeys[i])))
		if _, err := b.writer.Write(head[:]); err != nil {
			return errors.Wrap(err, "write index entry")
		}
		if _, err := b.writer.Write(b.indexKeys[i]); err != nil {
			return errors.Wrap(err, "write index key")
		}
		var off [8]byte
		binary.LittleEndian.PutUint64(off[:], uint64(b.indexOffsets[i]))
		if _, err := b.writer.Write(off[:]); err != nil {
			return errors.Wrap(err, "write index offset")
		}
	}

	footer := make([]byte, footerSize)
	binary.LittleEndian.PutUint64(footer[0:8], uint64(indexStart))
	binary.LittleEndian.PutUint64(footer[8:16], MagicNumber)
	if _, err := b.writer.Write(footer); err != nil {
		return errors.Wrap(err, "write segment footer")
	}

	if err := b.writer.Flush(); err != nil {
		return errors.Wrap(err, "flush segment")
	}
	return errors.Wrap(b.file.Close(), "close segment")
}

// Abort discards a partially written segment.
func (b *Builder) Abort() {
	b.file.Close()
	os.Remove(b.path)
}

func (b *Builder) Path() string {
	return b.path
}

func (b *Builder) Count() uint32 {
	return b.count
}

func (b *Builder) FirstKey() common.Key {
	return b.firstKey
}

func (b *Builder) LastKey() common.Key {
	return b.lastKey
}
