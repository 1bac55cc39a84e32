// Package storage persists the manifest: the catalog of immutable
// segment files and the key ranges they cover.
package storage

import (
	"database/sql"
	"sync"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"

	"segfs/pkg/common"
)

// SegmentEntry describes one segment in the manifest. Seq orders
// segments by age; a higher Seq shadows lower ones wherever their key
// ranges overlap.
type SegmentEntry struct {
	Seq      int64
	Filename string
	FirstKey common.Key
	LastKey  common.Key
	NrItems  uint32
}

// Catalog is the manifest store. Entries are appended as segments are
// written and queried by key-range overlap on the read path.
type Catalog interface {
	AddSegment(entry *SegmentEntry) (int64, error)
	Overlapping(start, end common.Key) ([]*SegmentEntry, error)
	LoadAll() ([]*SegmentEntry, error)
	Close() error
}

// SQLiteCatalog keeps the manifest in a sqlite database. Key blobs
// compare with memcmp in sqlite, which matches the key order everywhere
// else.
type SQLiteCatalog struct {
	db *sql.DB
	mu sync.Mutex
}

func NewSQLiteCatalog(path string) (*SQLiteCatalog, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open manifest db")
	}

	query := `
	CREATE TABLE IF NOT EXISTS segments (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		filename TEXT NOT NULL,
		first_key BLOB NOT NULL,
		last_key BLOB NOT NULL,
		nr_items INTEGER NOT NULL
	);`
	if _, err := db.Exec(query); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "init manifest table")
	}

	if _, err := db.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA synchronous = NORMAL;
	`); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "set manifest pragmas")
	}

	return &SQLiteCatalog{db: db}, nil
}

func (c *SQLiteCatalog) AddSegment(entry *SegmentEntry) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	res, err := c.db.Exec(
		"INSERT INTO segments (filename, first_key, last_key, nr_items) VALUES (?, ?, ?, ?)",
		entry.Filename, []byte(entry.FirstKey), []byte(entry.LastKey), int64(entry.NrItems))
	if err != nil {
		return 0, errors.Wrap(err, "insert segment")
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return 0, errors.Wrap(err, "segment seq")
	}
	entry.Seq = seq
	return seq, nil
}

// Overlapping returns the segments whose key span intersects the closed
// range [start, end], newest first.
func (c *SQLiteCatalog) Overlapping(start, end common.Key) ([]*SegmentEntry, error) {
	rows, err := c.db.Query(
		"SELECT seq, filename, first_key, last_key, nr_items FROM segments "+
			"WHERE first_key <= ? AND last_key >= ? ORDER BY seq DESC",
		[]byte(end), []byte(start))
	if err != nil {
		return nil, errors.Wrap(err, "query overlapping segments")
	}
	defer rows.Close()

	return scanEntries(rows)
}

// LoadAll returns every segment, oldest first, for startup restore.
func (c *SQLiteCatalog) LoadAll() ([]*SegmentEntry, error) {
	rows, err := c.db.Query(
		"SELECT seq, filename, first_key, last_key, nr_items FROM segments ORDER BY seq ASC")
	if err != nil {
		return nil, errors.Wrap(err, "query segments")
	}
	defer rows.Close()

	return scanEntries(rows)
}

func scanEntries(rows *sql.Rows) ([]*SegmentEntry, error) {
	var entries []*SegmentEntry
	for rows.Next() {
		var e SegmentEntry
		var first, last []byte
		var nrItems int64
		if err := rows.Scan(&e.Seq, &e.Filename, &first, &last, &nrItems); err != nil {
			return nil, errors.Wrap(err, "scan segment row")
		}
		e.FirstKey = common.Key(first)
		e.LastKey = common.Key(last)
		e.NrItems = uint32(nrItems)
		entries = append(entries, &e)
	}
	return entries, errors.Wrap(rows.Err(), "iterate segment rows")
}

func (c *SQLiteCatalog) Close() error {
	return c.db.Close()
}
