package lsm

import (
	"io"
	"os"

	"github.com/cockroachdb/errors"
)

// Iterator is the shared cursor capability of every sorted source. A fresh
// iterator is already positioned on its first entry (or invalid if empty).
// Iterators are forward-only and cannot be restarted.
type Iterator interface {
	Valid() bool
	Next()
	Key() string
	// Value returns the current item; tombstones are surfaced, not skipped.
	Value() *Item
	Error() error
	Close() error
}

// --- memTableIterator ---

// memTableIterator walks a MemTable snapshot, so no lock is held while the
// caller consumes it.
type memTableIterator struct {
	entries []Entry
	pos     int
}

func NewMemTableIterator(entries []Entry) Iterator {
	return &memTableIterator{entries: entries}
}

func (it *memTableIterator) Valid() bool { return it.pos < len(it.entries) }

func (it *memTableIterator) Next() {
	if it.pos < len(it.entries) {
		it.pos++
	}
}

func (it *memTableIterator) Key() string { return it.entries[it.pos].Key }

func (it *memTableIterator) Value() *Item { return it.entries[it.pos].Item }

func (it *memTableIterator) Error() error { return nil }

func (it *memTableIterator) Close() error {
	it.entries = nil
	it.pos = 0
	return nil
}

// --- sstIterator ---

// sstIterator streams the data section of one table. The file handle is
// opened up front so a later compaction deleting the file does not affect it.
type sstIterator struct {
	f     *os.File
	r     *recordReader
	key   string
	value *Item
	valid bool
	err   error
}

func NewSSTableIterator(t *SSTable) (Iterator, error) {
	f, err := os.Open(t.path)
	if err != nil {
		return nil, errors.Wrapf(err, "open sst iterator %s", t.path)
	}
	it := &sstIterator{
		f: f,
		r: newRecordReader(io.NewSectionReader(f, 0, int64(t.dataEnd)), t.dataEnd),
	}
	it.Next()
	return it, nil
}

func (it *sstIterator) Valid() bool { return it.valid }

func (it *sstIterator) Next() {
	if it.err != nil || it.r == nil {
		it.valid = false
		return
	}
	k, v, err := it.r.next()
	if err != nil {
		if err != io.EOF {
			it.err = err
		}
		it.valid = false
		return
	}
	it.key = k
	it.value = decodeValue(v)
	it.valid = true
}

func (it *sstIterator) Key() string { return it.key }

func (it *sstIterator) Value() *Item { return it.value }

func (it *sstIterator) Error() error { return it.err }

func (it *sstIterator) Close() error {
	it.valid = false
	it.r = nil
	if it.f == nil {
		return nil
	}
	err := it.f.Close()
	it.f = nil
	return err
}
