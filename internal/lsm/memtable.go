package lsm

import (
	"sync"

	"github.com/huandu/skiplist"
)

// Tombstone is the reserved value that marks a deleted key on disk.
const Tombstone = "__TOMBSTONE__"

// Item wraps a value + tombstone flag
type Item struct {
	Value     []byte
	Tombstone bool
}

// Entry is one key with its item, as handed to flush and scan.
type Entry struct {
	Key  string
	Item *Item
}

// MemTable is the ordered in-memory write buffer. Every call takes the
// table mutex for its own duration only.
type MemTable struct {
	mu         sync.Mutex
	sl         *skiplist.SkipList
	maxEntries int
}

func NewMemTable(maxEntries int) *MemTable {
	return &MemTable{
		sl:         skiplist.New(skiplist.String),
		maxEntries: maxEntries,
	}
}

func (m *MemTable) Put(key string, value []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sl.Set(key, &Item{Value: value})
}

// Remove records a tombstone for key.
func (m *MemTable) Remove(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sl.Set(key, &Item{Tombstone: true})
}

// Get returns the stored item, tombstones included.
func (m *MemTable) Get(key string) (*Item, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	val, ok := m.sl.GetValue(key)
	if !ok || val == nil {
		return nil, false
	}
	return val.(*Item), true
}

func (m *MemTable) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sl.Len()
}

// IsFull reports whether the entry count reached the configured maximum.
func (m *MemTable) IsFull() bool {
	return m.Len() >= m.maxEntries
}

func (m *MemTable) IsEmpty() bool {
	return m.Len() == 0
}

func (m *MemTable) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sl = skiplist.New(skiplist.String)
}

// Snapshot copies all entries in ascending key order. Items are immutable
// once stored, so sharing the pointers is safe.
func (m *MemTable) Snapshot() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Entry, 0, m.sl.Len())
	for el := m.sl.Front(); el != nil; el = el.Next() {
		out = append(out, Entry{Key: el.Key().(string), Item: el.Value.(*Item)})
	}
	return out
}
