package engine

import (
	"strings"

	"github.com/cockroachdb/errors"
)

var (
	// ErrNotFound is returned by Get when the key is absent or deleted.
	ErrNotFound = errors.New("key not found")
	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("engine is closed")
	// ErrEmptyKey rejects zero-length keys.
	ErrEmptyKey = errors.New("key must not be empty")
	// ErrReservedValue rejects values equal to the tombstone marker.
	ErrReservedValue = errors.New("value is reserved for deletion markers")
)

// Engine is the public contract of the storage engine.
type Engine interface {
	Put(key, value []byte) error
	Get(key []byte) ([]byte, error)
	Delete(key []byte) error
	// Scan returns the live pairs in [start, end). An empty end means unbounded.
	Scan(start, end []byte) (Iterator, error)
	Flush() error
	Compact() error
	SetCompactionStrategy(s Strategy) error
	CompactionStrategy() Strategy
	Stats() Stats
	Levels() []LevelInfo
	Close() error
}

// Iterator is a forward-only, single-pass cursor over key/value pairs.
type Iterator interface {
	// Next moves to the next pair. It returns false when exhausted or on error.
	Next() bool
	Key() []byte
	// Value is owned by the caller and stays valid after Next.
	Value() []byte
	Error() error
	Close() error
}

// Strategy selects the compaction algorithm.
type Strategy int

const (
	Leveling Strategy = iota
	Tiering
)

func (s Strategy) String() string {
	switch s {
	case Leveling:
		return "leveling"
	case Tiering:
		return "tiering"
	default:
		return "unknown"
	}
}

// ParseStrategy accepts "leveling" or "tiering" (case-insensitive).
func ParseStrategy(s string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "leveling", "level", "leveled":
		return Leveling, nil
	case "tiering", "tier", "tiered":
		return Tiering, nil
	}
	return Leveling, errors.Newf("unknown compaction strategy %q", s)
}

// Stats are observability counters only.
type Stats struct {
	Puts            uint64 `json:"puts"`
	Gets            uint64 `json:"gets"`
	Deletes         uint64 `json:"deletes"`
	Flushes         uint64 `json:"flushes"`
	Compactions     uint64 `json:"compactions"`
	BytesWritten    uint64 `json:"bytesWritten"`
	CompactionBytes uint64 `json:"compactionBytes"`
	SSTablesRead    uint64 `json:"sstablesRead"`

	// Distribution of on-disk tables probed per Get since the process started.
	SSTablesPerGetMean float64 `json:"sstablesPerGetMean"`
	SSTablesPerGetP99  int64   `json:"sstablesPerGetP99"`
	SSTablesPerGetMax  int64   `json:"sstablesPerGetMax"`
}

// FileInfo describes one SSTable in a level.
type FileInfo struct {
	Name   string `json:"name"`
	MinKey string `json:"minKey"`
	MaxKey string `json:"maxKey"`
	Size   uint64 `json:"size"`
}

// LevelInfo is a point-in-time view of one level.
type LevelInfo struct {
	Level    int        `json:"level"`
	Files    []FileInfo `json:"files"`
	Bytes    uint64     `json:"bytes"`
	MaxBytes uint64     `json:"maxBytes"`
}
