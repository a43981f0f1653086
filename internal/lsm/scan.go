package lsm

import (
	"bytes"

	"github.com/cockroachdb/errors"
	"github.com/nconghau/AuroraKV/internal/engine"
	"golang.org/x/sync/errgroup"
)

// Scan returns the live pairs with start <= key < end in ascending order.
// An empty end is unbounded. The result reflects the MemTable at the time
// of the call and the tables live at that point; the caller must Close it.
func (e *LSMEngine) Scan(start, end []byte) (engine.Iterator, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	lo, hi := string(start), string(end)
	if hi != "" && hi <= lo {
		return &scanIterator{}, nil
	}

	// MemTable first: a concurrent flush can then only duplicate entries
	// into L0, never hide them.
	var memEntries []Entry
	for _, ent := range e.mem.Snapshot() {
		if ent.Key >= lo && (hi == "" || ent.Key < hi) {
			memEntries = append(memEntries, ent)
		}
	}

	// Newest first: L0 in reverse, then each sorted level.
	e.mu.RLock()
	var tables []*SSTable
	l0 := e.manifest.levels[0]
	for i := len(l0) - 1; i >= 0; i-- {
		if t := e.tables[l0[i].Path]; t != nil && t.Overlaps(lo, hi) {
			tables = append(tables, t)
		}
	}
	for level := 1; level < NumLevels; level++ {
		for _, f := range e.manifest.levels[level] {
			if t := e.tables[f.Path]; t != nil && t.Overlaps(lo, hi) {
				tables = append(tables, t)
			}
		}
	}
	// Opening the handles under the read lock keeps compaction from
	// unlinking the files first.
	iters, err := openTableIterators(tables)
	e.mu.RUnlock()
	if err != nil {
		return nil, err
	}

	sources := make([]PrioritizedIterator, 0, len(iters)+1)
	sources = append(sources, PrioritizedIterator{Iter: NewMemTableIterator(memEntries), Priority: 0})
	for i, it := range iters {
		sources = append(sources, PrioritizedIterator{Iter: it, Priority: i + 1})
	}
	return &scanIterator{it: NewRangeIterator(NewMergingIterator(sources), lo, hi)}, nil
}

// openTableIterators opens one iterator per table, preserving order.
func openTableIterators(tables []*SSTable) ([]Iterator, error) {
	iters := make([]Iterator, len(tables))
	var g errgroup.Group
	g.SetLimit(maxOpenParallelism)
	for i, t := range tables {
		i, t := i, t
		g.Go(func() error {
			it, err := NewSSTableIterator(t)
			if err != nil {
				return err
			}
			iters[i] = it
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		var closeErr error
		for _, it := range iters {
			if it != nil {
				closeErr = errors.CombineErrors(closeErr, it.Close())
			}
		}
		return nil, errors.CombineErrors(err, closeErr)
	}
	return iters, nil
}

// scanIterator adapts the internal cursor to engine.Iterator and hides
// tombstones.
type scanIterator struct {
	it      Iterator
	started bool
	key     []byte
	value   []byte
	err     error
}

func (s *scanIterator) Next() bool {
	if s.it == nil || s.err != nil {
		return false
	}
	if s.started {
		s.it.Next()
	}
	s.started = true
	for s.it.Valid() && s.it.Value().Tombstone {
		s.it.Next()
	}
	if !s.it.Valid() {
		s.err = s.it.Error()
		s.key, s.value = nil, nil
		return false
	}
	s.key = []byte(s.it.Key())
	// MemTable values are shared with the buffer; callers get their own copy.
	s.value = bytes.Clone(s.it.Value().Value)
	return true
}

func (s *scanIterator) Key() []byte { return s.key }

func (s *scanIterator) Value() []byte { return s.value }

func (s *scanIterator) Error() error { return s.err }

func (s *scanIterator) Close() error {
	if s.it == nil {
		return nil
	}
	err := s.it.Close()
	s.it = nil
	return err
}
