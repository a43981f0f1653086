package lsm

import (
	"container/heap"

	"github.com/cockroachdb/errors"
)

// PrioritizedIterator tags a source with its recency. Lower priority wins
// on duplicate keys: the MemTable is 0, then SSTables newest-first.
type PrioritizedIterator struct {
	Iter     Iterator
	Priority int
}

type mergingIteratorItem struct {
	iter     Iterator
	priority int
}

// mergingIteratorHeap is a min-heap ordered by (key, priority).
type mergingIteratorHeap []mergingIteratorItem

func (h mergingIteratorHeap) Len() int { return len(h) }

func (h mergingIteratorHeap) Less(i, j int) bool {
	ki, kj := h[i].iter.Key(), h[j].iter.Key()
	if ki != kj {
		return ki < kj
	}
	return h[i].priority < h[j].priority
}

func (h mergingIteratorHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
}

func (h *mergingIteratorHeap) Push(x interface{}) {
	*h = append(*h, x.(mergingIteratorItem))
}

func (h *mergingIteratorHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[0 : n-1]
	return item
}

// MergingIterator merges sorted sources into one sorted stream in which
// every key appears once, carrying the value from the highest-precedence
// source. Tombstones are emitted like any other value.
type MergingIterator struct {
	h     mergingIteratorHeap
	iters []Iterator
	key   string
	value *Item
	valid bool
	err   error
}

func NewMergingIterator(sources []PrioritizedIterator) *MergingIterator {
	mi := &MergingIterator{
		h:     make(mergingIteratorHeap, 0, len(sources)),
		iters: make([]Iterator, 0, len(sources)),
	}
	for _, src := range sources {
		mi.iters = append(mi.iters, src.Iter)
		if err := src.Iter.Error(); err != nil {
			mi.err = err
			continue
		}
		if src.Iter.Valid() {
			mi.h = append(mi.h, mergingIteratorItem{iter: src.Iter, priority: src.Priority})
		}
	}
	heap.Init(&mi.h)
	mi.advance()
	return mi
}

func (it *MergingIterator) Valid() bool { return it.valid }

func (it *MergingIterator) Next() { it.advance() }

func (it *MergingIterator) advance() {
	if it.err != nil || it.h.Len() == 0 {
		it.valid = false
		return
	}

	top := heap.Pop(&it.h).(mergingIteratorItem)
	it.key = top.iter.Key()
	it.value = top.iter.Value()
	it.valid = true

	// Drain lower-precedence copies of the same key.
	for it.h.Len() > 0 && it.h[0].iter.Key() == it.key {
		dup := heap.Pop(&it.h).(mergingIteratorItem)
		if !it.step(dup) {
			return
		}
	}
	it.step(top)
}

// step advances item and pushes it back while it still has entries.
func (it *MergingIterator) step(item mergingIteratorItem) bool {
	item.iter.Next()
	if err := item.iter.Error(); err != nil {
		it.err = err
		it.valid = false
		return false
	}
	if item.iter.Valid() {
		heap.Push(&it.h, item)
	}
	return true
}

func (it *MergingIterator) Key() string { return it.key }

func (it *MergingIterator) Value() *Item { return it.value }

func (it *MergingIterator) Error() error { return it.err }

func (it *MergingIterator) Close() error {
	var err error
	for _, iter := range it.iters {
		err = errors.CombineErrors(err, iter.Close())
	}
	it.h = nil
	it.iters = nil
	it.valid = false
	return err
}

// --- RangeIterator ---

// RangeIterator restricts base to keys in [start, end). An empty end is
// unbounded.
type RangeIterator struct {
	base  Iterator
	start string
	end   string
	valid bool
}

func NewRangeIterator(base Iterator, start, end string) *RangeIterator {
	it := &RangeIterator{base: base, start: start, end: end}
	it.advanceToRange()
	return it
}

func (it *RangeIterator) advanceToRange() {
	for it.base.Valid() {
		k := it.base.Key()
		switch {
		case k < it.start:
			it.base.Next()
		case it.end != "" && k >= it.end:
			it.valid = false
			return
		default:
			it.valid = true
			return
		}
	}
	it.valid = false
}

func (it *RangeIterator) Valid() bool { return it.valid }

func (it *RangeIterator) Next() {
	if !it.valid {
		return
	}
	it.base.Next()
	it.advanceToRange()
}

func (it *RangeIterator) Key() string { return it.base.Key() }

func (it *RangeIterator) Value() *Item { return it.base.Value() }

func (it *RangeIterator) Error() error { return it.base.Error() }

func (it *RangeIterator) Close() error { return it.base.Close() }
