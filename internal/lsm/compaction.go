package lsm

import (
	"os"
	"path/filepath"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/nconghau/AuroraKV/internal/engine"
)

// compactionPlan names the files one pass merges into target.
type compactionPlan struct {
	level  int
	target int
	// inputs come from level, newest first.
	inputs []*FileMetadata
	// overlaps are the target-level files whose range meets the inputs.
	overlaps []*FileMetadata
	// dropTombstones is set when no level below target holds data that a
	// tombstone could still shadow.
	dropTombstones bool
}

func (p *compactionPlan) files() []*FileMetadata {
	out := make([]*FileMetadata, 0, len(p.inputs)+len(p.overlaps))
	out = append(out, p.inputs...)
	return append(out, p.overlaps...)
}

// pickCompaction returns a plan for the shallowest overflowing level, or
// nil when nothing needs compacting. The last level never compacts.
func pickCompaction(m *Manifest, strategy engine.Strategy) *compactionPlan {
	for level := 0; level < NumLevels-1; level++ {
		if !m.LevelOverflow(level) {
			continue
		}
		if p := planLevel(m, level, strategy); p != nil {
			return p
		}
	}
	return nil
}

func planLevel(m *Manifest, level int, strategy engine.Strategy) *compactionPlan {
	files := m.Files(level)
	if len(files) == 0 {
		return nil
	}

	var inputs []*FileMetadata
	switch {
	case level == 0:
		// L0 files may overlap, so all of them move together.
		for i := len(files) - 1; i >= 0; i-- {
			inputs = append(inputs, files[i])
		}
	case strategy == engine.Tiering:
		inputs = files
	default:
		oldest := files[0]
		for _, f := range files[1:] {
			if f.Seq < oldest.Seq {
				oldest = f
			}
		}
		inputs = []*FileMetadata{oldest}
	}

	minKey, maxKey := inputs[0].MinKey, inputs[0].MaxKey
	for _, f := range inputs[1:] {
		if f.MinKey < minKey {
			minKey = f.MinKey
		}
		if f.MaxKey > maxKey {
			maxKey = f.MaxKey
		}
	}

	p := &compactionPlan{level: level, target: level + 1, inputs: inputs, dropTombstones: true}
	for _, f := range m.Files(p.target) {
		if f.overlaps(minKey, maxKey) {
			p.overlaps = append(p.overlaps, f)
		}
	}
	for l := p.target + 1; l < NumLevels; l++ {
		if m.LevelFileCount(l) > 0 {
			p.dropTombstones = false
			break
		}
	}
	return p
}

type compactionOutput struct {
	meta  *FileMetadata
	table *SSTable
}

// compactOnce runs at most one compaction pass and reports whether it did
// any work.
func (e *LSMEngine) compactOnce() (bool, error) {
	e.compactMu.Lock()
	defer e.compactMu.Unlock()
	if e.closed.Load() {
		return false, nil
	}

	strategy := e.CompactionStrategy()
	e.mu.RLock()
	plan := pickCompaction(e.manifest, strategy)
	var tables []*SSTable
	if plan != nil {
		for _, f := range plan.files() {
			t := e.tables[f.Path]
			if t == nil {
				e.mu.RUnlock()
				return false, errors.Newf("sstable %s is not open", f.Path)
			}
			tables = append(tables, t)
		}
	}
	e.mu.RUnlock()
	if plan == nil {
		return false, nil
	}

	// Only this goroutine removes files, so the inputs stay on disk until
	// the pass installs its result.
	start := time.Now()
	e.logger.Info("Compaction started",
		"strategy", strategy.String(),
		"level", plan.level,
		"target", plan.target,
		"inputs", len(plan.inputs),
		"overlaps", len(plan.overlaps),
	)

	outputs, written, err := e.mergeTables(tables, plan.dropTombstones)
	if err != nil {
		return false, err
	}
	if err := e.installCompaction(plan, outputs); err != nil {
		for _, o := range outputs {
			os.Remove(filepath.Join(e.sstDir, o.meta.Path))
		}
		return false, err
	}

	for _, f := range plan.files() {
		if err := os.Remove(filepath.Join(e.sstDir, f.Path)); err != nil && !os.IsNotExist(err) {
			e.logger.Warn("Failed to delete compacted sstable", "file", f.Path, "error", err)
		}
	}

	e.stats.compactions.Add(1)
	e.stats.compactionBytes.Add(written)
	e.logger.Info("Compaction finished",
		"level", plan.level,
		"target", plan.target,
		"outputs", len(outputs),
		"bytes", written,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return true, nil
}

// mergeTables streams the newest-first tables through a merging iterator
// into new tables of at most MemTableMaxEntries records each.
func (e *LSMEngine) mergeTables(tables []*SSTable, dropTombstones bool) ([]compactionOutput, uint64, error) {
	iters, err := openTableIterators(tables)
	if err != nil {
		return nil, 0, err
	}
	sources := make([]PrioritizedIterator, len(iters))
	for i, it := range iters {
		sources[i] = PrioritizedIterator{Iter: it, Priority: i}
	}
	merged := NewMergingIterator(sources)
	defer merged.Close()

	var (
		outputs []compactionOutput
		written uint64
		w       *SSTWriter
		name    string
	)
	abort := func(cause error) ([]compactionOutput, uint64, error) {
		if w != nil {
			w.Abort()
		}
		for _, o := range outputs {
			os.Remove(filepath.Join(e.sstDir, o.meta.Path))
		}
		return nil, 0, cause
	}
	finish := func() error {
		meta, err := w.Finish()
		if err != nil {
			w.Abort()
			w = nil
			return errors.Wrap(err, "finish compaction output")
		}
		w = nil
		t, err := OpenSSTable(meta.Path, e.opts.BloomBitSize, e.opts.BloomHashCount)
		if err != nil {
			os.Remove(meta.Path)
			return errors.Wrap(err, "open compaction output")
		}
		outputs = append(outputs, compactionOutput{
			meta:  &FileMetadata{Path: name, MinKey: meta.MinKey, MaxKey: meta.MaxKey, FileSize: meta.FileSize},
			table: t,
		})
		written += meta.FileSize
		return nil
	}

	for ; merged.Valid(); merged.Next() {
		item := merged.Value()
		if item.Tombstone && dropTombstones {
			continue
		}
		if w == nil {
			name = e.nextSSTName()
			if w, err = NewSSTWriter(filepath.Join(e.sstDir, name)); err != nil {
				return abort(err)
			}
		}
		if err := w.WriteEntry(merged.Key(), item); err != nil {
			return abort(err)
		}
		if int(w.Count()) >= e.opts.MemTableMaxEntries {
			if err := finish(); err != nil {
				return abort(err)
			}
		}
	}
	if err := merged.Error(); err != nil {
		return abort(errors.Wrap(err, "merge compaction inputs"))
	}
	if w != nil {
		if err := finish(); err != nil {
			return abort(err)
		}
	}
	return outputs, written, nil
}

// installCompaction swaps the inputs for the outputs in a saved manifest.
func (e *LSMEngine) installCompaction(plan *compactionPlan, outputs []compactionOutput) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	next := e.manifest.Clone()
	for _, f := range plan.files() {
		if !next.RemoveSSTable(f.Path) {
			return errors.Newf("compaction input %s vanished from level %d", f.Path, plan.level)
		}
	}
	for _, o := range outputs {
		if err := next.AddSSTable(plan.target, o.meta); err != nil {
			return err
		}
	}
	if err := next.Save(); err != nil {
		return errors.Wrap(err, "save manifest after compaction")
	}

	e.manifest = next
	for _, f := range plan.files() {
		delete(e.tables, f.Path)
	}
	for _, o := range outputs {
		e.tables[o.meta.Path] = o.table
	}
	return nil
}
