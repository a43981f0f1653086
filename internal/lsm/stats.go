package lsm

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/HdrHistogram/hdrhistogram-go"
	"github.com/cockroachdb/errors"
	"github.com/nconghau/AuroraKV/internal/engine"
)

const maxTrackedProbes = 1024

type engineStats struct {
	puts            atomic.Uint64
	gets            atomic.Uint64
	deletes         atomic.Uint64
	flushes         atomic.Uint64
	compactions     atomic.Uint64
	bytesWritten    atomic.Uint64
	compactionBytes atomic.Uint64
	sstablesRead    atomic.Uint64

	histMu sync.Mutex
	perGet *hdrhistogram.Histogram
}

func newEngineStats() *engineStats {
	return &engineStats{perGet: hdrhistogram.New(0, maxTrackedProbes, 2)}
}

// recordGet notes how many tables a lookup had to read from disk.
func (s *engineStats) recordGet(probes int) {
	s.sstablesRead.Add(uint64(probes))
	v := int64(probes)
	if v > maxTrackedProbes {
		v = maxTrackedProbes
	}
	s.histMu.Lock()
	_ = s.perGet.RecordValue(v)
	s.histMu.Unlock()
}

func (s *engineStats) snapshot() engine.Stats {
	st := engine.Stats{
		Puts:            s.puts.Load(),
		Gets:            s.gets.Load(),
		Deletes:         s.deletes.Load(),
		Flushes:         s.flushes.Load(),
		Compactions:     s.compactions.Load(),
		BytesWritten:    s.bytesWritten.Load(),
		CompactionBytes: s.compactionBytes.Load(),
		SSTablesRead:    s.sstablesRead.Load(),
	}
	s.histMu.Lock()
	if s.perGet.TotalCount() > 0 {
		st.SSTablesPerGetMean = s.perGet.Mean()
		st.SSTablesPerGetP99 = s.perGet.ValueAtQuantile(99)
		st.SSTablesPerGetMax = s.perGet.Max()
	}
	s.histMu.Unlock()
	return st
}

// load restores the persisted counters. The histogram is per process.
func (s *engineStats) load(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var st engine.Stats
	if err := json.Unmarshal(b, &st); err != nil {
		return errors.Wrap(err, "decode stats")
	}
	s.puts.Store(st.Puts)
	s.gets.Store(st.Gets)
	s.deletes.Store(st.Deletes)
	s.flushes.Store(st.Flushes)
	s.compactions.Store(st.Compactions)
	s.bytesWritten.Store(st.BytesWritten)
	s.compactionBytes.Store(st.CompactionBytes)
	s.sstablesRead.Store(st.SSTablesRead)
	return nil
}

func (s *engineStats) save(path string) error {
	b, err := json.MarshalIndent(s.snapshot(), "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(path, b)
}

// writeFileAtomic replaces path via a synced temp file and rename, then
// syncs the parent directory so the rename itself is durable.
func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := syncFile(f); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return err
	}
	return syncDir(filepath.Dir(path))
}
