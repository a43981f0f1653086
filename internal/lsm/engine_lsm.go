package lsm

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/nconghau/AuroraKV/internal/engine"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultMemTableEntries    = 1000
	DefaultBloomBitSize       = 10000
	DefaultBloomHashCount     = 3
	DefaultMaxFilesPerLevel   = 4
	DefaultWALBatchSize       = 16
	DefaultFlushInterval      = time.Second
	DefaultCompactionInterval = 5 * time.Second

	sstDirName      = "sst"
	walDirName      = "wal"
	walFileName     = "wal.log"
	metadataDirName = "metadata"
	strategyFile    = "strategy.txt"
	statsFile       = "stats.json"

	// Bound on concurrent file opens at startup and scan time.
	maxOpenParallelism = 8
)

// Options configures an LSMEngine. Zero fields take the defaults.
type Options struct {
	Dir                string
	MemTableMaxEntries int
	BloomBitSize       uint32
	BloomHashCount     int
	// MaxFilesPerLevel is the L0 file count that triggers compaction.
	MaxFilesPerLevel int
	WALBatchSize     int
	// Zero intervals take the defaults; negative ones disable the worker.
	FlushInterval      time.Duration
	CompactionInterval time.Duration
	Logger             *slog.Logger
}

func DefaultOptions(dir string) Options {
	return Options{
		Dir:                dir,
		MemTableMaxEntries: DefaultMemTableEntries,
		BloomBitSize:       DefaultBloomBitSize,
		BloomHashCount:     DefaultBloomHashCount,
		MaxFilesPerLevel:   DefaultMaxFilesPerLevel,
		WALBatchSize:       DefaultWALBatchSize,
		FlushInterval:      DefaultFlushInterval,
		CompactionInterval: DefaultCompactionInterval,
	}
}

func (o *Options) withDefaults() error {
	if o.Dir == "" {
		return errors.New("data directory is required")
	}
	if o.MemTableMaxEntries <= 0 {
		o.MemTableMaxEntries = DefaultMemTableEntries
	}
	if o.BloomBitSize == 0 {
		o.BloomBitSize = DefaultBloomBitSize
	}
	if o.BloomHashCount <= 0 {
		o.BloomHashCount = DefaultBloomHashCount
	}
	if o.MaxFilesPerLevel <= 0 {
		o.MaxFilesPerLevel = DefaultMaxFilesPerLevel
	}
	if o.WALBatchSize <= 0 {
		o.WALBatchSize = DefaultWALBatchSize
	}
	if o.FlushInterval == 0 {
		o.FlushInterval = DefaultFlushInterval
	}
	if o.CompactionInterval == 0 {
		o.CompactionInterval = DefaultCompactionInterval
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return nil
}

// LSMEngine is the storage engine.
//
// Lock order: flushMu -> writeMu -> mu, and compactMu -> mu. The MemTable
// and WAL carry their own mutexes for single calls; writeMu makes a log
// append and its MemTable update one step with respect to flush.
type LSMEngine struct {
	opts    Options
	dir     string
	sstDir  string
	metaDir string
	logger  *slog.Logger

	wal *WAL
	mem *MemTable

	writeMu   sync.Mutex
	flushMu   sync.Mutex
	compactMu sync.Mutex

	// mu guards manifest and tables.
	mu       sync.RWMutex
	manifest *Manifest
	tables   map[string]*SSTable

	seq      atomic.Uint64
	strategy atomic.Int32
	stats    *engineStats

	closed atomic.Bool
	stop   chan struct{}
	wg     sync.WaitGroup
}

var _ engine.Engine = (*LSMEngine)(nil)

// Open recovers the store in opts.Dir (creating it if needed) and starts the
// background flush and compaction workers.
func Open(opts Options) (*LSMEngine, error) {
	if err := opts.withDefaults(); err != nil {
		return nil, err
	}
	e := &LSMEngine{
		opts:    opts,
		dir:     opts.Dir,
		sstDir:  filepath.Join(opts.Dir, sstDirName),
		metaDir: filepath.Join(opts.Dir, metadataDirName),
		logger:  opts.Logger.With("component", "lsm"),
		mem:     NewMemTable(opts.MemTableMaxEntries),
		tables:  make(map[string]*SSTable),
		stats:   newEngineStats(),
		stop:    make(chan struct{}),
	}
	for _, d := range []string{e.dir, e.sstDir, e.metaDir, filepath.Join(e.dir, walDirName)} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, errors.Wrapf(err, "create dir %s", d)
		}
	}

	e.manifest = NewManifest(e.dir, opts.MaxFilesPerLevel, opts.Logger)
	if err := e.manifest.Load(); err != nil {
		return nil, errors.Wrap(err, "load manifest")
	}
	if err := e.openTables(); err != nil {
		return nil, err
	}
	if err := e.removeOrphans(); err != nil {
		return nil, err
	}

	strategy, err := e.loadStrategy()
	if err != nil {
		return nil, err
	}
	e.strategy.Store(int32(strategy))
	if err := e.stats.load(filepath.Join(e.metaDir, statsFile)); err != nil {
		e.logger.Warn("Ignoring unreadable stats file", "error", err)
	}

	e.wal, err = OpenWAL(filepath.Join(e.dir, walDirName, walFileName), opts.WALBatchSize, opts.Logger)
	if err != nil {
		e.closeTables()
		return nil, err
	}
	replayed, err := e.wal.Replay(e.mem)
	if err != nil {
		e.wal.Close()
		e.closeTables()
		return nil, errors.Wrapf(err, "replay wal %s", e.wal.Path())
	}

	e.logger.Info("Engine opened",
		"dir", e.dir,
		"sstables", e.manifest.FileCount(),
		"wal_records", replayed,
		"strategy", strategy.String(),
	)

	if opts.FlushInterval > 0 {
		e.wg.Add(1)
		go e.flushWorker(opts.FlushInterval)
	}
	if opts.CompactionInterval > 0 {
		e.wg.Add(1)
		go e.compactionWorker(opts.CompactionInterval)
	}
	return e, nil
}

// openTables opens every table named by the manifest in parallel.
func (e *LSMEngine) openTables() error {
	var all []*FileMetadata
	for level := 0; level < NumLevels; level++ {
		all = append(all, e.manifest.Files(level)...)
	}
	opened := make([]*SSTable, len(all))

	var g errgroup.Group
	g.SetLimit(maxOpenParallelism)
	for i, meta := range all {
		i, meta := i, meta
		g.Go(func() error {
			t, err := OpenSSTable(filepath.Join(e.sstDir, meta.Path), e.opts.BloomBitSize, e.opts.BloomHashCount)
			if err != nil {
				return errors.Wrapf(err, "open sstable %s", meta.Path)
			}
			opened[i] = t
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for i, meta := range all {
		e.tables[meta.Path] = opened[i]
	}
	e.seq.Store(e.manifest.MaxSeq())
	return nil
}

// removeOrphans deletes table files that no manifest entry references.
// They are left behind when a crash interrupts a flush or compaction.
func (e *LSMEngine) removeOrphans() error {
	entries, err := os.ReadDir(e.sstDir)
	if err != nil {
		return errors.Wrap(err, "list sst dir")
	}
	for _, ent := range entries {
		name := ent.Name()
		seq, ok := parseSSTFileName(name)
		if !ok {
			continue
		}
		if seq > e.seq.Load() {
			e.seq.Store(seq)
		}
		if _, live := e.tables[name]; live {
			continue
		}
		if err := os.Remove(filepath.Join(e.sstDir, name)); err != nil {
			e.logger.Warn("Failed to remove orphan sstable", "file", name, "error", err)
			continue
		}
		e.logger.Info("Removed orphan sstable", "file", name)
	}
	return nil
}

func (e *LSMEngine) closeTables() {
	e.tables = make(map[string]*SSTable)
}

func (e *LSMEngine) nextSSTName() string {
	return sstFileName(e.seq.Add(1))
}

// --- Write path ---

func (e *LSMEngine) Put(key, value []byte) error {
	if e.closed.Load() {
		return ErrClosed
	}
	if len(key) == 0 {
		return ErrEmptyKey
	}
	if string(value) == Tombstone {
		return ErrReservedValue
	}
	k := string(key)
	v := bytes.Clone(value)
	if v == nil {
		v = []byte{}
	}

	e.writeMu.Lock()
	if err := e.wal.LogPut(k, v); err != nil {
		e.writeMu.Unlock()
		return errors.Wrap(err, "wal append")
	}
	e.mem.Put(k, v)
	full := e.mem.IsFull()
	e.writeMu.Unlock()

	e.stats.puts.Add(1)
	e.stats.bytesWritten.Add(uint64(len(key) + len(value)))
	if full {
		e.flushAfterWrite()
	}
	return nil
}

func (e *LSMEngine) Delete(key []byte) error {
	if e.closed.Load() {
		return ErrClosed
	}
	if len(key) == 0 {
		return ErrEmptyKey
	}
	k := string(key)

	e.writeMu.Lock()
	if err := e.wal.LogDelete(k); err != nil {
		e.writeMu.Unlock()
		return errors.Wrap(err, "wal append")
	}
	e.mem.Remove(k)
	full := e.mem.IsFull()
	e.writeMu.Unlock()

	e.stats.deletes.Add(1)
	if full {
		e.flushAfterWrite()
	}
	return nil
}

// flushAfterWrite flushes a full MemTable. The write that filled it is
// already logged, so a failure is only logged; the MemTable and WAL stay
// intact and the next write or the flush worker retries.
func (e *LSMEngine) flushAfterWrite() {
	if err := e.Flush(); err != nil && !errors.Is(err, ErrClosed) {
		e.logger.Error("Flush after write failed", "error", err)
	}
}

// --- Read path ---

// Get returns the newest live value for key. It checks the MemTable, then
// L0 newest to oldest, then at most one table per sorted level.
func (e *LSMEngine) Get(key []byte) ([]byte, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	if len(key) == 0 {
		return nil, ErrEmptyKey
	}
	e.stats.gets.Add(1)
	k := string(key)

	if item, ok := e.mem.Get(k); ok {
		e.stats.recordGet(0)
		if item.Tombstone {
			return nil, ErrNotFound
		}
		return bytes.Clone(item.Value), nil
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	probes := 0
	probe := func(meta *FileMetadata) (GetResult, []byte, error) {
		t := e.tables[meta.Path]
		if t == nil {
			return NotFound, nil, errors.Newf("sstable %s is not open", meta.Path)
		}
		res, val, disk, err := t.Get(k)
		if disk {
			probes++
		}
		if err != nil {
			return NotFound, nil, errors.Wrapf(err, "read sstable %s", meta.Path)
		}
		return res, val, nil
	}

	l0 := e.manifest.levels[0]
	for i := len(l0) - 1; i >= 0; i-- {
		res, val, err := probe(l0[i])
		if err != nil {
			e.stats.recordGet(probes)
			return nil, err
		}
		if res != NotFound {
			e.stats.recordGet(probes)
			if res == Deleted {
				return nil, ErrNotFound
			}
			return val, nil
		}
	}

	for level := 1; level < NumLevels; level++ {
		files := e.manifest.levels[level]
		i := sort.Search(len(files), func(i int) bool { return files[i].MaxKey >= k })
		if i == len(files) || files[i].MinKey > k {
			continue
		}
		res, val, err := probe(files[i])
		if err != nil {
			e.stats.recordGet(probes)
			return nil, err
		}
		if res != NotFound {
			e.stats.recordGet(probes)
			if res == Deleted {
				return nil, ErrNotFound
			}
			return val, nil
		}
	}
	e.stats.recordGet(probes)
	return nil, ErrNotFound
}

// --- Flush ---

// Flush persists the MemTable as a new L0 table, clears the WAL and then
// runs one compaction check. Flushing an empty MemTable is a no-op.
func (e *LSMEngine) Flush() error {
	if e.closed.Load() {
		return ErrClosed
	}
	flushed, err := e.flushMemTable()
	if err != nil {
		return err
	}
	if flushed {
		if _, err := e.compactOnce(); err != nil {
			e.logger.Error("Compaction after flush failed", "error", err)
		}
	}
	return nil
}

func (e *LSMEngine) flushMemTable() (bool, error) {
	e.flushMu.Lock()
	defer e.flushMu.Unlock()
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	entries := e.mem.Snapshot()
	if len(entries) == 0 {
		return false, nil
	}
	start := time.Now()

	name := e.nextSSTName()
	path := filepath.Join(e.sstDir, name)
	meta, err := WriteSST(path, entries)
	if err != nil {
		return false, errors.Wrap(err, "write l0 sstable")
	}
	t, err := OpenSSTable(path, e.opts.BloomBitSize, e.opts.BloomHashCount)
	if err != nil {
		os.Remove(path)
		return false, errors.Wrap(err, "open flushed sstable")
	}

	e.mu.Lock()
	next := e.manifest.Clone()
	fm := &FileMetadata{Path: name, MinKey: meta.MinKey, MaxKey: meta.MaxKey, FileSize: meta.FileSize}
	if err := next.AddSSTable(0, fm); err == nil {
		err = next.Save()
	}
	if err != nil {
		e.mu.Unlock()
		os.Remove(path)
		return false, errors.Wrap(err, "register l0 sstable")
	}
	e.manifest = next
	e.tables[name] = t
	e.mu.Unlock()

	// The table is durable and registered; the log can go.
	if err := e.wal.Clear(); err != nil {
		e.logger.Error("Failed to clear WAL after flush", "error", err)
	}
	e.mem.Clear()
	e.stats.flushes.Add(1)

	e.logger.Info("MemTable flushed",
		"file", name,
		"entries", len(entries),
		"bytes", meta.FileSize,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return true, nil
}

// --- Compaction control ---

// Compact runs one compaction pass synchronously.
func (e *LSMEngine) Compact() error {
	if e.closed.Load() {
		return ErrClosed
	}
	_, err := e.compactOnce()
	return err
}

func (e *LSMEngine) SetCompactionStrategy(s engine.Strategy) error {
	if e.closed.Load() {
		return ErrClosed
	}
	if s != engine.Leveling && s != engine.Tiering {
		return errors.Newf("unknown compaction strategy %d", int(s))
	}
	if err := writeFileAtomic(filepath.Join(e.metaDir, strategyFile), []byte(s.String()+"\n")); err != nil {
		return errors.Wrap(err, "persist compaction strategy")
	}
	e.strategy.Store(int32(s))
	e.logger.Info("Compaction strategy changed", "strategy", s.String())
	return nil
}

func (e *LSMEngine) CompactionStrategy() engine.Strategy {
	return engine.Strategy(e.strategy.Load())
}

func (e *LSMEngine) loadStrategy() (engine.Strategy, error) {
	b, err := os.ReadFile(filepath.Join(e.metaDir, strategyFile))
	if err != nil {
		if os.IsNotExist(err) {
			return engine.Leveling, nil
		}
		return engine.Leveling, errors.Wrap(err, "read compaction strategy")
	}
	s, err := engine.ParseStrategy(strings.TrimSpace(string(b)))
	if err != nil {
		e.logger.Warn("Unknown persisted strategy, using leveling", "value", string(b))
		return engine.Leveling, nil
	}
	return s, nil
}

// --- Background workers ---

func (e *LSMEngine) flushWorker(interval time.Duration) {
	defer e.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stop:
			return
		case <-ticker.C:
			if err := e.wal.Flush(); err != nil {
				e.logger.Error("Periodic WAL flush failed", "error", err)
			}
			if e.mem.IsFull() {
				if err := e.Flush(); err != nil && !errors.Is(err, ErrClosed) {
					e.logger.Error("Background flush failed", "error", err)
				}
			}
		}
	}
}

func (e *LSMEngine) compactionWorker(interval time.Duration) {
	defer e.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stop:
			return
		case <-ticker.C:
			if _, err := e.compactOnce(); err != nil {
				e.logger.Error("Background compaction failed", "error", err)
			}
		}
	}
}

// --- Introspection ---

func (e *LSMEngine) Stats() engine.Stats {
	return e.stats.snapshot()
}

func (e *LSMEngine) Levels() []engine.LevelInfo {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]engine.LevelInfo, 0, NumLevels)
	for level := 0; level < NumLevels; level++ {
		info := engine.LevelInfo{
			Level:    level,
			Bytes:    e.manifest.LevelBytes(level),
			MaxBytes: e.manifest.LevelMaxBytes(level),
			Files:    []engine.FileInfo{},
		}
		for _, f := range e.manifest.levels[level] {
			info.Files = append(info.Files, engine.FileInfo{
				Name:   f.Path,
				MinKey: f.MinKey,
				MaxKey: f.MaxKey,
				Size:   f.FileSize,
			})
		}
		out = append(out, info)
	}
	return out
}

// Close stops the workers, waits for in-flight flush and compaction, syncs
// the WAL and persists the counters. The MemTable is not flushed; its
// contents are recovered from the WAL on the next Open.
func (e *LSMEngine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	close(e.stop)
	e.wg.Wait()

	e.flushMu.Lock()
	e.compactMu.Lock()
	defer e.compactMu.Unlock()
	defer e.flushMu.Unlock()

	err := e.wal.Close()
	err = errors.CombineErrors(err, e.stats.save(filepath.Join(e.metaDir, statsFile)))
	e.mu.Lock()
	e.closeTables()
	e.mu.Unlock()
	e.logger.Info("Engine closed", "dir", e.dir)
	return err
}
