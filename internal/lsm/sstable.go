package lsm

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/cockroachdb/errors"
)

const (
	// SSTMagic is the last 8 bytes of every table ("AURORAKV").
	SSTMagic uint64 = 0x4155524F52414B56

	// SSTable file format (little-endian):
	// records:  keyLen(4) key valLen(4) value, ascending by key
	// index:    count(4) then keyLen(4) key offset(8), one per SSTIndexInterval records
	// bounds:   minKeyLen(4) minKey maxKeyLen(4) maxKey
	// footer:   indexOffset(8) minKeyOffset(8) maxKeyOffset(8) fileSize(8) magic(8)
	SSTFooterSize    = 40
	SSTIndexInterval = 64

	SSTWriteBufferSize = 256 * 1024
	SSTReadBufferSize  = 64 * 1024
)

// GetResult is the outcome of a point lookup in one table.
type GetResult int

const (
	NotFound GetResult = iota
	Found
	Deleted
)

func (r GetResult) String() string {
	switch r {
	case Found:
		return "found"
	case Deleted:
		return "deleted"
	default:
		return "not found"
	}
}

// SSTMetadata holds SSTable file metadata
type SSTMetadata struct {
	Path     string
	KeyCount uint32
	MinKey   string
	MaxKey   string
	FileSize uint64
}

type indexEntry struct {
	key    string
	offset uint64
}

type sstFooter struct {
	indexOffset  uint64
	minKeyOffset uint64
	maxKeyOffset uint64
	fileSize     uint64
	magic        uint64
}

func (f *sstFooter) encode() []byte {
	b := make([]byte, SSTFooterSize)
	binary.LittleEndian.PutUint64(b[0:8], f.indexOffset)
	binary.LittleEndian.PutUint64(b[8:16], f.minKeyOffset)
	binary.LittleEndian.PutUint64(b[16:24], f.maxKeyOffset)
	binary.LittleEndian.PutUint64(b[24:32], f.fileSize)
	binary.LittleEndian.PutUint64(b[32:40], f.magic)
	return b
}

func decodeFooter(b []byte) sstFooter {
	return sstFooter{
		indexOffset:  binary.LittleEndian.Uint64(b[0:8]),
		minKeyOffset: binary.LittleEndian.Uint64(b[8:16]),
		maxKeyOffset: binary.LittleEndian.Uint64(b[16:24]),
		fileSize:     binary.LittleEndian.Uint64(b[24:32]),
		magic:        binary.LittleEndian.Uint64(b[32:40]),
	}
}

// encodeValue maps an item to its on-disk value bytes.
func encodeValue(item *Item) []byte {
	if item.Tombstone {
		return []byte(Tombstone)
	}
	return item.Value
}

func decodeValue(b []byte) *Item {
	if string(b) == Tombstone {
		return &Item{Tombstone: true}
	}
	return &Item{Value: b}
}

// --- SSTWriter ---

// SSTWriter handles writing SSTable files. Tables are only ever written to
// a path that does not exist yet.
type SSTWriter struct {
	file   *os.File
	writer *bufio.Writer
	path   string
	offset uint64
	count  uint32
	minKey string
	maxKey string
	index  []indexEntry
}

// NewSSTWriter creates a new SSTable writer
func NewSSTWriter(path string) (*SSTWriter, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "create sst file")
	}
	return &SSTWriter{
		file:   f,
		writer: bufio.NewWriterSize(f, SSTWriteBufferSize),
		path:   path,
	}, nil
}

func (w *SSTWriter) Count() uint32 { return w.count }

// WriteEntry writes a single key-value entry. Keys must arrive strictly ascending.
func (w *SSTWriter) WriteEntry(key string, item *Item) error {
	if w.count > 0 && key <= w.maxKey {
		return errors.Newf("sst keys out of order: %q after %q", key, w.maxKey)
	}
	if w.count == 0 {
		w.minKey = key
	}
	w.maxKey = key

	if w.count%SSTIndexInterval == 0 {
		w.index = append(w.index, indexEntry{key: key, offset: w.offset})
	}
	w.count++

	if err := w.writeBytes([]byte(key)); err != nil {
		return err
	}
	return w.writeBytes(encodeValue(item))
}

// writeBytes writes len(4) + b and advances the offset.
func (w *SSTWriter) writeBytes(b []byte) error {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(b)))
	if _, err := w.writer.Write(lenBuf[:]); err != nil {
		return err
	}
	if _, err := w.writer.Write(b); err != nil {
		return err
	}
	w.offset += 4 + uint64(len(b))
	return nil
}

// Finish writes the index, key bounds and footer, then syncs and closes.
func (w *SSTWriter) Finish() (*SSTMetadata, error) {
	if w.count == 0 {
		return nil, errors.New("sst has no entries")
	}
	footer := sstFooter{indexOffset: w.offset, magic: SSTMagic}

	var countBuf [4]byte
	binary.LittleEndian.PutUint32(countBuf[:], uint32(len(w.index)))
	if _, err := w.writer.Write(countBuf[:]); err != nil {
		return nil, errors.Wrap(err, "write index count")
	}
	w.offset += 4
	for _, e := range w.index {
		if err := w.writeBytes([]byte(e.key)); err != nil {
			return nil, errors.Wrap(err, "write index key")
		}
		var offBuf [8]byte
		binary.LittleEndian.PutUint64(offBuf[:], e.offset)
		if _, err := w.writer.Write(offBuf[:]); err != nil {
			return nil, errors.Wrap(err, "write index offset")
		}
		w.offset += 8
	}

	footer.minKeyOffset = w.offset
	if err := w.writeBytes([]byte(w.minKey)); err != nil {
		return nil, errors.Wrap(err, "write min key")
	}
	footer.maxKeyOffset = w.offset
	if err := w.writeBytes([]byte(w.maxKey)); err != nil {
		return nil, errors.Wrap(err, "write max key")
	}
	footer.fileSize = w.offset + SSTFooterSize
	if _, err := w.writer.Write(footer.encode()); err != nil {
		return nil, errors.Wrap(err, "write footer")
	}

	if err := w.writer.Flush(); err != nil {
		return nil, errors.Wrap(err, "flush writer")
	}
	if err := syncFile(w.file); err != nil {
		return nil, errors.Wrap(err, "sync file")
	}
	if err := w.file.Close(); err != nil {
		return nil, errors.Wrap(err, "close file")
	}
	w.file = nil
	return &SSTMetadata{
		Path:     w.path,
		KeyCount: w.count,
		MinKey:   w.minKey,
		MaxKey:   w.maxKey,
		FileSize: footer.fileSize,
	}, nil
}

// Abort closes and removes a partially written table.
func (w *SSTWriter) Abort() {
	if w.file != nil {
		w.file.Close()
		w.file = nil
	}
	os.Remove(w.path)
}

// WriteSST writes a complete SSTable from entries already sorted by key.
func WriteSST(path string, entries []Entry) (*SSTMetadata, error) {
	if len(entries) == 0 {
		return nil, errors.New("no entries to write")
	}
	writer, err := NewSSTWriter(path)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if err := writer.WriteEntry(e.Key, e.Item); err != nil {
			writer.Abort()
			return nil, errors.Wrapf(err, "write entry %s", e.Key)
		}
	}
	meta, err := writer.Finish()
	if err != nil {
		writer.Abort()
		return nil, err
	}
	return meta, nil
}

// --- SSTable (read side) ---

// SSTable is an opened, validated table. The key bounds, sparse index and
// bloom filter live in memory; records are read from disk on demand.
type SSTable struct {
	path     string
	fileSize uint64
	dataEnd  uint64
	minKey   string
	maxKey   string
	index    []indexEntry
	bloom    *BloomFilter
	keyCount int
}

// OpenSSTable validates the footer magic and loads the table metadata. The
// bloom filter is rebuilt by one sequential pass over the records.
func OpenSSTable(path string, bloomBits uint32, bloomHashes int) (*SSTable, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size := uint64(stat.Size())
	if size < SSTFooterSize {
		return nil, errors.Wrapf(ErrCorruptSSTable, "%s: file too small", path)
	}

	footerData := make([]byte, SSTFooterSize)
	if _, err := f.ReadAt(footerData, int64(size-SSTFooterSize)); err != nil {
		return nil, errors.Wrap(err, "read footer")
	}
	footer := decodeFooter(footerData)
	if footer.magic != SSTMagic {
		return nil, errors.Wrapf(ErrCorruptSSTable, "%s: bad magic %#x", path, footer.magic)
	}
	if footer.fileSize != size ||
		footer.indexOffset > footer.minKeyOffset ||
		footer.minKeyOffset > footer.maxKeyOffset ||
		footer.maxKeyOffset > size-SSTFooterSize {
		return nil, errors.Wrapf(ErrCorruptSSTable, "%s: inconsistent footer", path)
	}

	t := &SSTable{
		path:     path,
		fileSize: size,
		dataEnd:  footer.indexOffset,
		bloom:    NewBloomFilter(bloomBits, bloomHashes),
	}

	meta := make([]byte, size-SSTFooterSize-footer.indexOffset)
	if _, err := f.ReadAt(meta, int64(footer.indexOffset)); err != nil {
		return nil, errors.Wrap(err, "read index section")
	}
	if err := t.parseIndex(meta, footer); err != nil {
		return nil, errors.Wrapf(err, "%s", path)
	}

	if err := t.loadBloom(f); err != nil {
		return nil, errors.Wrapf(err, "%s", path)
	}
	return t, nil
}

func (t *SSTable) parseIndex(b []byte, footer sstFooter) error {
	base := footer.indexOffset
	pos := uint64(0)
	readBytes := func() (string, error) {
		if pos+4 > uint64(len(b)) {
			return "", ErrCorruptSSTable
		}
		n := uint64(binary.LittleEndian.Uint32(b[pos:]))
		pos += 4
		if pos+n > uint64(len(b)) {
			return "", ErrCorruptSSTable
		}
		s := string(b[pos : pos+n])
		pos += n
		return s, nil
	}

	if len(b) < 4 {
		return ErrCorruptSSTable
	}
	count := binary.LittleEndian.Uint32(b)
	pos = 4
	// Each entry needs at least a 4-byte length and an 8-byte offset.
	if uint64(count) > uint64(len(b)-4)/12 {
		return errors.Wrapf(ErrCorruptSSTable, "index count %d exceeds section size", count)
	}
	t.index = make([]indexEntry, 0, count)
	for i := uint32(0); i < count; i++ {
		key, err := readBytes()
		if err != nil {
			return errors.Wrap(err, "read index key")
		}
		if pos+8 > uint64(len(b)) {
			return errors.Wrap(ErrCorruptSSTable, "read index offset")
		}
		off := binary.LittleEndian.Uint64(b[pos:])
		pos += 8
		if off >= footer.indexOffset {
			return errors.Wrap(ErrCorruptSSTable, "index offset past data")
		}
		t.index = append(t.index, indexEntry{key: key, offset: off})
	}

	var err error
	pos = footer.minKeyOffset - base
	if t.minKey, err = readBytes(); err != nil {
		return errors.Wrap(err, "read min key")
	}
	pos = footer.maxKeyOffset - base
	if t.maxKey, err = readBytes(); err != nil {
		return errors.Wrap(err, "read max key")
	}
	return nil
}

func (t *SSTable) loadBloom(f *os.File) error {
	r := newRecordReader(io.NewSectionReader(f, 0, int64(t.dataEnd)), t.dataEnd)
	for {
		key, _, err := r.next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		t.bloom.Add(key)
		t.keyCount++
	}
}

func (t *SSTable) Path() string { return t.path }

func (t *SSTable) MinKey() string { return t.minKey }

func (t *SSTable) MaxKey() string { return t.maxKey }

func (t *SSTable) FileSize() uint64 { return t.fileSize }

func (t *SSTable) KeyCount() int { return t.keyCount }

// MightContain checks the key range and the bloom filter without touching disk.
func (t *SSTable) MightContain(key string) bool {
	if key < t.minKey || key > t.maxKey {
		return false
	}
	return t.bloom.MightContain(key)
}

// Overlaps reports whether [start, end) intersects the table. An empty end
// is unbounded.
func (t *SSTable) Overlaps(start, end string) bool {
	if t.maxKey < start {
		return false
	}
	return end == "" || t.minKey < end
}

// Get probes the table for key. The second result is false when the range
// and bloom checks answered without disk I/O.
func (t *SSTable) Get(key string) (GetResult, []byte, bool, error) {
	if !t.MightContain(key) {
		return NotFound, nil, false, nil
	}

	// Last index entry whose key is <= key.
	i := sort.Search(len(t.index), func(i int) bool { return t.index[i].key > key }) - 1
	start := uint64(0)
	if i >= 0 {
		start = t.index[i].offset
	}

	f, err := os.Open(t.path)
	if err != nil {
		return NotFound, nil, true, err
	}
	defer f.Close()

	r := newRecordReader(io.NewSectionReader(f, int64(start), int64(t.dataEnd-start)), t.dataEnd-start)
	for {
		k, v, err := r.next()
		if err == io.EOF {
			return NotFound, nil, true, nil
		}
		if err != nil {
			return NotFound, nil, true, err
		}
		if k == key {
			if string(v) == Tombstone {
				return Deleted, nil, true, nil
			}
			return Found, v, true, nil
		}
		if k > key {
			return NotFound, nil, true, nil
		}
	}
}

// --- record reader ---

// recordReader decodes keyLen/key/valLen/value records from the data section.
type recordReader struct {
	r         *bufio.Reader
	remaining uint64
}

func newRecordReader(r io.Reader, length uint64) *recordReader {
	return &recordReader{r: bufio.NewReaderSize(r, SSTReadBufferSize), remaining: length}
}

func (rr *recordReader) readBytes() ([]byte, error) {
	if rr.remaining < 4 {
		return nil, errors.Wrap(ErrCorruptSSTable, "truncated length")
	}
	var lenBuf [4]byte
	if _, err := io.ReadFull(rr.r, lenBuf[:]); err != nil {
		return nil, errors.Wrap(err, "read length")
	}
	rr.remaining -= 4
	n := uint64(binary.LittleEndian.Uint32(lenBuf[:]))
	if n > rr.remaining {
		return nil, errors.Wrap(ErrCorruptSSTable, "record overruns data section")
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(rr.r, b); err != nil {
		return nil, errors.Wrap(err, "read record bytes")
	}
	rr.remaining -= n
	return b, nil
}

// next returns io.EOF exactly at the end of the data section.
func (rr *recordReader) next() (string, []byte, error) {
	if rr.remaining == 0 {
		return "", nil, io.EOF
	}
	k, err := rr.readBytes()
	if err != nil {
		return "", nil, err
	}
	v, err := rr.readBytes()
	if err != nil {
		return "", nil, err
	}
	return string(k), v, nil
}

// sstFileName formats the on-disk name for sequence seq.
func sstFileName(seq uint64) string {
	return fmt.Sprintf("sst-%06d.sst", seq)
}

// parseSSTFileName is the inverse of sstFileName.
func parseSSTFileName(name string) (uint64, bool) {
	var seq uint64
	if n, err := fmt.Sscanf(name, "sst-%d.sst", &seq); err != nil || n != 1 {
		return 0, false
	}
	return seq, sstFileName(seq) == name
}
