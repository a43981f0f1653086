package lsm

import (
	"bufio"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
)

const (
	manifestFileName = "MANIFEST"

	// NumLevels is the fixed depth of the tree.
	NumLevels = 4
	// BaseLevelBytes is the byte budget of L0; every deeper level gets 10x more.
	BaseLevelBytes uint64 = 10 * 1024 * 1024
)

// FileMetadata is the persisted description of one SSTable. Path is the
// file name relative to the SSTable directory.
type FileMetadata struct {
	Path     string
	MinKey   string
	MaxKey   string
	FileSize uint64
	// Seq is parsed from Path and orders files by age.
	Seq uint64
}

func (f *FileMetadata) overlaps(minKey, maxKey string) bool {
	return f.MinKey <= maxKey && minKey <= f.MaxKey
}

// Manifest tracks which SSTables are live in every level. L0 keeps append
// order (newest last); L1+ are non-overlapping and sorted by MinKey.
// It is not safe for concurrent use; the engine serialises access.
type Manifest struct {
	path        string
	levels      [NumLevels][]*FileMetadata
	levelBytes  [NumLevels]uint64
	l0Threshold int
	logger      *slog.Logger
}

func NewManifest(dir string, l0Threshold int, logger *slog.Logger) *Manifest {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manifest{
		path:        filepath.Join(dir, manifestFileName),
		l0Threshold: l0Threshold,
		logger:      logger.With("component", "manifest"),
	}
}

// Clone returns an independent copy so callers can stage a change and only
// swap it in once it has been saved.
func (m *Manifest) Clone() *Manifest {
	c := *m
	for l := range m.levels {
		c.levels[l] = append([]*FileMetadata(nil), m.levels[l]...)
	}
	return &c
}

// manifest text escaping keeps the line format intact for keys containing
// the separator or newlines.
var manifestEscaper = strings.NewReplacer("%", "%25", "|", "%7C", "\n", "%0A", "\r", "%0D")

func escapeField(s string) string { return manifestEscaper.Replace(s) }

func unescapeField(s string) (string, error) {
	if !strings.Contains(s, "%") {
		return s, nil
	}
	return url.PathUnescape(s)
}

// Load replaces the in-memory state with the persisted file. A missing
// file means a fresh store.
func (m *Manifest) Load() error {
	f, err := os.Open(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			m.logger.Debug("Manifest not found, starting empty")
			return nil
		}
		return errors.Wrap(err, "open manifest")
	}
	defer f.Close()

	m.Clear()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	level := -1
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := sc.Text()
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "LEVEL:") {
			n, err := strconv.Atoi(strings.TrimPrefix(line, "LEVEL:"))
			if err != nil || n < 0 || n >= NumLevels {
				return errors.Wrapf(ErrCorruptManifest, "line %d: bad level header %q", lineNo, line)
			}
			level = n
			continue
		}
		if level < 0 {
			return errors.Wrapf(ErrCorruptManifest, "line %d: entry before any level header", lineNo)
		}
		meta, err := parseManifestEntry(line)
		if err != nil {
			return errors.Wrapf(err, "line %d", lineNo)
		}
		m.levels[level] = append(m.levels[level], meta)
		m.levelBytes[level] += meta.FileSize
	}
	if err := sc.Err(); err != nil {
		return errors.Wrap(err, "read manifest")
	}

	for l := 1; l < NumLevels; l++ {
		files := m.levels[l]
		sort.Slice(files, func(i, j int) bool { return files[i].MinKey < files[j].MinKey })
		for i := 1; i < len(files); i++ {
			if files[i].MinKey <= files[i-1].MaxKey {
				m.logger.Warn("Overlapping files in sorted level", "level", l,
					"a", files[i-1].Path, "b", files[i].Path)
			}
		}
	}
	m.logger.Info("Manifest loaded", "files", m.FileCount())
	return nil
}

func parseManifestEntry(line string) (*FileMetadata, error) {
	parts := strings.Split(line, "|")
	if len(parts) != 4 || parts[0] == "" || parts[3] == "" {
		return nil, errors.Wrapf(ErrCorruptManifest, "malformed entry %q", line)
	}
	fields := make([]string, 3)
	for i := range fields {
		s, err := unescapeField(parts[i])
		if err != nil {
			return nil, errors.Wrapf(ErrCorruptManifest, "bad escape in %q", line)
		}
		fields[i] = s
	}
	size, err := strconv.ParseUint(parts[3], 10, 64)
	if err != nil {
		return nil, errors.Wrapf(ErrCorruptManifest, "bad file size in %q", line)
	}
	seq, _ := parseSSTFileName(filepath.Base(fields[0]))
	return &FileMetadata{
		Path:     fields[0],
		MinKey:   fields[1],
		MaxKey:   fields[2],
		FileSize: size,
		Seq:      seq,
	}, nil
}

// Save writes the manifest to a temp file and renames it over the live one,
// so a crash mid-write leaves the previous version intact.
func (m *Manifest) Save() error {
	tempPath := m.path + ".tmp"
	f, err := os.Create(tempPath)
	if err != nil {
		return errors.Wrap(err, "create manifest temp file")
	}

	w := bufio.NewWriter(f)
	for level, files := range m.levels {
		w.WriteString("LEVEL:" + strconv.Itoa(level) + "\n")
		for _, meta := range files {
			w.WriteString(escapeField(meta.Path) + "|" + escapeField(meta.MinKey) + "|" +
				escapeField(meta.MaxKey) + "|" + strconv.FormatUint(meta.FileSize, 10) + "\n")
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(tempPath)
		return errors.Wrap(err, "write manifest")
	}
	if err := syncFile(f); err != nil {
		f.Close()
		os.Remove(tempPath)
		return errors.Wrap(err, "sync manifest")
	}
	if err := f.Close(); err != nil {
		os.Remove(tempPath)
		return errors.Wrap(err, "close manifest")
	}
	if err := os.Rename(tempPath, m.path); err != nil {
		os.Remove(tempPath)
		return errors.Wrap(err, "rename manifest")
	}
	if err := syncDir(filepath.Dir(m.path)); err != nil {
		return errors.Wrap(err, "sync manifest dir")
	}
	m.logger.Debug("Manifest saved", "files", m.FileCount())
	return nil
}

// AddSSTable appends to L0 or inserts into a sorted level.
func (m *Manifest) AddSSTable(level int, meta *FileMetadata) error {
	if level < 0 || level >= NumLevels {
		return errors.Newf("invalid level %d", level)
	}
	if meta.Seq == 0 {
		meta.Seq, _ = parseSSTFileName(filepath.Base(meta.Path))
	}
	files := m.levels[level]
	if level == 0 {
		m.levels[0] = append(files, meta)
	} else {
		i := sort.Search(len(files), func(i int) bool { return files[i].MinKey > meta.MinKey })
		files = append(files, nil)
		copy(files[i+1:], files[i:])
		files[i] = meta
		m.levels[level] = files
	}
	m.levelBytes[level] += meta.FileSize
	return nil
}

// RemoveSSTable drops path from whichever level holds it.
func (m *Manifest) RemoveSSTable(path string) bool {
	for level, files := range m.levels {
		for i, meta := range files {
			if meta.Path != path {
				continue
			}
			m.levels[level] = append(files[:i:i], files[i+1:]...)
			m.levelBytes[level] -= meta.FileSize
			return true
		}
	}
	return false
}

// LevelMaxBytes is the byte budget of level: 10MiB * 10^level.
func (m *Manifest) LevelMaxBytes(level int) uint64 {
	size := BaseLevelBytes
	for i := 0; i < level; i++ {
		size *= 10
	}
	return size
}

// LevelOverflow reports whether level needs compaction: L0 by file count,
// deeper levels by byte budget.
func (m *Manifest) LevelOverflow(level int) bool {
	if level < 0 || level >= NumLevels {
		return false
	}
	if level == 0 {
		return len(m.levels[0]) > m.l0Threshold
	}
	return m.levelBytes[level] > m.LevelMaxBytes(level)
}

func (m *Manifest) LevelBytes(level int) uint64 {
	if level < 0 || level >= NumLevels {
		return 0
	}
	return m.levelBytes[level]
}

func (m *Manifest) LevelFileCount(level int) int {
	if level < 0 || level >= NumLevels {
		return 0
	}
	return len(m.levels[level])
}

// Files returns a copy of the metadata list for level.
func (m *Manifest) Files(level int) []*FileMetadata {
	if level < 0 || level >= NumLevels {
		return nil
	}
	return append([]*FileMetadata(nil), m.levels[level]...)
}

func (m *Manifest) FileCount() int {
	n := 0
	for _, files := range m.levels {
		n += len(files)
	}
	return n
}

// MaxSeq is the largest file sequence referenced by any level.
func (m *Manifest) MaxSeq() uint64 {
	var max uint64
	for _, files := range m.levels {
		for _, f := range files {
			if f.Seq > max {
				max = f.Seq
			}
		}
	}
	return max
}

func (m *Manifest) Clear() {
	for l := range m.levels {
		m.levels[l] = nil
		m.levelBytes[l] = 0
	}
}
