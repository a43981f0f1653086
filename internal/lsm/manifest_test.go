package lsm

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func fileMeta(seq uint64, minKey, maxKey string, size uint64) *FileMetadata {
	return &FileMetadata{Path: sstFileName(seq), MinKey: minKey, MaxKey: maxKey, FileSize: size}
}

func TestManifestSaveLoad(t *testing.T) {
	dir := t.TempDir()
	m := NewManifest(dir, 4, discardLogger())
	require.NoError(t, m.AddSSTable(0, fileMeta(3, "a", "z", 100)))
	require.NoError(t, m.AddSSTable(0, fileMeta(4, "b", "c", 50)))
	require.NoError(t, m.AddSSTable(1, fileMeta(2, "m", "p", 200)))
	require.NoError(t, m.AddSSTable(1, fileMeta(1, "a", "f", 300)))
	// Keys holding the separator, escapes and newlines survive the text format.
	require.NoError(t, m.AddSSTable(2, fileMeta(5, "k|1%", "k\n2\r", 10)))
	require.NoError(t, m.Save())

	loaded := NewManifest(dir, 4, discardLogger())
	require.NoError(t, loaded.Load())
	require.Equal(t, 5, loaded.FileCount())

	l0 := loaded.Files(0)
	require.Equal(t, []string{sstFileName(3), sstFileName(4)}, []string{l0[0].Path, l0[1].Path})
	l1 := loaded.Files(1)
	require.Equal(t, "a", l1[0].MinKey)
	require.Equal(t, "m", l1[1].MinKey)
	require.EqualValues(t, 1, l1[0].Seq)
	require.EqualValues(t, 500, loaded.LevelBytes(1))

	l2 := loaded.Files(2)
	require.Equal(t, "k|1%", l2[0].MinKey)
	require.Equal(t, "k\n2\r", l2[0].MaxKey)
	require.EqualValues(t, 5, loaded.MaxSeq())
}

func TestManifestFileFormat(t *testing.T) {
	dir := t.TempDir()
	m := NewManifest(dir, 4, discardLogger())
	require.NoError(t, m.AddSSTable(1, fileMeta(7, "a", "b", 42)))
	require.NoError(t, m.Save())

	b, err := os.ReadFile(filepath.Join(dir, manifestFileName))
	require.NoError(t, err)
	want := strings.Join([]string{
		"LEVEL:0",
		"LEVEL:1",
		"sst-000007.sst|a|b|42",
		"LEVEL:2",
		"LEVEL:3",
		"",
	}, "\n")
	require.Equal(t, want, string(b))
}

func TestManifestMissingFileIsEmpty(t *testing.T) {
	m := NewManifest(t.TempDir(), 4, discardLogger())
	require.NoError(t, m.Load())
	require.Zero(t, m.FileCount())
}

func TestManifestCorruption(t *testing.T) {
	for name, content := range map[string]string{
		"bad level":     "LEVEL:9\n",
		"no header":     "sst-000001.sst|a|b|1\n",
		"short entry":   "LEVEL:0\nsst-000001.sst|a|b\n",
		"bad size":      "LEVEL:0\nsst-000001.sst|a|b|x\n",
		"bad escape":    "LEVEL:0\nsst-000001.sst|%zz|b|1\n",
		"level not int": "LEVEL:one\n",
	} {
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()
			require.NoError(t, os.WriteFile(filepath.Join(dir, manifestFileName), []byte(content), 0o644))
			err := NewManifest(dir, 4, discardLogger()).Load()
			require.ErrorIs(t, err, ErrCorruptManifest)
		})
	}
}

func TestManifestRemoveAndClone(t *testing.T) {
	m := NewManifest(t.TempDir(), 4, discardLogger())
	require.NoError(t, m.AddSSTable(1, fileMeta(1, "a", "c", 10)))
	require.NoError(t, m.AddSSTable(1, fileMeta(2, "d", "f", 20)))

	c := m.Clone()
	require.True(t, c.RemoveSSTable(sstFileName(1)))
	require.False(t, c.RemoveSSTable(sstFileName(1)))
	require.EqualValues(t, 20, c.LevelBytes(1))

	// The clone source is untouched.
	require.Equal(t, 2, m.LevelFileCount(1))
	require.EqualValues(t, 30, m.LevelBytes(1))
}

func TestManifestLevelOverflow(t *testing.T) {
	m := NewManifest(t.TempDir(), 2, discardLogger())
	require.EqualValues(t, 10<<20, m.LevelMaxBytes(0))
	require.EqualValues(t, 100<<20, m.LevelMaxBytes(1))
	require.EqualValues(t, 1000<<20, m.LevelMaxBytes(2))

	require.NoError(t, m.AddSSTable(0, fileMeta(1, "a", "b", 1)))
	require.NoError(t, m.AddSSTable(0, fileMeta(2, "a", "b", 1)))
	require.False(t, m.LevelOverflow(0))
	require.NoError(t, m.AddSSTable(0, fileMeta(3, "a", "b", 1)))
	require.True(t, m.LevelOverflow(0))

	require.NoError(t, m.AddSSTable(1, fileMeta(4, "a", "b", 100<<20)))
	require.False(t, m.LevelOverflow(1))
	require.NoError(t, m.AddSSTable(1, fileMeta(5, "c", "d", 1)))
	require.True(t, m.LevelOverflow(1))

	require.False(t, m.LevelOverflow(NumLevels))
}
