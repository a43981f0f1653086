package lsm

import (
	"fmt"
	"testing"

	"github.com/nconghau/AuroraKV/internal/engine"
	"github.com/stretchr/testify/require"
)

func paths(files []*FileMetadata) []string {
	out := make([]string, 0, len(files))
	for _, f := range files {
		out = append(out, f.Path)
	}
	return out
}

func TestPickCompactionNothingToDo(t *testing.T) {
	m := NewManifest(t.TempDir(), 2, discardLogger())
	require.NoError(t, m.AddSSTable(0, fileMeta(1, "a", "b", 1)))
	require.Nil(t, pickCompaction(m, engine.Leveling))
}

func TestPickCompactionL0(t *testing.T) {
	m := NewManifest(t.TempDir(), 2, discardLogger())
	require.NoError(t, m.AddSSTable(0, fileMeta(1, "a", "c", 1)))
	require.NoError(t, m.AddSSTable(0, fileMeta(2, "b", "d", 1)))
	require.NoError(t, m.AddSSTable(0, fileMeta(3, "c", "e", 1)))
	require.NoError(t, m.AddSSTable(1, fileMeta(4, "a", "b", 1)))
	require.NoError(t, m.AddSSTable(1, fileMeta(5, "x", "z", 1)))

	for _, s := range []engine.Strategy{engine.Leveling, engine.Tiering} {
		p := pickCompaction(m, s)
		require.NotNil(t, p)
		require.Equal(t, 0, p.level)
		require.Equal(t, 1, p.target)
		// Newest first.
		require.Equal(t, []string{sstFileName(3), sstFileName(2), sstFileName(1)}, paths(p.inputs))
		require.Equal(t, []string{sstFileName(4)}, paths(p.overlaps))
		require.True(t, p.dropTombstones)
	}
}

func TestPickCompactionKeepsTombstonesAboveData(t *testing.T) {
	m := NewManifest(t.TempDir(), 1, discardLogger())
	require.NoError(t, m.AddSSTable(0, fileMeta(1, "a", "c", 1)))
	require.NoError(t, m.AddSSTable(0, fileMeta(2, "b", "d", 1)))
	require.NoError(t, m.AddSSTable(3, fileMeta(3, "a", "z", 1)))

	p := pickCompaction(m, engine.Leveling)
	require.NotNil(t, p)
	require.False(t, p.dropTombstones)
}

func TestPickCompactionSortedLevel(t *testing.T) {
	m := NewManifest(t.TempDir(), 4, discardLogger())
	half := BaseLevelBytes * 10 / 2
	require.NoError(t, m.AddSSTable(1, fileMeta(9, "a", "f", half)))
	require.NoError(t, m.AddSSTable(1, fileMeta(4, "g", "m", half)))
	require.NoError(t, m.AddSSTable(1, fileMeta(7, "n", "t", 1)))
	require.NoError(t, m.AddSSTable(2, fileMeta(1, "h", "k", 1)))
	require.NoError(t, m.AddSSTable(2, fileMeta(2, "p", "q", 1)))
	require.True(t, m.LevelOverflow(1))

	// Leveling moves the oldest file only.
	p := pickCompaction(m, engine.Leveling)
	require.NotNil(t, p)
	require.Equal(t, 1, p.level)
	require.Equal(t, 2, p.target)
	require.Equal(t, []string{sstFileName(4)}, paths(p.inputs))
	require.Equal(t, []string{sstFileName(1)}, paths(p.overlaps))

	// Tiering moves the whole level.
	p = pickCompaction(m, engine.Tiering)
	require.NotNil(t, p)
	require.Len(t, p.inputs, 3)
	require.Equal(t, []string{sstFileName(1), sstFileName(2)}, paths(p.overlaps))
}

func TestPickCompactionSkipsLastLevel(t *testing.T) {
	m := NewManifest(t.TempDir(), 4, discardLogger())
	require.NoError(t, m.AddSSTable(NumLevels-1, fileMeta(1, "a", "z", m.LevelMaxBytes(NumLevels-1)+1)))
	require.True(t, m.LevelOverflow(NumLevels-1))
	require.Nil(t, pickCompaction(m, engine.Leveling))
}

func TestCompactionPreservesLiveData(t *testing.T) {
	for _, strategy := range []engine.Strategy{engine.Leveling, engine.Tiering} {
		t.Run(strategy.String(), func(t *testing.T) {
			e := openTestEngine(t, t.TempDir(), func(o *Options) {
				o.MemTableMaxEntries = 8
				o.MaxFilesPerLevel = 2
			})
			defer e.Close()
			require.NoError(t, e.SetCompactionStrategy(strategy))

			model := map[string]string{}
			for round := 0; round < 5; round++ {
				for i := 0; i < 40; i++ {
					key := fmt.Sprintf("k%03d", (i*7+round*3)%60)
					if (i+round)%5 == 0 {
						require.NoError(t, e.Delete([]byte(key)))
						delete(model, key)
						continue
					}
					val := fmt.Sprintf("v%d-%d", round, i)
					require.NoError(t, e.Put([]byte(key), []byte(val)))
					model[key] = val
				}
			}
			require.NoError(t, e.Flush())

			require.NotZero(t, e.Stats().Compactions)
			levels := e.Levels()
			require.LessOrEqual(t, len(levels[0].Files), 2)
			for _, lvl := range levels[1:] {
				for i := 1; i < len(lvl.Files); i++ {
					require.Less(t, lvl.Files[i-1].MaxKey, lvl.Files[i].MinKey, "level %d overlaps", lvl.Level)
				}
			}

			for i := 0; i < 60; i++ {
				key := fmt.Sprintf("k%03d", i)
				got, err := e.Get([]byte(key))
				if want, ok := model[key]; ok {
					require.NoError(t, err, key)
					require.Equal(t, want, string(got), key)
				} else {
					require.ErrorIs(t, err, ErrNotFound, key)
				}
			}
			require.Equal(t, model, scanAll(t, e, "", ""))
		})
	}
}

func TestCompactionDropsTombstonesAtBottom(t *testing.T) {
	e := openTestEngine(t, t.TempDir(), func(o *Options) {
		o.MemTableMaxEntries = 2
		o.MaxFilesPerLevel = 1
	})
	defer e.Close()

	require.NoError(t, e.Put([]byte("a"), []byte("1")))
	require.NoError(t, e.Put([]byte("b"), []byte("2")))
	require.NoError(t, e.Delete([]byte("a")))
	// Second flush leaves two L0 files and compacts them into L1.
	require.NoError(t, e.Put([]byte("c"), []byte("3")))

	levels := e.Levels()
	require.Empty(t, levels[0].Files)
	require.Len(t, levels[1].Files, 1)

	e.mu.RLock()
	tbl := e.tables[levels[1].Files[0].Name]
	e.mu.RUnlock()
	it, err := NewSSTableIterator(tbl)
	require.NoError(t, err)
	require.Equal(t, []string{"b=2", "c=3"}, collect(t, it))

	_, err = e.Get([]byte("a"))
	require.ErrorIs(t, err, ErrNotFound)
}
