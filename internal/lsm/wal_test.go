package lsm

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openTestWAL(t *testing.T, path string) *WAL {
	t.Helper()
	w, err := OpenWAL(path, 1, discardLogger())
	require.NoError(t, err)
	return w
}

func TestWALReplay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wal", "wal.log")
	w := openTestWAL(t, path)
	require.NoError(t, w.LogPut("a", []byte("1")))
	require.NoError(t, w.LogPut("b", []byte("2")))
	require.NoError(t, w.LogDelete("a"))
	require.NoError(t, w.LogPut("c", []byte{}))
	require.NoError(t, w.Close())

	w = openTestWAL(t, path)
	defer w.Close()
	mem := NewMemTable(100)
	n, err := w.Replay(mem)
	require.NoError(t, err)
	require.Equal(t, 4, n)

	item, ok := mem.Get("a")
	require.True(t, ok)
	require.True(t, item.Tombstone)
	item, ok = mem.Get("b")
	require.True(t, ok)
	require.Equal(t, []byte("2"), item.Value)
	item, ok = mem.Get("c")
	require.True(t, ok)
	require.Empty(t, item.Value)
}

func TestWALBuffersUntilBatchIsFull(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wal.log")
	w, err := OpenWAL(path, 4, discardLogger())
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, w.LogPut("k", []byte("v")))
	fi, err := os.Stat(path)
	require.NoError(t, err)
	require.Zero(t, fi.Size())

	require.NoError(t, w.Flush())
	fi, err = os.Stat(path)
	require.NoError(t, err)
	require.EqualValues(t, walHeaderSize+2, fi.Size())
}

func TestWALReplayStopsAtTruncatedTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wal.log")
	w := openTestWAL(t, path)
	require.NoError(t, w.LogPut("a", []byte("1")))
	require.NoError(t, w.LogPut("b", []byte("22")))
	require.NoError(t, w.Close())

	fi, err := os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(path, fi.Size()-1))

	w = openTestWAL(t, path)
	defer w.Close()
	mem := NewMemTable(100)
	n, err := w.Replay(mem)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	_, ok := mem.Get("b")
	require.False(t, ok)
}

func TestWALReplayStopsAtOversizedRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wal.log")
	w := openTestWAL(t, path)
	require.NoError(t, w.LogPut("a", []byte("1")))
	require.NoError(t, w.Close())

	// A put header claiming 4 GiB of key with only a few bytes behind it.
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.Write([]byte{walOpPut, 0xff, 0xff, 0xff, 0xff, 0, 0, 0, 0, 'x', 'y'})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	w = openTestWAL(t, path)
	defer w.Close()
	mem := NewMemTable(100)
	n, err := w.Replay(mem)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, 1, mem.Len())
}

func TestWALReplayStopsAtUnknownOpcode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wal.log")
	w := openTestWAL(t, path)
	require.NoError(t, w.LogPut("a", []byte("1")))
	require.NoError(t, w.Close())

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.Write([]byte{9, 0, 0, 0, 0, 0, 0, 0, 0})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	w = openTestWAL(t, path)
	defer w.Close()
	n, err := w.Replay(NewMemTable(100))
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestWALClear(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wal.log")
	w := openTestWAL(t, path)
	require.NoError(t, w.LogPut("a", []byte("1")))
	require.NoError(t, w.Clear())
	require.NoError(t, w.LogPut("b", []byte("2")))
	require.NoError(t, w.Close())

	w = openTestWAL(t, path)
	defer w.Close()
	mem := NewMemTable(100)
	n, err := w.Replay(mem)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	_, ok := mem.Get("a")
	require.False(t, ok)
}

func TestWALClosed(t *testing.T) {
	w := openTestWAL(t, filepath.Join(t.TempDir(), "wal.log"))
	require.NoError(t, w.Close())
	require.ErrorIs(t, w.LogPut("a", nil), ErrClosed)
	require.NoError(t, w.Close())
}
