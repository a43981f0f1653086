package lsm

import (
	"bufio"
	"encoding/binary"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/cockroachdb/errors"
)

const (
	walOpPut    byte = 1
	walOpDelete byte = 2

	// opcode(1) + keyLen(4) + valLen(4)
	walHeaderSize = 9
	// A batch is written once the buffer holds batchSize * walBatchUnit bytes.
	walBatchUnit = 64

	WALReadBufferSize = 256 * 1024
)

// WAL is an append-only log of mutations that have not reached an SSTable.
// Records are staged in memory and written + synced in batches.
type WAL struct {
	mu         sync.Mutex
	path       string
	f          *os.File
	buf        []byte
	batchBytes int
	logger     *slog.Logger
}

func OpenWAL(path string, batchSize int, logger *slog.Logger) (*WAL, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, "create wal dir")
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "open wal %s", path)
	}
	if batchSize <= 0 {
		batchSize = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WAL{
		path:       path,
		f:          f,
		batchBytes: batchSize * walBatchUnit,
		logger:     logger.With("component", "wal"),
	}, nil
}

func (w *WAL) Path() string { return w.path }

func (w *WAL) LogPut(key string, value []byte) error {
	return w.append(walOpPut, key, value)
}

func (w *WAL) LogDelete(key string) error {
	return w.append(walOpDelete, key, nil)
}

func (w *WAL) append(op byte, key string, value []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return ErrClosed
	}

	var hdr [walHeaderSize]byte
	hdr[0] = op
	binary.LittleEndian.PutUint32(hdr[1:5], uint32(len(key)))
	binary.LittleEndian.PutUint32(hdr[5:9], uint32(len(value)))
	w.buf = append(w.buf, hdr[:]...)
	w.buf = append(w.buf, key...)
	w.buf = append(w.buf, value...)

	if len(w.buf) >= w.batchBytes {
		return w.flushLocked()
	}
	return nil
}

// Flush writes and syncs any staged records.
func (w *WAL) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flushLocked()
}

func (w *WAL) flushLocked() error {
	if len(w.buf) == 0 || w.f == nil {
		return nil
	}
	if _, err := w.f.Write(w.buf); err != nil {
		return errors.Wrap(err, "write wal batch")
	}
	if err := syncFile(w.f); err != nil {
		return errors.Wrap(err, "sync wal")
	}
	w.buf = w.buf[:0]
	return nil
}

// Replay re-applies every complete record in the file to mem and returns
// the number applied. A truncated trailing record ends the log.
func (w *WAL) Replay(mem *MemTable) (int, error) {
	f, err := os.Open(w.path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, errors.Wrap(err, "open wal for replay")
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return 0, errors.Wrap(err, "stat wal for replay")
	}
	remaining := stat.Size()

	r := bufio.NewReaderSize(f, WALReadBufferSize)
	var hdr [walHeaderSize]byte
	applied := 0
	for {
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			if err == io.EOF {
				return applied, nil
			}
			if err == io.ErrUnexpectedEOF {
				w.logger.Warn("WAL ends with a partial record header", "records", applied)
				return applied, nil
			}
			return applied, errors.Wrap(err, "read wal header")
		}

		op := hdr[0]
		klen := binary.LittleEndian.Uint32(hdr[1:5])
		vlen := binary.LittleEndian.Uint32(hdr[5:9])
		if op != walOpPut && op != walOpDelete {
			w.logger.Warn("WAL has an unknown opcode, stopping replay", "op", op, "records", applied)
			return applied, nil
		}

		remaining -= walHeaderSize
		size := int64(klen) + int64(vlen)
		if size > remaining {
			w.logger.Warn("WAL record is longer than the file, stopping replay",
				"size", size, "remaining", remaining, "records", applied)
			return applied, nil
		}
		remaining -= size

		payload := make([]byte, size)
		if _, err := io.ReadFull(r, payload); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				w.logger.Warn("WAL ends with a partial record body", "records", applied)
				return applied, nil
			}
			return applied, errors.Wrap(err, "read wal record")
		}

		key := string(payload[:klen])
		if op == walOpPut {
			mem.Put(key, payload[klen:])
		} else {
			mem.Remove(key)
		}
		applied++
	}
}

// Clear discards staged records and truncates the file. It must only be
// called once the matching MemTable contents are durable in an SSTable
// registered in the manifest.
func (w *WAL) Clear() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return ErrClosed
	}
	w.buf = w.buf[:0]
	if err := w.f.Truncate(0); err != nil {
		return errors.Wrap(err, "truncate wal")
	}
	return syncFile(w.f)
}

// Close flushes and closes the WAL file
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return nil
	}
	flushErr := w.flushLocked()
	closeErr := w.f.Close()
	w.f = nil
	return errors.CombineErrors(flushErr, closeErr)
}
