// Package storage reads and writes flat record files used for raw dumps.
//
// A record file is a sequence of little-endian records:
//
//	keyLen(4) valLen(4) key value
//
// with no header or index. Values may hold arbitrary bytes.
package storage

import (
	"bufio"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"
)

const recordHeaderSize = 8

// ErrTruncated is returned when a file ends inside a record.
var ErrTruncated = errors.New("record file truncated")

type Writer struct {
	f     *os.File
	w     *bufio.Writer
	count int
}

// Create truncates or creates path, making parent directories as needed.
func Create(path string) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	return &Writer{f: f, w: bufio.NewWriter(f)}, nil
}

func (w *Writer) Append(key, value []byte) error {
	var hdr [recordHeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[:4], uint32(len(key)))
	binary.LittleEndian.PutUint32(hdr[4:], uint32(len(value)))
	if _, err := w.w.Write(hdr[:]); err != nil {
		return err
	}
	if _, err := w.w.Write(key); err != nil {
		return err
	}
	if _, err := w.w.Write(value); err != nil {
		return err
	}
	w.count++
	return nil
}

// Count is the number of records appended so far.
func (w *Writer) Count() int { return w.count }

// Close flushes, syncs and closes the file.
func (w *Writer) Close() error {
	err := w.w.Flush()
	if err == nil {
		err = w.f.Sync()
	}
	return errors.CombineErrors(err, w.f.Close())
}

// Iterate calls fn for every record in path and returns how many it saw.
// The slices passed to fn are only valid for the duration of the call.
func Iterate(path string, fn func(key, value []byte) error) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return 0, err
	}
	remaining := stat.Size()

	r := bufio.NewReader(f)
	var hdr [recordHeaderSize]byte
	var buf []byte
	n := 0
	for {
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			if err == io.EOF {
				return n, nil
			}
			if err == io.ErrUnexpectedEOF {
				return n, ErrTruncated
			}
			return n, err
		}
		kSize := int(binary.LittleEndian.Uint32(hdr[:4]))
		vSize := int(binary.LittleEndian.Uint32(hdr[4:]))
		remaining -= recordHeaderSize
		if int64(kSize)+int64(vSize) > remaining {
			return n, ErrTruncated
		}
		remaining -= int64(kSize + vSize)
		if cap(buf) < kSize+vSize {
			buf = make([]byte, kSize+vSize)
		}
		buf = buf[:kSize+vSize]
		if _, err := io.ReadFull(r, buf); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return n, ErrTruncated
			}
			return n, err
		}
		if err := fn(buf[:kSize], buf[kSize:]); err != nil {
			return n, err
		}
		n++
	}
}
